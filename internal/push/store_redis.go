package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps registrations and topic subscriptions in Redis so every
// gateway replica sees the same state. Layout:
//
//	push:reg:<sub>        hash  field = device_id (or "tok:<token>") -> JSON
//	push:users            set   subs with registrations
//	push:topic:<topic>    set   subscriber subs
//	push:usertopics:<sub> set   topics the sub follows
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed push store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func regKey(sub string) string        { return "push:reg:" + sub }
func topicKey(topic string) string    { return "push:topic:" + topic }
func userTopicsKey(sub string) string { return "push:usertopics:" + sub }

// Register upserts a device registration under sub.
func (s *RedisStore) Register(ctx context.Context, sub string, reg Registration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, regKey(sub), reg.key(), payload)
	pipe.SAdd(ctx, "push:users", sub)
	_, err = pipe.Exec(ctx)
	return err
}

// Registrations returns all device registrations for sub.
func (s *RedisStore) Registrations(ctx context.Context, sub string) ([]Registration, error) {
	fields, err := s.rdb.HGetAll(ctx, regKey(sub)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Registration, 0, len(fields))
	for _, raw := range fields {
		var reg Registration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

// Users returns every sub with at least one registration.
func (s *RedisStore) Users(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, "push:users").Result()
}

// Subscribe adds sub to topic on both inverse indices.
func (s *RedisStore) Subscribe(ctx context.Context, topic, sub string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, topicKey(topic), sub)
	pipe.SAdd(ctx, userTopicsKey(sub), topic)
	_, err := pipe.Exec(ctx)
	return err
}

// Unsubscribe removes sub from topic on both indices.
func (s *RedisStore) Unsubscribe(ctx context.Context, topic, sub string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, topicKey(topic), sub)
	pipe.SRem(ctx, userTopicsKey(sub), topic)
	_, err := pipe.Exec(ctx)
	return err
}

// TopicSubscribers returns the subs subscribed to topic.
func (s *RedisStore) TopicSubscribers(ctx context.Context, topic string) ([]string, error) {
	return s.rdb.SMembers(ctx, topicKey(topic)).Result()
}

// UserTopics returns the topics sub follows.
func (s *RedisStore) UserTopics(ctx context.Context, sub string) ([]string, error) {
	return s.rdb.SMembers(ctx, userTopicsKey(sub)).Result()
}
