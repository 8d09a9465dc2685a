// Package push tracks device push tokens and topic subscriptions per user
// and fans notifications out to the provider.
package push

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Platform identifies the device platform of a registration.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformUnknown Platform = "unknown"
)

// NormalizePlatform coerces arbitrary client input into the enum.
func NormalizePlatform(raw string) Platform {
	switch Platform(raw) {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return Platform(raw)
	default:
		return PlatformUnknown
	}
}

// Registration is one device's push token and metadata, owned by a user.
type Registration struct {
	Token        string    `json:"token"`
	Platform     Platform  `json:"platform"`
	DeviceID     string    `json:"device_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

// key returns the per-user registration slot: device ID when present, else
// the token itself. Re-registering the same slot overwrites it.
func (r Registration) key() string {
	if r.DeviceID != "" {
		return r.DeviceID
	}
	return "tok:" + r.Token
}

// Store persists registrations and topic subscriptions. Implementations
// must be safe for concurrent use.
type Store interface {
	Register(ctx context.Context, sub string, reg Registration) error
	Registrations(ctx context.Context, sub string) ([]Registration, error)
	Users(ctx context.Context) ([]string, error)

	Subscribe(ctx context.Context, topic, sub string) error
	Unsubscribe(ctx context.Context, topic, sub string) error
	TopicSubscribers(ctx context.Context, topic string) ([]string, error)
	UserTopics(ctx context.Context, sub string) ([]string, error)
}

// MemoryStore is the in-process Store used when no Redis is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	registrations map[string]map[string]Registration // sub -> slot -> registration
	topicUsers    map[string]map[string]bool         // topic -> subs
	userTopics    map[string]map[string]bool         // sub -> topics
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registrations: make(map[string]map[string]Registration),
		topicUsers:    make(map[string]map[string]bool),
		userTopics:    make(map[string]map[string]bool),
	}
}

// Register upserts a device registration under sub.
func (s *MemoryStore) Register(_ context.Context, sub string, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.registrations[sub]
	if !ok {
		slots = make(map[string]Registration)
		s.registrations[sub] = slots
	}
	slots[reg.key()] = reg
	return nil
}

// Registrations returns all device registrations for sub.
func (s *MemoryStore) Registrations(_ context.Context, sub string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slots := s.registrations[sub]
	out := make([]Registration, 0, len(slots))
	for _, reg := range slots {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// Users returns every sub with at least one registration.
func (s *MemoryStore) Users(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.registrations))
	for sub := range s.registrations {
		out = append(out, sub)
	}
	sort.Strings(out)
	return out, nil
}

// Subscribe adds sub to topic, maintaining both inverse indices.
func (s *MemoryStore) Subscribe(_ context.Context, topic, sub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.topicUsers[topic] == nil {
		s.topicUsers[topic] = make(map[string]bool)
	}
	s.topicUsers[topic][sub] = true

	if s.userTopics[sub] == nil {
		s.userTopics[sub] = make(map[string]bool)
	}
	s.userTopics[sub][topic] = true
	return nil
}

// Unsubscribe removes sub from topic on both indices.
func (s *MemoryStore) Unsubscribe(_ context.Context, topic, sub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.topicUsers[topic], sub)
	delete(s.userTopics[sub], topic)
	return nil
}

// TopicSubscribers returns the subs subscribed to topic.
func (s *MemoryStore) TopicSubscribers(_ context.Context, topic string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.topicUsers[topic]
	out := make([]string, 0, len(subs))
	for sub := range subs {
		out = append(out, sub)
	}
	sort.Strings(out)
	return out, nil
}

// UserTopics returns the topics sub is subscribed to.
func (s *MemoryStore) UserTopics(_ context.Context, sub string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := s.userTopics[sub]
	out := make([]string, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out, nil
}
