package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sokoni/bff/internal/logging"
)

// redisWindowTTL keeps a window's counter alive slightly past the window so
// late readers still see it.
const redisWindowTTL = 70 * time.Second

// RedisLimiter is the shared fixed-window backend: one counter per
// (identity, minute window), atomicity delegated to Redis INCR. Redis
// failures fail OPEN so an unavailable store never blocks traffic.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	logger *logging.Logger
}

// NewRedisLimiter creates a fixed-window limiter over rdb. Keys are
// "<prefix>:<identity>:<window>".
func NewRedisLimiter(rdb *redis.Client, prefix string, logger *logging.Logger) *RedisLimiter {
	if prefix == "" {
		prefix = "rl"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, logger: logger}
}

// Name implements Limiter.
func (l *RedisLimiter) Name() string { return "redis" }

// Allow implements Limiter. Windows are aligned to floor(unix/60); a counter
// gets its TTL on first increment. The INCR/EXPIRE pair is not atomic, so a
// window's TTL can be refreshed slightly late; tolerated.
func (l *RedisLimiter) Allow(ctx context.Context, identity string, limitPerMinute int) (bool, int) {
	now := time.Now().Unix()
	window := now / 60
	key := l.prefix + ":" + identity + ":" + strconv.FormatInt(window, 10)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.logger.WithContext(ctx).Warn().Err(err).Msg("rate limiter redis unavailable, failing open")
		return true, 0
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, redisWindowTTL).Err(); err != nil {
			l.logger.WithContext(ctx).Warn().Err(err).Msg("rate limiter expire failed")
		}
	}

	if count <= int64(limitPerMinute) {
		return true, 0
	}

	retryAfter := int(60 - now%60)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
