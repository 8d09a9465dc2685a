// Package cache provides the short-TTL response cache used by the
// aggregation endpoints.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is a byte-value cache with per-entry TTL. Implementations must be
// safe for concurrent use. Lookups and writes are best effort: a failing
// backend degrades to cache misses, never to request failures.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// ETag computes the strong entity tag for a response body.
func ETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// =============================================================================
// In-process store
// =============================================================================

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the in-process TTL cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*entry)}
}

// Get returns the cached value when present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Sweep removes expired entries and returns how many were evicted.
// Scheduled periodically by the server.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count, expired entries included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// =============================================================================
// Redis-backed store
// =============================================================================

// Redis backs the cache with a shared Redis instance so replicas share
// entries. Errors degrade to misses.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed cache. Keys are "<prefix>:<key>".
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "aggcache"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// Get returns the cached value when present.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.rdb.Get(ctx, r.prefix+":"+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores value under key for ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = r.rdb.Set(ctx, r.prefix+":"+key, value, ttl).Err()
}
