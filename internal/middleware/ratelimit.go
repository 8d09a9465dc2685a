package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sokoni/bff/internal/errors"
	"github.com/sokoni/bff/internal/httputil"
	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/metrics"
)

// authPathCeiling caps the per-minute budget for /auth/* to slow
// credential stuffing.
const authPathCeiling = 20

// Limiter admits or rejects a request for the given identity against a
// per-minute budget. Implementations must be safe for concurrent use and
// must fail open on backend errors.
type Limiter interface {
	// Allow reports whether the request may proceed; when it may not,
	// retryAfter is a positive number of seconds.
	Allow(ctx context.Context, identity string, limitPerMinute int) (allowed bool, retryAfter int)
	// Name identifies the backend in metrics and logs.
	Name() string
}

// RateLimitConfig tunes the admission policy applied in front of every
// handler.
type RateLimitConfig struct {
	LimitPerMinute int
	AuthBoost      float64
	ExemptOTP      bool
}

// RateLimit returns the admission-control middleware. Policy, not
// enforcement, lives here: exempt paths, the /auth/* ceiling and the auth
// boost are computed per request and handed to the backend.
func RateLimit(limiter Limiter, cfg RateLimitConfig, logger *logging.Logger) func(http.Handler) http.Handler {
	boost := cfg.AuthBoost
	if boost <= 0 {
		boost = 2
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rateLimitExempt(r.URL.Path, cfg.ExemptOTP) {
				next.ServeHTTP(w, r)
				return
			}

			hasAuth := r.Header.Get("Authorization") != ""

			limit := cfg.LimitPerMinute
			if strings.HasPrefix(r.URL.Path, "/auth/") && limit > authPathCeiling {
				limit = authPathCeiling
			}
			if hasAuth {
				limit = int(math.Round(float64(limit) * boost))
			}
			if limit < 1 {
				limit = 1
			}

			identity := clientIdentity(r)
			allowed, retryAfter := limiter.Allow(r.Context(), identity, limit)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitRejection(limiter.Name())
			logger.WithContext(r.Context()).Warn().
				Str("identity", identity).
				Str("path", r.URL.Path).
				Int("retry_after", retryAfter).
				Msg("rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteServiceError(w, errors.RateLimited(retryAfter))
		})
	}
}

// rateLimitExempt reports whether the path bypasses admission control.
func rateLimitExempt(path string, exemptOTP bool) bool {
	switch path {
	case "/health", "/health/system", "/metrics":
		return true
	}
	if exemptOTP && (path == "/auth/request_otp" || path == "/auth/verify_otp") {
		return true
	}
	return false
}

// clientIdentity derives the rate-limit key: the bearer-token suffix when a
// token is present, else the client IP.
func clientIdentity(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimSpace(auth[len("Bearer "):])
		if len(token) > 16 {
			token = token[len(token)-16:]
		}
		if token != "" {
			return "tok:" + token
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// =============================================================================
// In-process token bucket backend
// =============================================================================

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BucketLimiter is the in-process token-bucket backend: one bucket per
// (identity, limit) pair, refilled continuously at limit/60 tokens per
// second.
type BucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewBucketLimiter creates an empty in-process limiter.
func NewBucketLimiter() *BucketLimiter {
	return &BucketLimiter{buckets: make(map[string]*bucket)}
}

// Name implements Limiter.
func (b *BucketLimiter) Name() string { return "memory" }

// Allow implements Limiter.
func (b *BucketLimiter) Allow(_ context.Context, identity string, limitPerMinute int) (bool, int) {
	key := identity + "|" + strconv.Itoa(limitPerMinute)

	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(limitPerMinute)/60.0), limitPerMinute)}
		b.buckets[key] = bk
	}
	bk.lastSeen = time.Now()
	lim := bk.limiter
	b.mu.Unlock()

	if lim.Allow() {
		return true, 0
	}

	retryAfter := int(math.Ceil(60.0 / float64(limitPerMinute)))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// Sweep evicts buckets unseen for longer than maxIdle and returns how many
// were removed. Scheduled periodically by the server.
func (b *BucketLimiter) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, bk := range b.buckets {
		if bk.lastSeen.Before(cutoff) {
			delete(b.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the current bucket count.
func (b *BucketLimiter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}
