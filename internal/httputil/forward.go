package httputil

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	mathrand "math/rand"
	"net/http"
	"time"

	"github.com/sokoni/bff/internal/logging"
)

const (
	// RequestIDHeader carries the correlation ID across service boundaries.
	RequestIDHeader = "X-Request-ID"
	// TraceparentHeader is the W3C trace-context header.
	TraceparentHeader = "traceparent"
)

// Forwarder issues outbound HTTP calls with bounded retry on transport
// failures. Application-level responses (any status code) are never retried.
type Forwarder struct {
	client      *http.Client
	maxAttempts int
	baseSleep   time.Duration
	logger      *logging.Logger
}

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseSleep   time.Duration
	Logger      *logging.Logger
}

// NewForwarder creates a Forwarder. Zero-valued fields get defaults:
// 10s timeout, 3 attempts, 100ms base backoff.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}
	base := cfg.BaseSleep
	if base == 0 {
		base = 100 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Forwarder{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: attempts,
		baseSleep:   base,
		logger:      log,
	}
}

// Do performs the request described by method/url/headers/body. Transport
// errors are retried with exponential backoff plus jitter; once attempts are
// exhausted the last error is returned. The response body is NOT read here;
// the caller owns resp.Body.
func (f *Forwarder) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if attempt > 0 {
			sleep := time.Duration(float64(f.baseSleep)*math.Pow(2, float64(attempt-1))) +
				time.Duration(mathrand.Int63n(int64(f.baseSleep)))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		PropagateContext(ctx, req.Header)

		resp, err := f.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		f.logger.WithContext(ctx).Warn().
			Str("url", url).
			Int("attempt", attempt+1).
			Err(err).
			Msg("upstream attempt failed")
	}

	return nil, fmt.Errorf("upstream unreachable after %d attempts: %w", f.maxAttempts, lastErr)
}

// Get performs a GET with context propagation and retry.
func (f *Forwarder) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return f.Do(ctx, http.MethodGet, url, header, nil)
}

// Post performs a POST with a raw byte body.
func (f *Forwarder) Post(ctx context.Context, url string, header http.Header, body []byte) (*http.Response, error) {
	return f.Do(ctx, http.MethodPost, url, header, body)
}

// ReadBody drains and closes the response body, bounded at 8 MiB.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// PropagateContext injects X-Request-ID and a traceparent header when they
// are not already present. The request ID comes from the inbound request's
// context; trace/span IDs are freshly generated since the gateway only
// forwards trace context, it does not record spans.
func PropagateContext(ctx context.Context, header http.Header) {
	if header.Get(RequestIDHeader) == "" {
		if rid := logging.GetRequestID(ctx); rid != "" {
			header.Set(RequestIDHeader, rid)
		}
	}
	if header.Get(TraceparentHeader) == "" {
		header.Set(TraceparentHeader, newTraceparent())
	}
}

func newTraceparent() string {
	var traceID [16]byte
	var spanID [8]byte
	_, _ = rand.Read(traceID[:])
	_, _ = rand.Read(spanID[:])
	return fmt.Sprintf("00-%s-%s-01", hex.EncodeToString(traceID[:]), hex.EncodeToString(spanID[:]))
}
