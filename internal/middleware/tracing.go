// Package middleware provides the gateway's HTTP middleware chain.
package middleware

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/sokoni/bff/internal/httputil"
	"github.com/sokoni/bff/internal/logging"
)

// Tracing reads or generates the X-Request-ID correlation header, stores it
// in the request context, echoes it on the response, and emits the access
// log line once the handler completes.
func Tracing(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(httputil.RequestIDHeader)
			if requestID == "" {
				requestID = logging.NewRequestID()
			}

			ctx := logging.WithRequestID(r.Context(), requestID)
			w.Header().Set(httputil.RequestIDHeader, requestID)

			rec := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r.WithContext(ctx))

			logger.LogRequest(ctx, r.Method, r.URL.Path, rec.statusCode, time.Since(start))
		})
	}
}

// SecurityHeaders sets the baseline hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack exposes the underlying connection so WebSocket upgrades work behind
// the middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
