// Package logging provides structured logging with request-scoped context
// for the gateway.
package logging

import (
	"context"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	// RequestIDKey carries the correlation ID for a request.
	RequestIDKey contextKey = "request_id"
	// UserSubKey carries the authenticated subject claim.
	UserSubKey contextKey = "user_sub"
	// RoleKey carries the authenticated role claim.
	RoleKey contextKey = "role"
)

// Logger wraps zerolog with gateway conventions.
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger for the named service. Level is one of
// debug/info/warn/error; unknown values default to info.
func New(service, level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zl := zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{zl: zl}
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// WithContext returns a zerolog logger enriched with request-scoped fields.
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	zl := l.zl
	if rid := GetRequestID(ctx); rid != "" {
		zl = zl.With().Str("request_id", rid).Logger()
	}
	if sub := GetUserSub(ctx); sub != "" {
		zl = zl.With().Str("sub", sub).Logger()
	}
	return &zl
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }

// Info logs at info level.
func (l *Logger) Info(msg string) { l.zl.Info().Msg(msg) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string) { l.zl.Warn().Msg(msg) }

// Error logs at error level with the given error attached.
func (l *Logger) Error(msg string, err error) { l.zl.Error().Err(err).Msg(msg) }

// LogRequest emits the per-request access log line.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).Info().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", duration).
		Msg("request")
}

// NewRequestID generates a 128-bit hex-encoded correlation ID.
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// WithRequestID stores the correlation ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID extracts the correlation ID from the context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserSub stores the authenticated subject in the context.
func WithUserSub(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, UserSubKey, sub)
}

// GetUserSub extracts the authenticated subject from the context.
func GetUserSub(ctx context.Context) string {
	if v, ok := ctx.Value(UserSubKey).(string); ok {
		return v
	}
	return ""
}

// WithRole stores the authenticated role in the context.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// GetRole extracts the authenticated role from the context.
func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(RoleKey).(string); ok {
		return v
	}
	return ""
}
