// Package errors defines the structured error envelope the gateway emits
// when it rejects a request itself. Responses relayed from upstreams keep
// the upstream's own body; routing and auth failures use the short
// {"detail": ...} form in httputil.
package errors

import (
	"fmt"
	"net/http"
)

// Code identifies a class of gateway error.
type Code string

// CodeRateLimited marks admission-control rejections.
const CodeRateLimited Code = "rate_limited"

// ServiceError is a client-visible gateway error.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails attaches a detail key/value and returns the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// RateLimited builds a 429 error carrying the retry-after hint.
func RateLimited(retryAfter int) *ServiceError {
	e := &ServiceError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}
	return e.WithDetails("retry_after", retryAfter)
}
