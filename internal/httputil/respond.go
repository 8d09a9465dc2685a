// Package httputil provides HTTP response helpers and the retrying upstream
// forwarder used by the gateway.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/sokoni/bff/internal/errors"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteDetail writes the short-form error body used by routing and auth
// failures: {"detail": "..."}.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, map[string]string{"detail": detail})
}

// WriteServiceError writes the structured error envelope
// {error:{code,message,details}}.
func WriteServiceError(w http.ResponseWriter, se *errors.ServiceError) {
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(se.Code),
			"message": se.Message,
		},
	}
	if len(se.Details) > 0 {
		body["error"].(map[string]interface{})["details"] = se.Details
	}
	WriteJSON(w, se.HTTPStatus, body)
}

// Unauthorized writes the canonical 401 body.
func Unauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "missing bearer token"
	}
	WriteDetail(w, http.StatusUnauthorized, detail)
}

// Forbidden writes the canonical 403 body.
func Forbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "forbidden"
	}
	WriteDetail(w, http.StatusForbidden, detail)
}

// BadRequest writes a 400 with a short detail string.
func BadRequest(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusBadRequest, detail)
}

// NotFound writes a 404 with a short detail string.
func NotFound(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusNotFound, detail)
}

// BadGateway writes a 502 with a short detail string.
func BadGateway(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusBadGateway, detail)
}

// InternalError writes a 500 with a short detail string.
func InternalError(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusInternalServerError, detail)
}

// DecodeJSON decodes the request body into target, responding with 400 on
// failure. Returns false when decoding failed and a response was written.
func DecodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		BadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
