package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/medic-monitor/medic/internal/medicerr"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RespondJSON writes data as a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Failed to encode JSON response: %v", err)
		}
	}
}

// RespondError writes a standard error response.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// RespondErrorWithCode writes an error response with a machine-readable code.
func RespondErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// RespondTaxonomyError maps the medicerr taxonomy to explicit status codes.
// Restore and approval endpoints are operator-facing recovery actions, so
// they return concrete conflict/not-found reasons rather than a generic 500.
func RespondTaxonomyError(w http.ResponseWriter, err error) {
	switch {
	case medicerr.IsNotFound(err):
		RespondErrorWithCode(w, http.StatusNotFound, "not_found", err.Error())
	case medicerr.IsConflict(err):
		RespondErrorWithCode(w, http.StatusConflict, "conflict", err.Error())
	case medicerr.IsInvalid(err):
		RespondErrorWithCode(w, http.StatusUnprocessableEntity, "invalid", err.Error())
	case medicerr.IsUnauthorized(err):
		RespondErrorWithCode(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case medicerr.IsRateLimited(err):
		RespondErrorWithCode(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case medicerr.IsUnavailable(err):
		RespondErrorWithCode(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		log.Printf("Internal error: %v", err)
		RespondErrorWithCode(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// RespondNoContent writes a 204 No Content response with no body.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// DecodeJSON decodes the request body as JSON into v.
func DecodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// DecodeJSONBytes decodes an already-read body into v. Used by handlers
// that must hold the raw bytes for signature verification.
func DecodeJSONBytes(body []byte, v interface{}) error {
	return json.Unmarshal(body, v)
}
