package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/techfest/festdb/internal/replication"
	"github.com/techfest/festdb/internal/store"
)

// Error code constants for structured API error responses.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidation       = "validation_error"
	ErrCodeNotFound         = "not_found"
	ErrCodeUnknownTable     = "unknown_table"
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeLeaseLost        = "lease_lost"
	ErrCodeEnqueueFailed    = "enqueue_failed"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeInternal         = "internal"
)

// APIError represents a structured error returned by the API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error: APIError{Code: code, Message: message},
	}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// writeJSON writes a JSON response with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}

// classify maps a data-layer error to an HTTP status and error code.
func classify(err error) (int, string) {
	var ve *store.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, store.ErrUnknownTable):
		return http.StatusNotFound, ErrCodeUnknownTable
	case errors.Is(err, store.ErrNotFound), errors.Is(err, replication.ErrTaskNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, replication.ErrLeaseLost):
		return http.StatusConflict, ErrCodeLeaseLost
	case store.IsUnavailable(err):
		return http.StatusServiceUnavailable, ErrCodeStoreUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeStoreError writes err using classify. Internal errors are logged and
// not echoed to the client.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logFor(r.Context()).Error("request failed", "err", err)
		msg = "internal server error"
	}
	writeError(w, status, code, msg)
}
