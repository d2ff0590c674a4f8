package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fentz26/fleet/internal/models"
)

// ErrUnauthorized is returned when a request lacks the configured bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// ErrorCode is the machine-readable code in an error response.
type ErrorCode string

const (
	CodeInvalidInput        ErrorCode = "invalid_input"
	CodeBudgetExceeded      ErrorCode = "budget_exceeded"
	CodeUnauthorized        ErrorCode = "unauthorized"
	CodeNotOwner            ErrorCode = "not_owner"
	CodeNotFound            ErrorCode = "not_found"
	CodeUnknownProfile      ErrorCode = "unknown_profile"
	CodeClaimConflict       ErrorCode = "claim_conflict"
	CodeMachineStale        ErrorCode = "machine_stale"
	CodeInvalidTransition   ErrorCode = "invalid_transition"
	CodeConcurrencyExceeded ErrorCode = "concurrency_exceeded"
	CodeInternalError       ErrorCode = "internal_error"
)

// HTTPError is a domain error with its HTTP status.
type HTTPError struct {
	StatusCode int
	Code       ErrorCode
	Err        error
}

func (e *HTTPError) Error() string {
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// MapError maps a domain error to an HTTPError.
func MapError(err error) *HTTPError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return &HTTPError{http.StatusBadRequest, CodeInvalidInput, err}
	case errors.Is(err, models.ErrBudgetExceeded):
		return &HTTPError{http.StatusBadRequest, CodeBudgetExceeded, err}
	case errors.Is(err, models.ErrUnknownProfile):
		return &HTTPError{http.StatusBadRequest, CodeUnknownProfile, err}
	case errors.Is(err, ErrUnauthorized):
		return &HTTPError{http.StatusUnauthorized, CodeUnauthorized, err}
	case errors.Is(err, models.ErrNotOwner):
		return &HTTPError{http.StatusForbidden, CodeNotOwner, err}
	case errors.Is(err, models.ErrNotFound):
		return &HTTPError{http.StatusNotFound, CodeNotFound, err}
	case errors.Is(err, models.ErrClaimConflict):
		return &HTTPError{http.StatusConflict, CodeClaimConflict, err}
	case errors.Is(err, models.ErrMachineStale):
		return &HTTPError{http.StatusConflict, CodeMachineStale, err}
	case errors.Is(err, models.ErrInvalidTransition):
		return &HTTPError{http.StatusConflict, CodeInvalidTransition, err}
	case errors.Is(err, models.ErrSubagentConcurrencyExceeded):
		return &HTTPError{http.StatusTooManyRequests, CodeConcurrencyExceeded, err}
	default:
		return &HTTPError{http.StatusInternalServerError, CodeInternalError, err}
	}
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	httpErr := MapError(err)
	if httpErr == nil {
		return
	}
	writeJSON(w, httpErr.StatusCode, ErrorResponse{
		Error: httpErr.Error(),
		Code:  string(httpErr.Code),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
