package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/wiser-sync/internal/bridges/wiser"
	"github.com/nerrad567/wiser-sync/internal/state"
)

// ErrTokenInvalid is returned by ParseToken for any token that fails verification.
var ErrTokenInvalid = errors.New("api: invalid token")

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeUnsupported  = "unsupported"
	ErrCodeGateway      = "gateway_error"
	ErrCodeTimeout      = "timeout"
	ErrCodeInternal     = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps store and engine errors to an HTTP status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, wiser.ErrUnsupported):
		return http.StatusUnprocessableEntity, ErrCodeUnsupported
	case errors.Is(err, wiser.ErrUnknownLoad),
		errors.Is(err, state.ErrNotFound),
		errors.Is(err, state.ErrUnknownObject):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, wiser.ErrInvalidValue),
		errors.Is(err, wiser.ErrInvalidPath),
		errors.Is(err, wiser.ErrInvalidUser):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, wiser.ErrIncompleteCommand):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, state.ErrNotWritable),
		errors.Is(err, wiser.ErrNotActionable):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, wiser.ErrClaimTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, wiser.ErrClaimRejected),
		errors.Is(err, wiser.ErrRequestFailed):
		return http.StatusBadGateway, ErrCodeGateway
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDomainError writes err with the status errorStatus assigns it.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error())
}
