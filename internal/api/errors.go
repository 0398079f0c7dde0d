package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/controlroom/internal/module"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"

	ErrCodeUnknownModule      = "unknown_module"
	ErrCodeUnknownMacro       = "unknown_macro"
	ErrCodeUnsupportedCommand = "unsupported_command"
	ErrCodeNotConnected       = "not_connected"
)

// sendErrors maps registry sentinels to a status and code, first match wins.
var sendErrors = []struct {
	err    error
	status int
	code   string
}{
	{module.ErrUnknownModule, http.StatusNotFound, ErrCodeUnknownModule},
	{module.ErrUnsupportedCommand, http.StatusUnprocessableEntity, ErrCodeUnsupportedCommand},
	{module.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeNotConnected},
	{module.ErrClosed, http.StatusServiceUnavailable, ErrCodeNotConnected},
}

// sendErrorStatus classifies an error from Registry.Send. Anything
// unrecognised is the module's fault and reported as 502.
func sendErrorStatus(err error) (int, string) {
	for _, m := range sendErrors {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusBadGateway, ErrCodeInternal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // Client may have gone
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, msg)
}

func writeNotFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, msg)
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, msg)
}

func writeForbidden(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, msg)
}

func writeInternalError(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, msg)
}
