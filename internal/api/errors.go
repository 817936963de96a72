package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/command"
	"github.com/offboard-control/fcb/internal/schema"
	"github.com/offboard-control/fcb/internal/setpoint"
)

// APIError is an error that already carries its HTTP mapping.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

// NewAPIError creates a new API error.
func NewAPIError(code, message string, statusCode int, details interface{}) *APIError {
	return &APIError{Code: code, Message: message, Details: details, StatusCode: statusCode}
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrBadRequest marks malformed request bodies.
var ErrBadRequest = errors.New("BAD_REQUEST")

type errorMapping struct {
	err     error
	code    string
	status  int
	message string
}

// errorMappings is checked in order; the first match wins. ErrConnection
// comes before the transport codes it wraps.
var errorMappings = []errorMapping{
	{ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest, "Malformed or missing parameter"},
	{schema.ErrUnknownField, "UNKNOWN_FIELD", http.StatusBadRequest, "Field is not part of the active profile"},
	{setpoint.ErrOutOfRange, "OUT_OF_RANGE", http.StatusBadRequest, "Value is outside the allowed range"},
	{command.ErrPrecondition, "PRECONDITION_FAILED", http.StatusConflict, "Offboard precondition failed"},
	{command.ErrUnsupportedControlType, "UNSUPPORTED_CONTROL_TYPE", http.StatusUnprocessableEntity, "Control type has no dispatch"},
	{command.ErrNotConnected, "NOT_CONNECTED", http.StatusServiceUnavailable, "Vehicle is not connected"},
	{command.ErrConnection, "CONNECTION_ERROR", http.StatusServiceUnavailable, "Connection to the autopilot failed"},
	{command.ErrNoSetpointSource, "NO_SETPOINT_SOURCE", http.StatusServiceUnavailable, "No setpoint profile is loaded"},
	{adapter.ErrTransient, "BUSY", http.StatusServiceUnavailable, "Autopilot busy, retry with backoff"},
	{adapter.ErrRejected, "REJECTED", http.StatusUnprocessableEntity, "Autopilot rejected the command"},
	{adapter.ErrUnavailable, "UNAVAILABLE", http.StatusServiceUnavailable, "Autopilot link unavailable"},
}

// ToAPIError maps err to a status code and error envelope.
func ToAPIError(err error) (int, *Response) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, ErrorResponse(apiErr.Code, apiErr.Message, apiErr.Details)
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, ErrorResponse(m.code, m.message, map[string]interface{}{"error": err.Error()})
		}
	}

	return http.StatusInternalServerError, ErrorResponse("INTERNAL", "Internal server error",
		map[string]interface{}{"error": err.Error()})
}

func writeAPIError(w http.ResponseWriter, err error) {
	status, resp := ToAPIError(err)
	writeResponse(w, status, resp)
}
