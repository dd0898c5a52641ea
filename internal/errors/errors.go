// Package errors provides standardized error handling for the image serving service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the serving core.
type ErrorCode string

const (
	// Resolution errors
	IMG_NO_ORIGIN        ErrorCode = "IMG_NO_ORIGIN"        // No mapping matched the request
	IMG_POLICY_NOT_FOUND ErrorCode = "IMG_POLICY_NOT_FOUND" // Explicit policy id did not resolve

	// Origin errors
	IMG_SOURCE_NOT_FOUND ErrorCode = "IMG_SOURCE_NOT_FOUND" // Source object missing or origin unreachable
	IMG_ACCESS_DENIED    ErrorCode = "IMG_ACCESS_DENIED"    // Origin store denied access

	// Pipeline errors
	IMG_INVALID_OPERATION     ErrorCode = "IMG_INVALID_OPERATION"     // Operation parameters incompatible with the source
	IMG_UNSUPPORTED_OPERATION ErrorCode = "IMG_UNSUPPORTED_OPERATION" // Policy references an unimplemented operation

	// Request/administrative errors
	IMG_BAD_REQUEST ErrorCode = "IMG_BAD_REQUEST" // Malformed request parameters
	IMG_VALIDATION  ErrorCode = "IMG_VALIDATION"  // Administrative payload failed validation
	IMG_CONFLICT    ErrorCode = "IMG_CONFLICT"    // Administrative write conflicts with existing state

	// Server errors
	IMG_TIMEOUT  ErrorCode = "IMG_TIMEOUT"  // Processing deadline exceeded
	IMG_INTERNAL ErrorCode = "IMG_INTERNAL" // Anything unclassified
)

// Error represents a standardized error response.
// The wire shape is {message, code, status}; the correlation id rides along
// for log joining when present.
type Error struct {
	Message       string    `json:"message"`
	Code          ErrorCode `json:"code"`
	Status        int       `json:"status"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  httpStatusForCode(code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError extracts an *Error from err, wrapping unclassified errors as
// IMG_INTERNAL so every failure reaching the response writer has a status.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(IMG_INTERNAL, err.Error())
}

// httpStatusForCode maps error codes to HTTP status codes.
// Source-not-found deliberately stays in the 404 class even for unreachable
// origins so edge caches can cache the negative result.
func httpStatusForCode(code ErrorCode) int {
	switch code {
	case IMG_NO_ORIGIN, IMG_POLICY_NOT_FOUND, IMG_SOURCE_NOT_FOUND:
		return http.StatusNotFound
	case IMG_ACCESS_DENIED:
		return http.StatusForbidden
	case IMG_INVALID_OPERATION, IMG_BAD_REQUEST, IMG_VALIDATION:
		return http.StatusBadRequest
	case IMG_CONFLICT:
		return http.StatusConflict
	case IMG_TIMEOUT:
		return http.StatusGatewayTimeout
	case IMG_UNSUPPORTED_OPERATION:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
