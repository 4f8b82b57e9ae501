// Package errors provides custom error types for Sentinel.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code represents an error code.
type Code string

const (
	CodeNotFound     Code = "NOT_FOUND"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeRateLimit    Code = "RATE_LIMITED"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeTimeout      Code = "TIMEOUT"
	CodeConflict     Code = "CONFLICT"
	CodeNotification Code = "NOTIFICATION_FAILED"
)

// Error represents a structured error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds details to the error.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// WithCause adds an underlying cause to the error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Wrap wraps an existing error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Common error constructors

// NotFound creates a not found error.
func NotFound(resource string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Unavailable creates an unavailable error.
func Unavailable(service string) *Error {
	return New(CodeUnavailable, fmt.Sprintf("%s is unavailable", service))
}

// RateLimited creates a rate limit error.
func RateLimited() *Error {
	return New(CodeRateLimit, "rate limit exceeded")
}

// Unauthorized creates an unauthorized error.
func Unauthorized() *Error {
	return New(CodeUnauthorized, "unauthorized")
}

// Forbidden creates an authentication failure that must not be retried,
// such as a signature mismatch.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

// Timeout creates a timeout error.
func Timeout(operation string) *Error {
	return New(CodeTimeout, fmt.Sprintf("%s timed out", operation))
}

// NotificationFailed wraps a transport failure from the notification channel.
func NotificationFailed(err error) *Error {
	return Wrap(err, CodeNotification, "notification send failed")
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool {
	return IsCode(err, CodeInternal)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeNotification:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
