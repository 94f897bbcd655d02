// Package apperr defines the typed error categories translated to HTTP
// responses at the transport boundary, so domain packages never import
// net/http.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status and retry-policy purposes.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindNoCapacity     Kind = "no_capacity"
	KindDriverTransient Kind = "driver_transient"
	KindDriverFatal    Kind = "driver_fatal"
	KindPaymentDuplicate Kind = "payment_duplicate"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindInternal       Kind = "internal"
)

// Error is a domain error carrying an HTTP-translatable Kind and a
// machine-readable Code alongside the human message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches kind/code/message to an underlying error.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// NotFound is a convenience constructor for the common case.
func NotFound(resource string) *Error {
	return New(KindNotFound, "not_found", resource+" not found")
}

// Validation is a convenience constructor for request-validation failures.
func Validation(message string) *Error {
	return New(KindValidation, "validation_failed", message)
}

// HTTPStatus maps a Kind to the status code returned at the HTTP boundary.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindPaymentDuplicate:
		return http.StatusConflict
	case KindNoCapacity:
		return http.StatusServiceUnavailable
	case KindDriverTransient:
		return http.StatusBadGateway
	case KindDriverFatal:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Code extracts the machine-readable code from err, or "internal_error" if
// err is not an *Error.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal_error"
}
