// Package apperr defines the error type service methods return to the HTTP
// layer. The detail message is surfaced verbatim in the response body.
package apperr

import "net/http"

// Error is a service failure with an associated HTTP status.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// New creates an error with an explicit status.
func New(status int, detail string) *Error {
	return &Error{Status: status, Detail: detail}
}

// NotFound creates a 404 error.
func NotFound(detail string) *Error {
	return New(http.StatusNotFound, detail)
}

// Conflict creates a 409 error.
func Conflict(detail string) *Error {
	return New(http.StatusConflict, detail)
}

// BadRequest creates a 400 error.
func BadRequest(detail string) *Error {
	return New(http.StatusBadRequest, detail)
}

// Unauthorized creates a 401 error.
func Unauthorized(detail string) *Error {
	return New(http.StatusUnauthorized, detail)
}

// Forbidden creates a 403 error.
func Forbidden(detail string) *Error {
	return New(http.StatusForbidden, detail)
}
