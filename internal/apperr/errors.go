// Package apperr defines the domain error taxonomy shared by the booking,
// waitlist and policy components and its mapping onto HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a domain failure class.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeNotAuthorized     Code = "not_authorized"
	CodeInvalidTransition Code = "invalid_transition"
	CodeCapacityExceeded  Code = "capacity_exceeded"
	CodeAlreadyQueued     Code = "already_queued"
	CodeWindowExpired     Code = "window_expired"
	CodeInvalidInput      Code = "invalid_input"
)

// Error is a domain error carrying a code and a message naming the failed precondition.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrNotAuthorized     = &Error{Code: CodeNotAuthorized}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrCapacityExceeded  = &Error{Code: CodeCapacityExceeded}
	ErrAlreadyQueued     = &Error{Code: CodeAlreadyQueued}
	ErrWindowExpired     = &Error{Code: CodeWindowExpired}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput}
)

// New builds a domain error with a formatted message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return New(CodeNotFound, format, args...)
}

func NotAuthorized(format string, args ...any) error {
	return New(CodeNotAuthorized, format, args...)
}

func InvalidTransition(format string, args ...any) error {
	return New(CodeInvalidTransition, format, args...)
}

func CapacityExceeded(format string, args ...any) error {
	return New(CodeCapacityExceeded, format, args...)
}

func AlreadyQueued(format string, args ...any) error {
	return New(CodeAlreadyQueued, format, args...)
}

func WindowExpired(format string, args ...any) error {
	return New(CodeWindowExpired, format, args...)
}

func InvalidInput(format string, args ...any) error {
	return New(CodeInvalidInput, format, args...)
}

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsDomain reports whether err carries a domain code.
func IsDomain(err error) bool {
	_, ok := CodeOf(err)
	return ok
}

// HTTPStatus maps an error to the response status. Non-domain errors are 500.
func HTTPStatus(err error) int {
	code, ok := CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotAuthorized:
		return http.StatusForbidden
	case CodeInvalidTransition, CodeCapacityExceeded, CodeAlreadyQueued:
		return http.StatusConflict
	case CodeWindowExpired:
		return http.StatusGone
	case CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
