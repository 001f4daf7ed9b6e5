package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInternal        Code = "INTERNAL"
	CodeNotFound        Code = "NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodeConflict        Code = "CONFLICT"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTransient       Code = "TRANSIENT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NotFound(msg string) error        { return New(CodeNotFound, msg) }
func Forbidden(msg string) error       { return New(CodeForbidden, msg) }
func Conflict(msg string) error        { return New(CodeConflict, msg) }
func InvalidArgument(msg string) error { return New(CodeInvalidArgument, msg) }
func Unauthenticated(msg string) error { return New(CodeUnauthenticated, msg) }

func Unavailable(msg string, cause error) error { return Wrap(CodeUnavailable, msg, cause) }
func Transient(msg string, cause error) error   { return Wrap(CodeTransient, msg, cause) }

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Actionable reports whether the failure should be shown to the user.
// Transient failures degrade silently.
func Actionable(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeForbidden, CodeConflict, CodeInvalidArgument, CodeUnavailable:
		return true
	}
	return false
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnavailable, CodeTransient:
		return http.StatusServiceUnavailable
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// FromStatus maps an HTTP status returned by a remote service back to a code.
func FromStatus(status int) Code {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusConflict:
		return CodeConflict
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return CodeInvalidArgument
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return CodeUnavailable
	}
	return CodeInternal
}
