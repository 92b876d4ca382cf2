package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-comparable error classification.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
)

// AppError is the canonical error shape passed between layers. It carries a
// stable Code that handlers can switch on without string-matching Message.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New builds an AppError with the given code, message and optional cause.
func New(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap attaches context to err while preserving it as the Unwrap chain. If
// err is already an *AppError its code is preserved; otherwise it is
// classified as internal.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *AppError
	if As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message + ": " + ae.Message, Cause: ae.Cause}
	}
	return &AppError{Code: CodeInternal, Message: message, Cause: err}
}

func NotFound(message string, cause error) *AppError {
	return New(CodeNotFound, message, cause)
}

func Forbidden(message string, cause error) *AppError {
	return New(CodeForbidden, message, cause)
}

func Conflict(message string, cause error) *AppError {
	return New(CodeConflict, message, cause)
}

func Internal(message string, cause error) *AppError {
	return New(CodeInternal, message, cause)
}

func InvalidArgument(message string, cause error) *AppError {
	return New(CodeInvalidArgument, message, cause)
}

func Unauthenticated(message string, cause error) *AppError {
	return New(CodeUnauthenticated, message, cause)
}

func Unavailable(message string, cause error) *AppError {
	return New(CodeUnavailable, message, cause)
}

// As exposes the standard library's errors.As so callers only need to import
// this package when working with AppError chains.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is exposes the standard library's errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// CodeOf extracts the Code from err, defaulting to CodeInternal when err is
// not an AppError.
func CodeOf(err error) Code {
	var ae *AppError
	if As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HTTPStatus maps a Code to the conventional HTTP status for API responses.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict, CodeAlreadyExists:
		return http.StatusConflict
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
