// Package errors defines the failure taxonomy shared by the partitioning
// pipeline and maps it onto HTTP status codes for the API surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrTransientIO      = errors.New("transient io error")
	ErrPublishFailure   = errors.New("partition publish failed")
	ErrCancelled        = errors.New("run cancelled")
	ErrAlreadyRunning   = errors.New("run already in flight")
	ErrAlreadyCompleted = errors.New("run already completed")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// InvalidInputf is shorthand for the most common validation failure.
func InvalidInputf(format string, args ...any) *AppError {
	return Newf(ErrInvalidInput, http.StatusBadRequest, format, args...)
}

// IsRetryable reports whether err is worth another attempt. Only transient
// storage faults and timeouts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrTimeout)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrAlreadyCompleted):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrPublishFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrTransientIO), errors.Is(err, ErrTimeout), errors.Is(err, ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
