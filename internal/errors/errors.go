// Package errors provides error codes shared by the queue, the sync engine,
// and the transports that surface them to the UI layer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrConfig   ErrorCode = "CONFIG_ERROR"

	// Local durability errors
	ErrPersistence ErrorCode = "PERSISTENCE_FAILED"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"

	// Remote errors
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrRemoteRejected    ErrorCode = "REMOTE_REJECTED"
	ErrRemoteAuth        ErrorCode = "REMOTE_AUTH_FAILED"

	// Sync errors
	ErrOffline         ErrorCode = "OFFLINE"
	ErrDrainInProgress ErrorCode = "DRAIN_IN_PROGRESS"
	ErrDeadLettered    ErrorCode = "DEAD_LETTERED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether err is worth replaying on the next drain
// trigger. Only local persistence failures are excluded: the queue keeps
// remote rejections because the backend cannot yet tell us which 4xx
// responses are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !Is(err, ErrPersistence) && !Is(err, ErrInvalid)
}
