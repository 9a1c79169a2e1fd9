package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Standard error codes
const (
	ErrInvalidRequest      = 400
	ErrUnauthorized        = 401
	ErrForbidden           = 403
	ErrNotFound            = 404
	ErrConflict            = 409
	ErrInternalServerError = 500
	ErrServiceUnavailable  = 503

	// Progressive-specific error codes (2000+)
	ErrConfiguration            = 2001
	ErrLevelNotFound            = 2002
	ErrInvalidTransition        = 2003
	ErrNotAuthorizedForProtocol = 2004
	ErrLevelBusy                = 2005
	ErrProgressiveMismatch      = 2006
	ErrPersistence              = 2007
	ErrCancelForbidden          = 2008
	ErrTransactionNotFound      = 2009
	ErrLevelFaulted             = 2010
	ErrDuplicateTransaction     = 2011
	ErrStaleTransaction         = 2012
	ErrKafkaError               = 2013
	ErrRedisError               = 2014
)

// AppError represents a custom application error
type AppError struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	DebugMessage string `json:"debug_message,omitempty"`
	Err          error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.DebugMessage != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.DebugMessage)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s [%v]", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code, so sentinel
// values below can be matched with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	InvalidRequest           = New(ErrInvalidRequest, "invalid request")
	Configuration            = New(ErrConfiguration, "progressive configuration error")
	LevelNotFound            = New(ErrLevelNotFound, "progressive level not found")
	InvalidTransition        = New(ErrInvalidTransition, "invalid state transition")
	NotAuthorizedForProtocol = New(ErrNotAuthorizedForProtocol, "not authorized for protocol")
	LevelBusy                = New(ErrLevelBusy, "progressive level busy")
	ProgressiveMismatch      = New(ErrProgressiveMismatch, "progressive configuration mismatch")
	Persistence              = New(ErrPersistence, "persistence failure")
	CancelForbidden          = New(ErrCancelForbidden, "cancel forbidden after commit")
	TransactionNotFound      = New(ErrTransactionNotFound, "jackpot transaction not found")
	LevelFaulted             = New(ErrLevelFaulted, "progressive level has blocking errors")
	DuplicateTransaction     = New(ErrDuplicateTransaction, "jackpot transaction already exists")
	StaleTransaction         = New(ErrStaleTransaction, "jackpot transaction state changed")
)

// New creates a new AppError
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewWithDebug creates a new AppError with a debug message
func NewWithDebug(code int, message string, debugMessage string) *AppError {
	return &AppError{
		Code:         code,
		Message:      message,
		DebugMessage: debugMessage,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapWithDebug wraps an existing error into an AppError with a debug message
func WrapWithDebug(err error, code int, message string, debugMessage string) *AppError {
	return &AppError{
		Code:         code,
		Message:      message,
		DebugMessage: debugMessage,
		Err:          err,
	}
}

// Newf builds an AppError whose debug message is formatted.
func Newf(code int, message string, format string, args ...interface{}) *AppError {
	return NewWithDebug(code, message, fmt.Sprintf(format, args...))
}

// Response returns a map suitable for JSON response
func (e *AppError) Response() map[string]interface{} {
	response := map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
	}

	// Include debug message in development environment
	env := os.Getenv("APP_ENV")
	if (env == "dev" || env == "development") && e.DebugMessage != "" {
		response["debug_message"] = e.DebugMessage
	}

	return response
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	_, ok := As(err)
	return ok
}

// As unwraps err until an AppError is found.
func As(err error) (*AppError, bool) {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// IsTransient reports whether err is worth retrying unchanged: storage,
// broker and lock contention failures, or errors that carry no AppError
// code. Validation and state errors are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	appErr, ok := As(err)
	if !ok {
		return true
	}
	switch appErr.Code {
	case ErrPersistence, ErrLevelBusy, ErrRedisError, ErrKafkaError,
		ErrServiceUnavailable, ErrInternalServerError:
		return true
	default:
		return false
	}
}

// GetCode extracts error code from an error
func GetCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrInternalServerError
}

// HTTPStatusFromCode maps error codes to HTTP status codes
func HTTPStatusFromCode(code int) int {
	switch code {
	case ErrInvalidRequest, ErrConfiguration:
		return 400
	case ErrUnauthorized:
		return 401
	case ErrForbidden, ErrNotAuthorizedForProtocol:
		return 403
	case ErrNotFound, ErrLevelNotFound, ErrTransactionNotFound:
		return 404
	case ErrConflict, ErrInvalidTransition, ErrLevelBusy, ErrCancelForbidden,
		ErrDuplicateTransaction, ErrStaleTransaction, ErrLevelFaulted:
		return 409
	case ErrProgressiveMismatch:
		return 422
	case ErrServiceUnavailable, ErrPersistence:
		return 503
	default:
		return 500
	}
}
