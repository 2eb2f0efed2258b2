package domain

import (
	"errors"
	"fmt"
)

// ErrCacheMiss is returned by ConferenceCache when the key is absent. The
// service treats it as "go to the database", every other cache error is
// logged and ignored.
var ErrCacheMiss = errors.New("cache miss")

// ErrCode classifies an AppError for transport mapping.
type ErrCode string

const (
	ErrCodeValidation ErrCode = "validation_error"
	ErrCodeNotFound   ErrCode = "not_found"
	ErrCodeConflict   ErrCode = "conflict"
	ErrCodeState      ErrCode = "invalid_state"
	ErrCodeInternal   ErrCode = "internal_error"
)

// AppError is a domain error with a stable code. Transports map the code
// to a status; Message is safe to return to clients.
type AppError struct {
	Code    ErrCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func NewValidationError(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}

func NewStateError(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeState, Message: fmt.Sprintf(format, args...)}
}

func NewInternalError(msg string, err error) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: msg, Err: err}
}

// AsAppError unwraps err into an *AppError if one is in the chain.
func AsAppError(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
