// Package errors defines the typed failures surfaced by the session layer to
// the dispatch layer.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// ErrCodeNotFound is returned for an unknown session id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeResourceUnavailable covers pty allocation and process spawn failures.
	ErrCodeResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
	// ErrCodeIOFailure covers read/write/flush errors on an established pty.
	ErrCodeIOFailure ErrorCode = "IO_FAILURE"
	// ErrCodeConfigError covers malformed persisted records and tool configs.
	ErrCodeConfigError ErrorCode = "CONFIG_ERROR"
	// ErrCodeIsolationUnavailable means no namespace primitive was found.
	ErrCodeIsolationUnavailable ErrorCode = "ISOLATION_UNAVAILABLE"
	// ErrCodeInvalidInput is returned for requests that cannot be decoded.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// SessionError represents a structured error with context
type SessionError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *SessionError) WithDetail(key string, value interface{}) *SessionError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *SessionError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new SessionError
func New(code ErrorCode, message string) *SessionError {
	return &SessionError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a SessionError
func Wrap(err error, code ErrorCode, message string) *SessionError {
	return &SessionError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific SessionError code
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error, walking the Unwrap chain.
func GetCode(err error) ErrorCode {
	for err != nil {
		if sessErr, ok := err.(*SessionError); ok {
			return sessErr.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}
