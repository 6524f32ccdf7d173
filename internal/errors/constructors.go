package errors

import "fmt"

// NotFound creates an unknown session error
func NotFound(sessionID string) *SessionError {
	return New(ErrCodeNotFound, fmt.Sprintf("session not found: %s", sessionID)).
		WithDetail("session_id", sessionID)
}

// ResourceUnavailable creates a pty allocation or spawn failure
func ResourceUnavailable(op string, err error) *SessionError {
	return Wrap(err, ErrCodeResourceUnavailable, fmt.Sprintf("failed to %s", op)).
		WithDetail("op", op)
}

// IOFailure creates an error for a failed read/write/flush on a live pty
func IOFailure(sessionID, op string, err error) *SessionError {
	return Wrap(err, ErrCodeIOFailure, fmt.Sprintf("%s failed for %s", op, sessionID)).
		WithDetail("session_id", sessionID).
		WithDetail("op", op)
}

// ConfigError creates an error for a malformed persisted or generated item
func ConfigError(item string, err error) *SessionError {
	return Wrap(err, ErrCodeConfigError, fmt.Sprintf("malformed %s", item)).
		WithDetail("item", item)
}

// IsolationUnavailable reports that no namespace primitive is usable. It is a
// degrade condition and callers normally log it rather than return it.
func IsolationUnavailable(reason string) *SessionError {
	return New(ErrCodeIsolationUnavailable, reason)
}

// InvalidInput creates an error for an undecodable request
func InvalidInput(reason string) *SessionError {
	return New(ErrCodeInvalidInput, reason)
}
