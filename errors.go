package feedsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

var (
	// ErrEmailNotVerified is returned by Login on the legacy path when the
	// account has not confirmed its e-mail address.
	ErrEmailNotVerified = errors.New("email not verified")

	// ErrNotAuthenticated is returned by write operations issued without a
	// live session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionChanged is returned when the session ended while an operation
	// was in flight and its result was discarded.
	ErrSessionChanged = errors.New("session changed")

	// ErrSessionActive is returned by Login and Restore while a session is
	// signed in or authenticating.
	ErrSessionActive = errors.New("session already active")

	// ErrSessionExpired is returned by Restore when the stored token has
	// expired.
	ErrSessionExpired = errors.New("session expired")
)

// TransportError wraps a network or HTTP failure of the REST transport.
type TransportError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Message)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedRowError reports a row field that could not be decoded.
type MalformedRowError struct {
	Entity string
	Field  string
	Err    error
}

func (e *MalformedRowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed %s row: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("malformed %s row: field %q: %v", e.Entity, e.Field, e.Err)
}

func (e *MalformedRowError) Unwrap() error { return e.Err }

// UserNotFoundError is returned by bootstrap when the session's own user row
// is missing from the users snapshot.
type UserNotFoundError struct {
	UserID string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %q not found", e.UserID)
}

func malformed(entity, field string, err error) error {
	return &MalformedRowError{Entity: entity, Field: field, Err: err}
}
