package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected is returned when the server rejects credentials or tokens
	// (401, or a non-success reply from an auth endpoint).
	ErrAuthRejected = errors.New("auth rejected")

	// ErrNetworkFailure is returned when no response was received.
	ErrNetworkFailure = errors.New("network failure")

	// ErrProtocol is returned when a response does not match its endpoint schema.
	ErrProtocol = errors.New("protocol error")

	// ErrNoSession is returned when no usable token pair is stored.
	ErrNoSession = errors.New("no session")

	// ErrStaleResponse is returned when a response arrives after the session
	// epoch changed (logout or new login while in flight). It is discarded.
	ErrStaleResponse = errors.New("stale response discarded")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// AuthError is a typed failure from an auth endpoint.
//
// UserMessage is safe to show to the user: it carries the server-supplied
// detail when present, otherwise a generic fallback.
type AuthError struct {
	Op          string
	Kind        error
	Status      int
	UserMessage string
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Kind }

// UserMessage returns the user-facing text for err, or fallback.
func UserMessage(err error, fallback string) string {
	var ae *AuthError
	if errors.As(err, &ae) && ae.UserMessage != "" {
		return ae.UserMessage
	}
	return fallback
}

// IsUnauthorized reports whether err is a 401 rejection.
func IsUnauthorized(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Status == 401
}
