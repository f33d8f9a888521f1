package tokenstore

import "errors"

var (
	// ErrConfig is returned for invalid backend configuration.
	ErrConfig = errors.New("invalid token store config")

	// ErrInvalidPair is returned when a pair violates the access-implies-refresh invariant.
	ErrInvalidPair = errors.New("invalid token pair")

	// ErrSealed is returned when a sealed value cannot be opened.
	ErrSealed = errors.New("sealed value cannot be opened")
)
