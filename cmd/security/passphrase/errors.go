package passphrase

import "errors"

// Public, stable errors for callers.
var (
	ErrTooShort    = errors.New("passphrase too short")
	ErrTooLong     = errors.New("passphrase too long")
	ErrWeak        = errors.New("weak passphrase")
	ErrInvalidSpec = errors.New("invalid key derivation spec")
)
