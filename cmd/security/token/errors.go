package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrDecode is returned when a token is malformed: not three dot-separated
	// segments, a payload that is not valid JSON, or a missing/invalid exp claim.
	ErrDecode = errors.New("token decode failed")
)
