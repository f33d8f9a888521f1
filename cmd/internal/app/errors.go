package app

import "errors"

// ErrConfig reports an invalid or incomplete runtime configuration.
var ErrConfig = errors.New("invalid config")
