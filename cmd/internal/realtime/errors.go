package realtime

import "errors"

var (
	// ErrChannelNotOpen is returned by Send when the channel is not Open.
	ErrChannelNotOpen = errors.New("channel not open")

	// ErrRateLimited is returned by Send when the outbound window is full.
	ErrRateLimited = errors.New("channel rate limited")

	// ErrProtocol marks frames that violate the chat wire contract.
	ErrProtocol = errors.New("chat protocol error")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid realtime config")
)
