package realtime

import "time"

// Client-side socket limits.
const (
	// Max bytes per inbound frame. A streamed reply chunk is small; the final
	// frame carries the whole reply.
	maxFrameBytes = 1 << 20 // 1MiB

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Outbound sends per window.
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
