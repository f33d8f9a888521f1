package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter for outbound sends on one channel.
type RateLimiter struct {
	mu     sync.Mutex
	sent   []time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a limiter allowing limit events per window.
// Non-positive inputs fall back to the package defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		sent:   make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an event and reports whether it fits in the window.
// Rejected events are not recorded.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)
	if len(r.sent) >= r.limit {
		return false
	}
	r.sent = append(r.sent, now)
	return true
}

// Remaining reports how many events the window still admits.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return r.limit - len(r.sent)
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cut := now.Add(-r.window)
	keep := r.sent[:0]
	for _, t := range r.sent {
		if t.After(cut) {
			keep = append(keep, t)
		}
	}
	r.sent = keep
}
