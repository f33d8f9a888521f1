package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	if !rl.Allow() || !rl.Allow() {
		t.Fatalf("first two events rejected")
	}
	if rl.Allow() {
		t.Fatalf("third event allowed inside window")
	}
	if got := rl.Remaining(); got != 0 {
		t.Fatalf("Remaining()=%d want=0", got)
	}

	now = now.Add(10 * time.Second)
	if got := rl.Remaining(); got != 2 {
		t.Fatalf("Remaining() after window=%d want=2", got)
	}
	if !rl.Allow() {
		t.Fatalf("event rejected after window slid")
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults limit=%d window=%v", rl.limit, rl.window)
	}
}
