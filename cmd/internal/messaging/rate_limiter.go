package messaging

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter. Timestamps are
// appended in arrival order, so pruning only needs to find the first entry
// still inside the window.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the package
// defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted and
// records it when so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	keep := 0
	for keep < len(r.stamps) && !r.stamps[keep].After(cut) {
		keep++
	}
	if keep > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[keep:]...)
	}

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

// Remaining reports how many events would still be permitted at "now".
func (r *RateLimiter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	live := 0
	for _, t := range r.stamps {
		if t.After(cut) {
			live++
		}
	}
	if live >= r.limit {
		return 0
	}
	return r.limit - live
}
