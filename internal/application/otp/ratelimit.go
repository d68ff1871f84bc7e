package otp

import "time"

// RateLimiter maps the number of sends already made in the current window to
// the wait required before the next one. It holds no state beyond its table.
type RateLimiter struct {
	waits  []time.Duration
	window time.Duration
}

// NewRateLimiter copies waits; waits[i] applies to send number i+2 within the
// window, and the last entry applies to every send beyond the table.
func NewRateLimiter(waits []time.Duration, window time.Duration) *RateLimiter {
	w := make([]time.Duration, len(waits))
	copy(w, waits)
	return &RateLimiter{waits: w, window: window}
}

// WindowStart is the beginning of the rolling window ending at now.
func (l *RateLimiter) WindowStart(now time.Time) time.Time {
	return now.Add(-l.window)
}

// RequiredWait returns the tier wait for the next send given how many were
// already sent in the window.
func (l *RateLimiter) RequiredWait(sentInWindow int) time.Duration {
	attempt := sentInWindow + 1
	if attempt <= 1 || len(l.waits) == 0 {
		return 0
	}
	idx := attempt - 2
	if idx >= len(l.waits) {
		idx = len(l.waits) - 1
	}
	return l.waits[idx]
}

// Check applies the tier wait relative to the most recent send in the window.
func (l *RateLimiter) Check(sentInWindow int, lastCreatedAt *time.Time, now time.Time) Decision {
	wait := l.RequiredWait(sentInWindow)
	if wait <= 0 || lastCreatedAt == nil {
		return allowed()
	}
	next := lastCreatedAt.Add(wait)
	if !now.Before(next) {
		return allowed()
	}
	return Decision{Wait: wait, NextAllowedAt: next}
}
