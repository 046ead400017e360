package metrics

import (
	"sync"
	"time"
)

// RateLimiterConfig tunes a [RateLimiter].
type RateLimiterConfig struct {
	// Limit is the maximum number of calls permitted per Window, per key.
	Limit int

	// Window is the sliding duration the limit applies over. Default: 1
	// minute.
	Window time.Duration
}

// RateLimiter is a sliding-window request counter keyed by an arbitrary
// string (tenant id, or tenant+endpoint), the same mutex-guarded,
// clock-injectable explicit-state idiom the teacher's CircuitBreaker uses,
// generalized from a single breaker to one window per key.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	events []time.Time
}

// NewRateLimiter builds a RateLimiter from cfg. Zero-value fields fall
// back to sensible defaults (limit 60, window 1 minute).
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimiter{
		limit:   cfg.Limit,
		window:  cfg.Window,
		now:     time.Now,
		windows: make(map[string]*slidingWindow),
	}
}

// WithClock overrides the limiter's time source, for deterministic tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// Allow reports whether a new event for key is permitted under the
// sliding window, recording it if so.
func (r *RateLimiter) Allow(key string) bool {
	now := r.now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[key]
	if !ok {
		w = &slidingWindow{}
		r.windows[key] = w
	}

	kept := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events = kept

	if len(w.events) >= r.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Reset clears key's window, primarily for tests.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, key)
}
