package metrics

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Limit: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		if !rl.Allow("tenant-a") {
			t.Fatalf("call %d: expected allowed", i)
		}
	}
	if rl.Allow("tenant-a") {
		t.Error("4th call within window: expected denied")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Limit: 1, Window: time.Minute})

	if !rl.Allow("tenant-a") {
		t.Fatal("tenant-a first call: expected allowed")
	}
	if rl.Allow("tenant-a") {
		t.Error("tenant-a second call: expected denied")
	}
	if !rl.Allow("tenant-b") {
		t.Error("tenant-b first call: expected allowed, keys must not share state")
	}
}

func TestRateLimiterEvictsStaleEvents(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimiterConfig{Limit: 2, Window: time.Minute}).WithClock(func() time.Time { return now })

	if !rl.Allow("tenant-a") {
		t.Fatal("call 1: expected allowed")
	}
	if !rl.Allow("tenant-a") {
		t.Fatal("call 2: expected allowed")
	}
	if rl.Allow("tenant-a") {
		t.Fatal("call 3: expected denied, limit reached")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("tenant-a") {
		t.Error("call after window elapsed: expected allowed once stale events evicted")
	}
}

func TestRateLimiterPartialWindowEviction(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimiterConfig{Limit: 2, Window: time.Minute}).WithClock(func() time.Time { return now })

	rl.Allow("tenant-a")
	now = now.Add(40 * time.Second)
	rl.Allow("tenant-a")

	now = now.Add(25 * time.Second) // first event now 65s old, evicted; second is 25s old, kept
	if !rl.Allow("tenant-a") {
		t.Error("expected allowed: only one event should remain in window")
	}
	if rl.Allow("tenant-a") {
		t.Error("expected denied: window now holds 2 events again")
	}
}

func TestRateLimiterDefaultsAppliedForZeroValues(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})
	if rl.limit != 60 {
		t.Errorf("default limit = %d, want 60", rl.limit)
	}
	if rl.window != time.Minute {
		t.Errorf("default window = %v, want 1m", rl.window)
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Limit: 1, Window: time.Minute})

	rl.Allow("tenant-a")
	if rl.Allow("tenant-a") {
		t.Fatal("expected denied before reset")
	}
	rl.Reset("tenant-a")
	if !rl.Allow("tenant-a") {
		t.Error("expected allowed after reset")
	}
}
