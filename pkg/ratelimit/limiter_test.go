package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestInMemoryLimiterFixedWindow(t *testing.T) {
	t.Parallel()

	limiter := NewInMemory(time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }
	key := "check-action:p1:user-1"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("over-limit call must be denied: %+v", third)
	}
	if !third.ResetAt.Equal(clock.Add(time.Minute)) {
		t.Fatalf("resetAt must mark the window end, got %v", third.ResetAt)
	}

	clock = clock.Add(61 * time.Second)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected a fresh window, got %+v", reset)
	}
}

func TestInMemoryLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewInMemory(time.Minute)
	if d := limiter.Allow("check-action:p1:user-1", 1); !d.Allowed {
		t.Fatalf("first call per key must pass: %+v", d)
	}
	if d := limiter.Allow("check-action:p1:user-1", 1); d.Allowed {
		t.Fatalf("second call for same key must be denied: %+v", d)
	}
	if d := limiter.Allow("check-action:p2:user-1", 1); !d.Allowed {
		t.Fatalf("another project must have its own window: %+v", d)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	t.Parallel()

	limiter := NewInMemory(time.Minute)
	decision := limiter.Allow("k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("non-positive limit must floor to 1, got %+v", decision)
	}
}

func TestNewInMemoryDefaultWindow(t *testing.T) {
	t.Parallel()

	if lim := NewInMemory(0); lim.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", lim.window)
	}
}

func TestInMemoryLimiterDropsStaleBuckets(t *testing.T) {
	t.Parallel()

	limiter := NewInMemory(time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		limiter.Allow(fmt.Sprintf("check-action:p%d:u", i), 5)
	}
	clock = clock.Add(2 * time.Minute)
	limiter.Allow("check-action:fresh:u", 5)

	limiter.mu.Lock()
	n := len(limiter.buckets)
	limiter.mu.Unlock()
	if n != 1 {
		t.Fatalf("expired buckets must be collected, %d remain", n)
	}
}
