package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	if lim.Window != time.Minute {
		t.Fatalf("expected default one-minute window, got %v", lim.Window)
	}
	if lim.Prefix != "ladder:rl:" {
		t.Fatalf("unexpected key prefix %q", lim.Prefix)
	}
	if lim.Fallback == nil {
		t.Fatal("expected in-memory fallback to be initialized")
	}
}

func TestRedisLimiterSharedWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedis(client, 25*time.Millisecond)
	key := "check-action:p1:user-1"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	if d := limiter.Allow(key, 2); !d.Allowed || d.Count != 2 {
		t.Fatalf("unexpected second decision: %+v", d)
	}
	if d := limiter.Allow(key, 2); d.Allowed || d.Count != 3 || d.Remaining != 0 {
		t.Fatalf("over-limit call must be denied: %+v", d)
	}

	if !mr.Exists("ladder:rl:" + key) {
		t.Fatal("window counter must live under the ladder prefix")
	}

	mr.FastForward(30 * time.Millisecond)
	if d := limiter.Allow(key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", d)
	}
}

func TestRedisLimiterOutageFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	limiter := NewRedis(client, time.Second)
	if d := limiter.Allow("check-action:p1:user-1", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("outage must degrade to the in-memory limiter, got %+v", d)
	}
	if d := limiter.Allow("check-action:p1:user-1", 1); d.Allowed {
		t.Fatalf("the fallback still enforces the limit, got %+v", d)
	}
}

func TestRedisLimiterNoClientNoFallback(t *testing.T) {
	lim := &RedisLimiter{Window: 2 * time.Second}
	decision := lim.Allow("k1", 0)
	if !decision.Allowed || decision.Limit != 1 || decision.Count != 0 || decision.Remaining != 1 {
		t.Fatalf("with nothing to count against, the limiter must fail open: %+v", decision)
	}
}

func TestRedisLimiterErrorNoFallbackFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	lim := &RedisLimiter{Client: client, Window: 2 * time.Second, Prefix: "ladder:rl:"}
	decision := lim.Allow("k2", 2)
	if !decision.Allowed || decision.Count != 0 || decision.Limit != 2 {
		t.Fatalf("expected permissive decision on redis error with no fallback, got %+v", decision)
	}
}

func TestRedisLimiterMalformedScriptReply(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	original := fixedWindowScript
	defer func() { fixedWindowScript = original }()

	t.Run("non-array fails open without fallback", func(t *testing.T) {
		fixedWindowScript = redis.NewScript(`return "bad-value"`)
		lim := &RedisLimiter{Client: client, Window: 100 * time.Millisecond, Prefix: "ladder:rl:"}
		if d := lim.Allow("check-action:p1:u1", 5); !d.Allowed || d.Count != 0 {
			t.Fatalf("expected permissive decision, got %+v", d)
		}
	})

	t.Run("short array uses fallback", func(t *testing.T) {
		fixedWindowScript = redis.NewScript(`return {1}`)
		lim := NewRedis(client, time.Second)
		if d := lim.Allow("check-action:p1:u2", 1); !d.Allowed || d.Count != 1 {
			t.Fatalf("expected fallback first decision, got %+v", d)
		}
		if d := lim.Allow("check-action:p1:u2", 1); d.Allowed {
			t.Fatalf("fallback must enforce the limit, got %+v", d)
		}
	})
}

func TestRedisLimiterNegativeTTLUsesWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, 500*time.Millisecond)
	if err := client.Set(context.Background(), lim.Prefix+"check-action:p1:u3", "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}

	decision := lim.Allow("check-action:p1:u3", 10)
	if decision.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("a counter without TTL still gets a future resetAt, got %v", decision.ResetAt)
	}
}
