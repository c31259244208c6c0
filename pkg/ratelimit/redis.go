package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// The count and the window expiry move together in one round trip so
// concurrent gatekeeper replicas agree on the window.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares fixed windows across replicas. Redis being down never
// blocks a check-action call; counting degrades to the in-memory fallback.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "ladder:rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degraded(key, limit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.Client, []string{l.Prefix + key}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		return l.degraded(key, limit)
	}
	count, ttl, ok := parseWindowReply(res, l.Window)
	if !ok {
		return l.degraded(key, limit)
	}
	return decisionFor(count, limit, time.Now().UTC().Add(ttl))
}

func (l *RedisLimiter) degraded(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}

func parseWindowReply(res interface{}, window time.Duration) (count int, ttl time.Duration, ok bool) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, false
	}
	current, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return int(current), time.Duration(ttlMs) * time.Millisecond, true
}
