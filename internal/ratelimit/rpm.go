// Package ratelimit implements the inbound per-client requests-per-minute
// limit using Redis sliding window counters with an atomic Lua script.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	keyPrefix = "ratelimit:rpm:"

	// Window is the sliding window length. Blocked clients are told to come
	// back after it.
	Window = time.Minute
)

// RPMLimiter caps requests per client per minute.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per client per
// minute. rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow reports whether client may make another request. When Redis is
// unreachable the request is allowed and the error is returned for
// accounting.
func (r *RPMLimiter) Allow(ctx context.Context, client string) (bool, error) {
	if client == "" {
		client = "anonymous"
	}
	return r.check(ctx, keyPrefix+client, r.rpmLimit)
}

// Ping checks Redis connectivity for the readiness probe.
func (r *RPMLimiter) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ratelimit: ping: %w", err)
	}
	return nil
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, Window.Nanoseconds(), limit,
	).Int()
	if err != nil {
		// Redis unavailable: allow request (graceful degradation).
		return true, fmt.Errorf("ratelimit: check %s: %w", key, err)
	}

	return result == 1, nil
}
