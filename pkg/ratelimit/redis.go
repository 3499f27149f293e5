package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript handles the token bucket algorithm atomically in
// Redis, so multiple gate instances share one budget per actor.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore implements LimiterStore using Redis.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore creates a new store backed by Redis.
func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiterStore{client: rdb}
}

// Allow executes the Lua script to check and update the token bucket.
func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	key := fmt.Sprintf("limiter:%s", actorID)

	perSec := float64(policy.RPM) / 60.0
	if perSec <= 0 {
		perSec = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{key}, perSec, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}

	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
