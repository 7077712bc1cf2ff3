package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket refill-and-consume atomically in Redis
// so every replica sees the same state.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, fractional)
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
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisLimiter is the Allower used when the ingress runs on more than one
// replica: the bucket lives in Redis, the check is one Lua round trip.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int
}

// NewRedisLimiter parses a redis:// URL and allows perMinute events per key.
func NewRedisLimiter(url string, perMinute int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("api: parse redis url: %w", err)
	}
	return &RedisLimiter{client: redis.NewClient(opts), perMinute: perMinute}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ratePerSec := float64(l.perMinute) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{"ratelimit:" + key}, ratePerSec, l.perMinute, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("api: redis limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("api: redis limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }
