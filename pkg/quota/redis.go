package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
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
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)

return {allowed, tostring(tokens)}
`)

// Redis is a fleet-wide Limiter: every host sharing the Redis instance draws
// from the same bucket per kapsule type.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	rates    map[string]Rate
	fallback Rate
	now      func() time.Time
}

// NewRedis returns a Redis limiter on client. Keys are prefix + kapsule type.
func NewRedis(client redis.UniversalClient, prefix string, rates map[string]Rate, fallback Rate) *Redis {
	if prefix == "" {
		prefix = "kapsule:quota:"
	}
	r := &Redis{client: client, prefix: prefix, rates: make(map[string]Rate, len(rates)), fallback: fallback, now: time.Now}
	for t, rt := range rates {
		r.rates[t] = rt
	}
	return r
}

// NewRedisFromAddr dials addr with default options.
func NewRedisFromAddr(addr string, rates map[string]Rate, fallback Rate) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr}), "", rates, fallback)
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, kapsuleType string) (bool, error) {
	rt, ok := r.rates[kapsuleType]
	if !ok {
		rt = r.fallback
	}
	if rt.Unlimited() {
		return true, nil
	}
	now := float64(r.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + kapsuleType}, rt.PerSecond, rt.burst(), 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("quota: redis: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("quota: redis: unexpected script reply %v", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
