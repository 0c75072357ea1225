package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mailer-service/internal/client"
	"mailer-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// tokenBucketScript refills and charges one bucket atomically. Numbers cross
// the script boundary as strings because Redis truncates Lua floats to integers.
const tokenBucketScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local rate = tonumber(ARGV[4])
local idle_ms = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_access')
local tokens = tonumber(bucket[1]) or capacity
local last = tonumber(bucket[2]) or now_ms

local elapsed = (now_ms - last) / 1000
if elapsed > 0 then
	tokens = math.min(capacity, tokens + rate * elapsed)
end
tokens = math.max(0, math.min(capacity, tokens))

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_access', tostring(now_ms))
redis.call('PEXPIRE', key, idle_ms)
return {allowed, tostring(tokens)}
`

// RateLimitCache keeps token buckets in Redis so every API process charges
// the same bucket for a key.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func RateLimitKey(key string) string { return rateLimitPrefix + key }

// TakeTokens refills key's bucket to now and deducts cost when enough credits
// remain. The bucket expires after idleTTL without traffic.
func (c *RateLimitCache) TakeTokens(ctx context.Context, key string, cost, capacity, rate float64, now time.Time, idleTTL time.Duration) (bool, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	idleMs := idleTTL.Milliseconds()
	if idleMs <= 0 {
		idleMs = time.Hour.Milliseconds()
	}

	result, err := c.client.Eval(ctx, tokenBucketScript, []string{RateLimitKey(key)},
		now.UnixMilli(), formatFloat(cost), formatFloat(capacity), formatFloat(rate), idleMs)
	if err != nil {
		util.Error("Failed to execute token bucket rate limit",
			zap.String("key", key),
			zap.Float64("cost", cost),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute token bucket rate limit: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from token bucket script: %T", result)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected admission flag %T", values[0])
	}
	raw, ok := values[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token count %T", values[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("failed to parse token count %q: %w", raw, err)
	}

	util.Debug("Token bucket rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", allowed == 1),
		zap.Float64("remaining_tokens", tokens))
	return allowed == 1, tokens, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
