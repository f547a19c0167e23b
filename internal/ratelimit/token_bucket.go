package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EnqueueLimiter throttles enqueue requests per project with a token bucket
// kept in Redis, so every API replica shares the same budget.
type EnqueueLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// NewEnqueueLimiter constructs a limiter with the given bucket capacity and refill rate.
func NewEnqueueLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *EnqueueLimiter {
	return &EnqueueLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

func bucketKey(projectID string) string {
	return fmt.Sprintf("rl:enqueue:%s", projectID)
}

// Allow consumes one token from the project's bucket if available.
func (l *EnqueueLimiter) Allow(ctx context.Context, projectID string) (Decision, error) {
	now := l.now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{bucketKey(projectID)}, l.capacity, l.refill, now, l.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", projectID, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", projectID, res)
	}
	d := Decision{Allowed: toFloat(res[0]) == 1, Remaining: toFloat(res[1])}
	d.RetryAfter = time.Duration(toFloat(res[2])) * time.Millisecond
	return d, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		var f float64
		_, _ = fmt.Sscanf(t, "%g", &f)
		return f
	default:
		return 0
	}
}

// Redis truncates Lua numbers to integers in replies, so fractional token
// counts are returned as strings.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  retry = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens), retry}
`)
