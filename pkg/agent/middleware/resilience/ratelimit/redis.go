package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript applies the same refill-then-take step as Bucket, atomically
// inside Redis. State per key is a hash {tokens, ts}; ts is milliseconds.
const tokenBucketScript = `
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now_ms
end

local elapsed = now_ms - ts
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * capacity / window_ms)
  ts = now_ms
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl_ms)
return {allowed, tostring(tokens)}
`

// RedisLimiter shares buckets between replicas through Redis.
type RedisLimiter struct {
	client redis.Scripter
	script *redis.Script
	cfg    Config
	prefix string
	now    Clock
}

// NewRedisLimiter creates a Redis-backed limiter. Keys are stored as
// prefix + caller key.
func NewRedisLimiter(client redis.Scripter, cfg Config, prefix string, clock Clock) *RedisLimiter {
	if cfg.Validate() != nil {
		cfg = DefaultConfig
	}
	if clock == nil {
		clock = time.Now
	}
	if prefix == "" {
		prefix = "conductor:ratelimit:"
	}
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		cfg:    cfg,
		prefix: prefix,
		now:    clock,
	}
}

// Allow takes one token from key's shared bucket.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	windowMS := r.cfg.Window.Milliseconds()
	ttlMS := 2 * windowMS
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + key},
		r.cfg.Capacity, windowMS, r.now().UnixMilli(), ttlMS).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit for %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis rate limit for %s: unexpected reply %v", key, res)
	}

	allowed, _ := res[0].(int64)
	tokensText, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensText, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit for %s: parse tokens %q: %w", key, tokensText, err)
	}

	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	missing := 1 - tokens
	retry := time.Duration(missing * float64(r.cfg.Window) / float64(r.cfg.Capacity))
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
