package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now, unix seconds with microsecond precision
var redisTokenBucketScript = redis.NewScript(`
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

// RedisLimiterStore implements LimiterStore on Redis so every relay replica
// behind a load balancer shares one bucket per caller.
type RedisLimiterStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLimiterStore creates a store on an existing client.
func NewRedisLimiterStore(client redis.UniversalClient) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, prefix: "relay:limiter:", now: time.Now}
}

// NewRedisLimiterStoreFromAddr dials addr.
func NewRedisLimiterStoreFromAddr(addr, password string, db int) *RedisLimiterStore {
	return NewRedisLimiterStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// Ping checks connectivity.
func (s *RedisLimiterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisLimiterStore) Close() error {
	return s.client.Close()
}

func (s *RedisLimiterStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	now := float64(s.now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		policy.perSecond(), policy.burst(), cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
