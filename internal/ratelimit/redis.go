package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// updateScript atomically increments the window counter and seeds the reset
// time on first use. Key expiry acts as the one-shot window reset: both keys
// vanish at the window boundary, so the next increment starts a fresh
// window.
var updateScript = redis.NewScript(`
local current = redis.call('INCRBY', KEYS[1], ARGV[2])
local reset = redis.call('GET', KEYS[2])
if not reset then
  reset = ARGV[3]
  redis.call('SET', KEYS[2], reset, 'PX', tonumber(ARGV[1]))
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return {current, tonumber(reset)}
`)

// RedisCounter is the distributed durable counter. Redis serializes the
// script per key, which gives the single-writer property the limiter
// depends on.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter connects to Redis and verifies the connection.
func NewRedisCounter(redisURL string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCounter{client: client}, nil
}

func counterKeys(id string) (countKey, resetKey string) {
	return "ratelimit:" + id + ":count", "ratelimit:" + id + ":reset"
}

func (c *RedisCounter) Update(ctx context.Context, id string, intervalMs, cost int64) (domain.RateLimitState, error) {
	countKey, resetKey := counterKeys(id)
	resetTimeMs := time.Now().UnixMilli() + intervalMs

	raw, err := updateScript.Run(ctx, c.client, []string{countKey, resetKey}, intervalMs, cost, resetTimeMs).Slice()
	if err != nil {
		return domain.RateLimitState{}, fmt.Errorf("rate limit update for %s: %w", id, err)
	}
	if len(raw) != 2 {
		return domain.RateLimitState{}, fmt.Errorf("rate limit update for %s: unexpected reply %v", id, raw)
	}

	current, ok := raw[0].(int64)
	if !ok {
		return domain.RateLimitState{}, fmt.Errorf("rate limit update for %s: non-integer count %v", id, raw[0])
	}
	reset, ok := raw[1].(int64)
	if !ok {
		return domain.RateLimitState{}, fmt.Errorf("rate limit update for %s: non-integer reset %v", id, raw[1])
	}

	return domain.RateLimitState{Current: current, ResetTimeMs: reset}, nil
}

func (c *RedisCounter) Reset(ctx context.Context, id string) error {
	countKey, resetKey := counterKeys(id)
	return c.client.Del(ctx, countKey, resetKey).Err()
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}
