package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InMemoryDeduplicator tracks emitted event keys in process memory.
// Suitable for single-instance deployments.
type InMemoryDeduplicator struct {
	mu      sync.Mutex
	emitted map[string]time.Time
	ttl     time.Duration
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	d := &InMemoryDeduplicator{
		emitted: make(map[string]time.Time),
		ttl:     ttl,
	}
	go d.cleanup()
	return d
}

func (d *InMemoryDeduplicator) ShouldEmit(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, seen := d.emitted[key]; seen && time.Since(at) < d.ttl {
		return false
	}
	d.emitted[key] = time.Now()
	return true
}

func (d *InMemoryDeduplicator) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		d.mu.Lock()
		for key, at := range d.emitted {
			if time.Since(at) >= d.ttl {
				delete(d.emitted, key)
			}
		}
		d.mu.Unlock()
	}
}

// RedisDeduplicator dedupes across gateway instances with SETNX. Only one
// instance acquires the key and emits the event; on Redis errors it fails
// open and lets the provider-side identifier dedupe catch the duplicate.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{client: client, ttl: ttl}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) ShouldEmit(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, "billing:event:"+key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
