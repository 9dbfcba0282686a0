// Package edgecache provides the shared edge cache and the cache-aware
// fetch path. Cached values are idempotent reconstructions of origin
// responses, so concurrent writers to the same key are last-write-wins.
package edgecache

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is a serialized origin response stored in the shared cache.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Cache is the shared key-value edge cache. Visibility is eventual; the
// cache is an optimization layer, never a source of truth.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
}

// MemoryCache is the single-instance cache backend.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]*memoryItem
}

type memoryItem struct {
	entry     *Entry
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache with periodic cleanup.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{items: make(map[string]*memoryItem)}
	go c.cleanup()
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false
	}
	return item.entry, true
}

func (c *MemoryCache) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &memoryItem{entry: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}

// RedisCache is the distributed cache backend shared by all gateway
// instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(redisURL string) (*RedisCache, error) {
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

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := c.client.Get(ctx, "edgecache:"+key).Bytes()
	if err != nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func (c *RedisCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "edgecache:"+key, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
