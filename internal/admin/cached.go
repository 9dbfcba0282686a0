package admin

import (
	"context"
	"sync"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// CachedClient wraps the HTTP client with in-memory caching driven by the
// management API's own cache headers: each entry lives exactly as long as
// the response's cache-control allows, and responses marked no-store or
// max-age=0 are never cached. Enforcement decisions that must be exact
// (rate limits) live in the durable counter, not here.
type CachedClient struct {
	inner *HTTPClient

	mu          sync.RWMutex
	deployments map[string]cachedValue[*domain.Deployment]
	consumers   map[string]cachedValue[*domain.Consumer]
}

type cachedValue[T any] struct {
	value     T
	expiresAt time.Time
}

func NewCachedClient(inner *HTTPClient) *CachedClient {
	return &CachedClient{
		inner:       inner,
		deployments: make(map[string]cachedValue[*domain.Deployment]),
		consumers:   make(map[string]cachedValue[*domain.Consumer]),
	}
}

func (c *CachedClient) GetDeploymentByIdentifier(ctx context.Context, identifier string) (*domain.Deployment, error) {
	c.mu.RLock()
	cached, ok := c.deployments[identifier]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	deployment, freshness, err := c.inner.lookupDeployment(ctx, identifier)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if freshness > 0 {
		c.deployments[identifier] = cachedValue[*domain.Deployment]{value: deployment, expiresAt: time.Now().Add(freshness)}
	} else {
		delete(c.deployments, identifier)
	}
	c.mu.Unlock()
	return deployment, nil
}

func (c *CachedClient) GetConsumerByAPIKey(ctx context.Context, apiKey string) (*domain.Consumer, error) {
	c.mu.RLock()
	cached, ok := c.consumers[apiKey]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	consumer, freshness, err := c.inner.lookupConsumer(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if freshness > 0 {
		c.consumers[apiKey] = cachedValue[*domain.Consumer]{value: consumer, expiresAt: time.Now().Add(freshness)}
	} else {
		delete(c.consumers, apiKey)
	}
	c.mu.Unlock()
	return consumer, nil
}

// ActivateConsumer is a write and always goes to the management API. Cached
// entries for the consumer are refreshed with the activated record, or
// dropped when the response forbids reuse, so later lookups do not
// re-trigger activation from a stale record.
func (c *CachedClient) ActivateConsumer(ctx context.Context, consumerID string) (*domain.Consumer, error) {
	consumer, freshness, err := c.inner.activateConsumer(ctx, consumerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for key, cached := range c.consumers {
		if cached.value == nil || cached.value.ID != consumerID {
			continue
		}
		if freshness > 0 {
			c.consumers[key] = cachedValue[*domain.Consumer]{value: consumer, expiresAt: time.Now().Add(freshness)}
		} else {
			delete(c.consumers, key)
		}
	}
	c.mu.Unlock()
	return consumer, nil
}
