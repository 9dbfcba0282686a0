// Package ratelimit enforces fixed-window request limits per identity key.
// Correctness comes from a durable, serialized counter per key; an
// in-process cache only accelerates the "still blocked" rejection path and
// the optimistic async mode.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// reconcileTimeout bounds background durable-counter calls in async mode.
const reconcileTimeout = 10 * time.Second

// Counter is the durable, per-key serialized counter. Update atomically
// increments the key's window counter by cost, seeding the window boundary
// on first use; the backend clears the window at its reset time.
type Counter interface {
	Update(ctx context.Context, id string, intervalMs, cost int64) (domain.RateLimitState, error)
	Reset(ctx context.Context, id string) error
}

// LocalCache is the injectable best-effort state cache. Implementations are
// safe for concurrent use but give no consistency guarantees; the durable
// counter stays the source of truth.
type LocalCache interface {
	Get(id string) (domain.RateLimitState, bool)
	Set(id string, state domain.RateLimitState)
}

// MapCache is the default LocalCache. Production wiring creates one per
// process and never clears it; tests inject a fresh instance per case.
type MapCache struct {
	mu     sync.RWMutex
	states map[string]domain.RateLimitState
}

// NewMapCache creates an empty local cache.
func NewMapCache() *MapCache {
	return &MapCache{states: make(map[string]domain.RateLimitState)}
}

func (c *MapCache) Get(id string) (domain.RateLimitState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[id]
	return s, ok
}

func (c *MapCache) Set(id string, state domain.RateLimitState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[id] = state
}

// Limiter enforces rate limits against a durable counter with a local
// fast path.
type Limiter struct {
	counter Counter
	cache   LocalCache
}

// New creates a limiter over the given durable counter and local cache.
func New(counter Counter, cache LocalCache) *Limiter {
	return &Limiter{counter: counter, cache: cache}
}

// Enforce applies limit to the identity key id, charging cost against the
// current window.
//
// In async mode the local cache is incremented optimistically and the
// durable update happens in the background; a durable result only ever
// raises the cached counter, never lowers it. In sync mode the durable
// counter's answer is authoritative.
//
// A failed limit is not an error return: the result carries passed=false
// and callers surface it as a 429-class response.
func (l *Limiter) Enforce(ctx context.Context, id string, limit *domain.RateLimit, cost int64) (*domain.RateLimitResult, error) {
	if id == "" {
		return nil, domain.NewError(domain.KindValidation, "rate limit id is required")
	}
	if limit == nil {
		return nil, domain.NewError(domain.KindInternal, "rate limit config is required")
	}

	intervalMs := limit.IntervalMs()
	nowMs := time.Now().UnixMilli()

	// Fast-path rejection: if the cached window is already exceeded and has
	// not reset, skip the durable counter entirely. Staleness is acceptable
	// only in the "still blocked" direction.
	if cached, ok := l.cache.Get(id); ok {
		if cached.Current > limit.MaxPerInterval && nowMs <= cached.ResetTimeMs {
			return result(cached, limit, intervalMs), nil
		}
	}

	if !limit.IsAsync() {
		state, err := l.counter.Update(ctx, id, intervalMs, cost)
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, err, "rate limit counter update failed")
		}
		l.cache.Set(id, state)
		return result(state, limit, intervalMs), nil
	}

	// Optimistic local increment; the durable increment reconciles in the
	// background.
	optimistic, _ := l.cache.Get(id)
	if optimistic.ResetTimeMs == 0 || nowMs > optimistic.ResetTimeMs {
		optimistic = domain.RateLimitState{ResetTimeMs: nowMs + intervalMs}
	}
	optimistic.Current += cost
	l.cache.Set(id, optimistic)

	go l.reconcile(id, intervalMs, cost)

	return result(optimistic, limit, intervalMs), nil
}

// reconcile performs the durable increment for an async enforcement and
// folds the authoritative count back into the local cache. The cache is
// never regressed downward from a stale concurrent response.
func (l *Limiter) reconcile(id string, intervalMs, cost int64) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	state, err := l.counter.Update(ctx, id, intervalMs, cost)
	if err != nil {
		slog.Warn("rate limit reconciliation failed", "id", id, "error", err)
		return
	}

	if cached, ok := l.cache.Get(id); !ok || state.Current > cached.Current {
		l.cache.Set(id, state)
	}
}

func result(state domain.RateLimitState, limit *domain.RateLimit, intervalMs int64) *domain.RateLimitResult {
	remaining := limit.MaxPerInterval - state.Current
	if remaining < 0 {
		remaining = 0
	}
	return &domain.RateLimitResult{
		Passed:      state.Current <= limit.MaxPerInterval,
		Current:     state.Current,
		Limit:       limit.MaxPerInterval,
		ResetTimeMs: state.ResetTimeMs,
		IntervalMs:  intervalMs,
		Remaining:   remaining,
	}
}
