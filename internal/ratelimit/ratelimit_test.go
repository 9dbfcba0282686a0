package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func syncLimit(intervalSec int, max int64) *domain.RateLimit {
	return &domain.RateLimit{Interval: intervalSec, MaxPerInterval: max, Async: boolPtr(false)}
}

func TestEnforce_EmptyID(t *testing.T) {
	l := New(NewMemoryCounter(), NewMapCache())

	_, err := l.Enforce(context.Background(), "", syncLimit(60, 10), 1)
	if err == nil {
		t.Fatal("expected error for empty id")
	}
	if domain.StatusOf(err) != 400 {
		t.Errorf("status = %d, want 400", domain.StatusOf(err))
	}
}

func TestEnforce_Sync(t *testing.T) {
	l := New(NewMemoryCounter(), NewMapCache())
	ctx := context.Background()
	limit := syncLimit(60, 3)

	for i := int64(1); i <= 3; i++ {
		res, err := l.Enforce(ctx, "c1", limit, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Passed {
			t.Fatalf("call %d should pass", i)
		}
		if res.Current != i {
			t.Errorf("call %d: current = %d", i, res.Current)
		}
		if res.Remaining != 3-i {
			t.Errorf("call %d: remaining = %d, want %d", i, res.Remaining, 3-i)
		}
	}

	res, err := l.Enforce(ctx, "c1", limit, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Passed {
		t.Error("fourth call should be rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
}

func TestEnforce_IndependentIDs(t *testing.T) {
	l := New(NewMemoryCounter(), NewMapCache())
	ctx := context.Background()
	limit := syncLimit(60, 1)

	l.Enforce(ctx, "a", limit, 1)
	if res, _ := l.Enforce(ctx, "a", limit, 1); res.Passed {
		t.Error("a should be limited")
	}
	if res, _ := l.Enforce(ctx, "b", limit, 1); !res.Passed {
		t.Error("b should be independent of a")
	}
}

func TestEnforce_ShortCircuitWhenBlocked(t *testing.T) {
	counter := &countingCounter{inner: NewMemoryCounter()}
	cache := NewMapCache()
	l := New(counter, cache)
	ctx := context.Background()
	limit := syncLimit(60, 1)

	l.Enforce(ctx, "c", limit, 1)
	l.Enforce(ctx, "c", limit, 1) // exceeds: cached current=2 > 1
	calls := counter.calls()

	res, err := l.Enforce(ctx, "c", limit, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Passed {
		t.Error("blocked window should stay blocked")
	}
	if counter.calls() != calls {
		t.Error("blocked fast path must not contact the durable counter")
	}
}

func TestEnforce_AsyncOptimistic(t *testing.T) {
	slow := &slowCounter{inner: NewMemoryCounter(), delay: 50 * time.Millisecond}
	cache := NewMapCache()
	l := New(slow, cache)
	limit := &domain.RateLimit{Interval: 60, MaxPerInterval: 10}

	start := time.Now()
	res, err := l.Enforce(context.Background(), "c", limit, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= slow.delay {
		t.Errorf("async enforce blocked on the durable counter (%v)", elapsed)
	}
	if !res.Passed || res.Current != 1 {
		t.Errorf("optimistic result = %+v", res)
	}

	// The durable increment still lands.
	time.Sleep(2 * slow.delay)
	state, err := slow.inner.Update(context.Background(), "c", limit.IntervalMs(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if state.Current != 1 {
		t.Errorf("durable current = %d, want 1", state.Current)
	}
}

// Concurrent increments of total cost C never under-count at the durable
// counter, even though local-cache optimism may transiently overcount.
func TestCounter_Monotonic(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	const workers = 20
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := counter.Update(ctx, "c", 60_000, 1); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	state, err := counter.Update(ctx, "c", 60_000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if state.Current != workers*perWorker {
		t.Errorf("current = %d, want %d", state.Current, workers*perWorker)
	}
}

func TestCounter_WindowReset(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	first, err := counter.Update(ctx, "c", 50, 5)
	if err != nil {
		t.Fatal(err)
	}
	if first.Current != 5 {
		t.Fatalf("current = %d", first.Current)
	}

	// Window boundary is fixed at first increment, not extended.
	second, _ := counter.Update(ctx, "c", 50, 1)
	if second.ResetTimeMs != first.ResetTimeMs {
		t.Error("window boundary must not move on later increments")
	}

	time.Sleep(80 * time.Millisecond)

	next, err := counter.Update(ctx, "c", 50, 1)
	if err != nil {
		t.Fatal(err)
	}
	if next.Current != 1 {
		t.Errorf("current after reset = %d, want 1", next.Current)
	}
	if next.ResetTimeMs <= first.ResetTimeMs {
		t.Error("fresh window should carry a later boundary")
	}
}

type countingCounter struct {
	mu    sync.Mutex
	n     int
	inner Counter
}

func (c *countingCounter) Update(ctx context.Context, id string, intervalMs, cost int64) (domain.RateLimitState, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.inner.Update(ctx, id, intervalMs, cost)
}

func (c *countingCounter) Reset(ctx context.Context, id string) error { return c.inner.Reset(ctx, id) }

func (c *countingCounter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type slowCounter struct {
	inner Counter
	delay time.Duration
}

func (c *slowCounter) Update(ctx context.Context, id string, intervalMs, cost int64) (domain.RateLimitState, error) {
	time.Sleep(c.delay)
	return c.inner.Update(ctx, id, intervalMs, cost)
}

func (c *slowCounter) Reset(ctx context.Context, id string) error { return c.inner.Reset(ctx, id) }
