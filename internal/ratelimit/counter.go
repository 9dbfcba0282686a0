package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// MemoryCounter is a durable-counter stand-in for single-instance
// deployments: one serialized state holder per identity key, with a one-shot
// timer clearing each window at its reset time.
type MemoryCounter struct {
	mu     sync.Mutex
	states map[string]*counterState
}

type counterState struct {
	mu          sync.Mutex
	current     int64
	resetTimeMs int64
	timer       *time.Timer
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{states: make(map[string]*counterState)}
}

func (c *MemoryCounter) state(id string) *counterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[id]
	if !ok {
		s = &counterState{}
		c.states[id] = s
	}
	return s
}

// Update increments the key's counter by cost. The window boundary is set on
// the first increment of a fresh window and is not extended by later
// increments.
func (c *MemoryCounter) Update(_ context.Context, id string, intervalMs, cost int64) (domain.RateLimitState, error) {
	s := c.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resetTimeMs == 0 {
		s.resetTimeMs = time.Now().UnixMilli() + intervalMs
		s.timer = time.AfterFunc(time.Duration(intervalMs)*time.Millisecond, func() {
			s.mu.Lock()
			s.current = 0
			s.resetTimeMs = 0
			s.mu.Unlock()
		})
	}

	s.current += cost
	return domain.RateLimitState{Current: s.current, ResetTimeMs: s.resetTimeMs}, nil
}

// Reset clears the key's window immediately.
func (c *MemoryCounter) Reset(_ context.Context, id string) error {
	s := c.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.current = 0
	s.resetTimeMs = 0
	return nil
}
