// Package circuitbreaker protects the gateway from repeatedly dispatching
// to an unhealthy origin. Breakers are tracked per origin host.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: origin unhealthy, requests fail fast with an origin error
//   - Half-Open: testing recovery, limited requests allowed
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker tracks failures for one origin host.
type Breaker struct {
	mu          sync.RWMutex
	host        string
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
}

func New(host string, cfg Config) *Breaker {
	return &Breaker{host: host, state: StateClosed, config: cfg}
}

// Allow reports whether a dispatch to the origin may proceed. When the
// circuit is open it returns an origin error so the caller surfaces a 502
// without touching the origin.
func (b *Breaker) Allow() error {
	b.mu.RLock()
	state := b.state
	lastFailure := b.lastFailure
	b.mu.RUnlock()

	switch state {
	case StateOpen:
		if time.Since(lastFailure) > b.config.Timeout {
			b.mu.Lock()
			if b.state == StateOpen {
				b.state = StateHalfOpen
				b.successes = 0
			}
			b.mu.Unlock()
			return nil
		}
		return domain.NewError(domain.KindOriginError,
			"origin %q is unavailable (circuit open)", b.host)
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
	}
}

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Manager hands out one breaker per origin host.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for an origin host, creating one if needed.
func (m *Manager) Get(host string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[host]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.breakers[host]; ok {
		return existing
	}
	b = New(host, m.config)
	m.breakers[host] = b
	return b
}

// States reports the state of every tracked breaker, keyed by host.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for host, b := range m.breakers {
		states[host] = b.State().String()
	}
	return states
}
