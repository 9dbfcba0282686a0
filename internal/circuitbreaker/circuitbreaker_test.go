package circuitbreaker

import (
	"strings"
	"testing"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("api.example.com", DefaultConfig())

	if b.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("closed breaker should allow, got %v", err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 100 * time.Millisecond}
	b := New("api.example.com", cfg)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	if b.State() != StateOpen {
		t.Errorf("expected StateOpen after %d failures, got %v", cfg.FailureThreshold, b.State())
	}
}

func TestBreaker_BlocksWhenOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second}
	b := New("api.example.com", cfg)

	b.RecordFailure()
	b.RecordFailure()

	err := b.Allow()
	if !domain.IsKind(err, domain.KindOriginError) {
		t.Fatalf("expected origin error, got %v", err)
	}
	if !strings.Contains(err.Error(), "api.example.com") {
		t.Errorf("error should name the origin host: %v", err)
	}
}

func TestBreaker_OpenErrorRendersHostVerbatim(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second}
	b := New("api.example.com:80%25", cfg)

	b.RecordFailure()

	err := b.Allow()
	if err == nil {
		t.Fatal("expected open circuit error")
	}
	if !strings.Contains(err.Error(), "api.example.com:80%25") {
		t.Errorf("host with percent sign garbled: %v", err)
	}
}

func TestBreaker_TransitionsToHalfOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 50 * time.Millisecond}
	b := New("api.example.com", cfg)

	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(60 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Errorf("expected nil after timeout, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected StateHalfOpen, got %v", b.State())
	}
}

func TestBreaker_ClosesAfterSuccessesInHalfOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 50 * time.Millisecond}
	b := New("api.example.com", cfg)

	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(60 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Errorf("expected StateClosed after successes, got %v", b.State())
	}
}

func TestBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 50 * time.Millisecond}
	b := New("api.example.com", cfg)

	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(60 * time.Millisecond)
	b.Allow()

	b.RecordFailure()

	if b.State() != StateOpen {
		t.Errorf("expected StateOpen after half-open failure, got %v", b.State())
	}
}

func TestManager_IsolatesHosts(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})

	m.Get("bad.example.com").RecordFailure()

	if err := m.Get("bad.example.com").Allow(); err == nil {
		t.Error("failing host should be blocked")
	}
	if err := m.Get("good.example.com").Allow(); err != nil {
		t.Errorf("healthy host should be allowed, got %v", err)
	}

	states := m.States()
	if states["bad.example.com"] != "open" || states["good.example.com"] != "closed" {
		t.Errorf("unexpected states %v", states)
	}
}

func TestManager_ReturnsSameBreaker(t *testing.T) {
	m := NewManager(DefaultConfig())

	if m.Get("api.example.com") != m.Get("api.example.com") {
		t.Error("manager should reuse the breaker per host")
	}
}
