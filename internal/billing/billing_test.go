package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

type recordingMeterClient struct {
	mu     sync.Mutex
	events []MeterEvent
}

func (c *recordingMeterClient) CreateMeterEvent(_ context.Context, event MeterEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *recordingMeterClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func proConsumer() *domain.Consumer {
	return &domain.Consumer{
		ID:               "csmr_1",
		Plan:             "pro",
		StripeCustomerID: "cus_abc",
	}
}

func TestIdempotencyKey_Stable(t *testing.T) {
	a := IdempotencyKey("req_1", "csmr_1", "search")
	b := IdempotencyKey("req_1", "csmr_1", "search")
	if a != b {
		t.Error("same inputs must derive the same key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}

	for _, other := range []string{
		IdempotencyKey("req_2", "csmr_1", "search"),
		IdempotencyKey("req_1", "csmr_2", "search"),
		IdempotencyKey("req_1", "csmr_1", "fetch"),
	} {
		if other == a {
			t.Error("distinct inputs must derive distinct keys")
		}
	}
}

func TestReporter_EmitsOncePerRequest(t *testing.T) {
	client := &recordingMeterClient{}
	reporter := NewReporter(client, NewInMemoryDeduplicator(time.Hour))
	consumer := proConsumer()

	// A retried recording of the same logical event must not double-bill.
	for i := 0; i < 3; i++ {
		if err := reporter.ReportRequest(context.Background(), "req_1", consumer, "search", 1); err != nil {
			t.Fatal(err)
		}
	}
	if client.count() != 1 {
		t.Fatalf("emitted %d events, want 1", client.count())
	}

	event := client.events[0]
	if event.EventName != MeterEventName || event.Value != 1 || event.CustomerID != "cus_abc" {
		t.Errorf("unexpected event %+v", event)
	}
	if event.Identifier != IdempotencyKey("req_1", "csmr_1", "search") {
		t.Error("event identifier must be the idempotency key")
	}
}

func TestReporter_DistinctRequestsEmitSeparately(t *testing.T) {
	client := &recordingMeterClient{}
	reporter := NewReporter(client, NewInMemoryDeduplicator(time.Hour))
	consumer := proConsumer()

	reporter.ReportRequest(context.Background(), "req_1", consumer, "search", 1)
	reporter.ReportRequest(context.Background(), "req_2", consumer, "search", 1)

	if client.count() != 2 {
		t.Errorf("emitted %d events, want 2", client.count())
	}
}

func TestReporter_SkipsAnonymous(t *testing.T) {
	client := &recordingMeterClient{}
	reporter := NewReporter(client, NewInMemoryDeduplicator(time.Hour))

	if err := reporter.ReportRequest(context.Background(), "req_1", nil, "search", 1); err != nil {
		t.Fatal(err)
	}
	if client.count() != 0 {
		t.Error("anonymous traffic must never be billed")
	}
}

func TestBilledCost(t *testing.T) {
	plan := &domain.PricingPlan{
		Slug: "pro",
		LineItems: []domain.PricingPlanLineItem{
			{Slug: domain.LineItemSlugRequests, UnitAmountUSD: 0.002},
		},
	}
	if got := BilledCost(plan, 3); got != 0.006 {
		t.Errorf("cost = %v, want 0.006", got)
	}

	free := &domain.PricingPlan{Slug: "free"}
	if got := BilledCost(free, 3); got != 0 {
		t.Errorf("free plan cost = %v, want 0", got)
	}
}

func TestStripeClient_CreateMeterEvent(t *testing.T) {
	var got struct {
		auth       string
		eventName  string
		identifier string
		value      string
		customerID string
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/billing/meter_events" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		r.ParseForm()
		got.auth = r.Header.Get("Authorization")
		got.eventName = r.PostForm.Get("event_name")
		got.identifier = r.PostForm.Get("identifier")
		got.value = r.PostForm.Get("payload[value]")
		got.customerID = r.PostForm.Get("payload[stripe_customer_id]")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewStripeClientWithURL(server.URL, "sk_test_123")
	err := client.CreateMeterEvent(context.Background(), MeterEvent{
		EventName:  MeterEventName,
		Identifier: "idem-1",
		Value:      2,
		CustomerID: "cus_abc",
	})
	if err != nil {
		t.Fatal(err)
	}

	if got.auth != "Bearer sk_test_123" {
		t.Errorf("auth = %s", got.auth)
	}
	if got.eventName != "requests" || got.identifier != "idem-1" || got.value != "2" || got.customerID != "cus_abc" {
		t.Errorf("unexpected form %+v", got)
	}
}

func TestStripeClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"no such customer"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewStripeClientWithURL(server.URL, "sk_test_123")
	if err := client.CreateMeterEvent(context.Background(), MeterEvent{EventName: "requests"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestInMemoryDeduplicator_TTL(t *testing.T) {
	dedup := NewInMemoryDeduplicator(20 * time.Millisecond)
	ctx := context.Background()

	if !dedup.ShouldEmit(ctx, "k") {
		t.Fatal("first emit should pass")
	}
	if dedup.ShouldEmit(ctx, "k") {
		t.Fatal("second emit within ttl should be suppressed")
	}

	time.Sleep(40 * time.Millisecond)
	if !dedup.ShouldEmit(ctx, "k") {
		t.Error("emit after ttl should pass again")
	}
}
