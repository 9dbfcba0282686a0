// Package billing emits metered usage events to the payment provider.
// Emission is idempotent: every logical usage event carries a stable
// identifier derived from the request, so retried reporting cannot
// double-bill a consumer.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// MeterEventName is the provider-side event name for request metering.
const MeterEventName = "requests"

// MeterEvent is one metered usage event.
type MeterEvent struct {
	EventName  string
	Identifier string
	Value      int64
	CustomerID string
}

// MeterEventsClient submits meter events to the payment provider. The
// provider dedupes on Identifier, so resubmission of the same event is safe.
type MeterEventsClient interface {
	CreateMeterEvent(ctx context.Context, event MeterEvent) error
}

// Deduplicator gates emission so one logical usage event is submitted once
// per gateway cluster even when usage recording retries.
type Deduplicator interface {
	// ShouldEmit returns true exactly once per key within the dedup window.
	ShouldEmit(ctx context.Context, key string) bool
}

// IdempotencyKey derives the stable identifier for one logical usage event.
func IdempotencyKey(requestID, consumerID, toolName string) string {
	sum := sha256.Sum256([]byte(requestID + "|" + consumerID + "|" + toolName))
	return hex.EncodeToString(sum[:])
}

// Reporter emits per-request usage events for consumers whose resolved
// policy enabled usage reporting.
type Reporter struct {
	client MeterEventsClient
	dedup  Deduplicator
}

func NewReporter(client MeterEventsClient, dedup Deduplicator) *Reporter {
	return &Reporter{client: client, dedup: dedup}
}

// ReportRequest emits one "requests" meter event for the given call. Events
// without a consumer are silently skipped; anonymous traffic is never
// billed.
func (r *Reporter) ReportRequest(ctx context.Context, requestID string, consumer *domain.Consumer, toolName string, value int64) error {
	if consumer == nil {
		return nil
	}

	key := IdempotencyKey(requestID, consumer.ID, toolName)
	if !r.dedup.ShouldEmit(ctx, key) {
		slog.Debug("duplicate billing event suppressed", "identifier", key, "consumer_id", consumer.ID)
		return nil
	}

	event := MeterEvent{
		EventName:  MeterEventName,
		Identifier: key,
		Value:      value,
		CustomerID: consumer.StripeCustomerID,
	}
	if err := r.client.CreateMeterEvent(ctx, event); err != nil {
		return fmt.Errorf("meter event %s for consumer %s: %w", key, consumer.ID, err)
	}
	return nil
}

// BilledCost computes the USD cost of a call from the plan's requests line
// item. Plans without a requests line item bill nothing.
func BilledCost(plan *domain.PricingPlan, requests int64) float64 {
	lineItem := plan.RequestsLineItem()
	if lineItem == nil {
		return 0
	}
	return lineItem.UnitAmountUSD * float64(requests)
}
