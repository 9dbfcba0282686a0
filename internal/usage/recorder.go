package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/admin"
	"github.com/transitive-bullshit/agentic-gateway/internal/background"
	"github.com/transitive-bullshit/agentic-gateway/internal/billing"
	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

// Exporter forwards usage records to an external analytics pipeline.
type Exporter interface {
	Export(ctx context.Context, record Record) error
}

// CallUsage is the full context of one completed (or failed) tool call.
type CallUsage struct {
	RequestID   string
	Record      Record
	Consumer    *domain.Consumer
	Plan        *domain.PricingPlan
	ReportUsage bool
}

// Recorder schedules the per-call side effects as background work: the
// analytics write, consumer activation, metered billing and the export
// feed. Nothing here blocks or fails the response path.
type Recorder struct {
	repo     Repository
	tasks    *background.Runner
	admin    admin.Client
	reporter *billing.Reporter
	exporter Exporter
}

func NewRecorder(repo Repository, tasks *background.Runner, adminClient admin.Client, reporter *billing.Reporter, exporter Exporter) *Recorder {
	return &Recorder{
		repo:     repo,
		tasks:    tasks,
		admin:    adminClient,
		reporter: reporter,
		exporter: exporter,
	}
}

// Record schedules recording of one call. It is always invoked, on failures
// too, with whatever partial context the pipeline accumulated.
func (r *Recorder) Record(u CallUsage) {
	record := u.Record
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now()
	}
	if u.ReportUsage {
		record.BilledCost = billing.BilledCost(u.Plan, 1)
	}

	r.tasks.Go("usage.record", func(ctx context.Context) error {
		return r.repo.Record(ctx, record)
	})

	if r.exporter != nil {
		r.tasks.Go("usage.export", func(ctx context.Context) error {
			return r.exporter.Export(ctx, record)
		})
	}

	if u.Consumer != nil && !u.Consumer.Activated {
		consumerID := u.Consumer.ID
		r.tasks.Go("usage.activate_consumer", func(ctx context.Context) error {
			// The activate transition is idempotent server-side; a stale
			// cached consumer triggering it twice is harmless.
			_, err := r.admin.ActivateConsumer(ctx, consumerID)
			if err == nil {
				slog.Info("consumer activated", "consumer_id", consumerID)
			}
			return err
		})
	}

	if u.ReportUsage && u.Consumer != nil && r.reporter != nil {
		consumer := u.Consumer
		requestID := u.RequestID
		toolName := record.ToolName
		r.tasks.Go("usage.report_billing", func(ctx context.Context) error {
			return r.reporter.ReportRequest(ctx, requestID, consumer, toolName, 1)
		})
	}
}
