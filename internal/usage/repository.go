package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Repository persists usage records.
type Repository interface {
	Record(ctx context.Context, record Record) error
}

// InMemoryRepository keeps records in process memory. Suitable for tests
// and single-instance development setups.
type InMemoryRepository struct {
	mu      sync.Mutex
	records []Record
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

func (r *InMemoryRepository) Record(_ context.Context, record Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

// Records returns a copy of everything recorded so far.
func (r *InMemoryRepository) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// NewPostgresRepositoryFromDSN opens and pings a postgres connection.
func NewPostgresRepositoryFromDSN(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Record(ctx context.Context, record Record) error {
	query := `
		INSERT INTO usage_records (
			project_id, deployment_id, tool_name, request_mode, session_key,
			consumer_id, plan, subscription_status, rate_limit_passed, cache_status, response_status,
			origin_timespan_ms, request_bytes, response_bytes, total_bytes, billed_cost, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	var rateLimitPassed sql.NullBool
	if record.RateLimitPassed != nil {
		rateLimitPassed = sql.NullBool{Bool: *record.RateLimitPassed, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		record.ProjectID,
		record.DeploymentID,
		record.ToolName,
		record.RequestMode,
		record.SessionKey,
		record.ConsumerID,
		record.Plan,
		record.SubscriptionStatus,
		rateLimitPassed,
		record.CacheStatus,
		record.ResponseStatus,
		record.OriginTimespanMs,
		record.RequestBytes,
		record.ResponseBytes,
		record.TotalBytes(),
		record.BilledCost,
		record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
