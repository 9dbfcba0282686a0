// Package queue exports usage records to the analytics pipeline over SQS.
// Export is best-effort: failures are logged by the background runner and
// never affect a response.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/transitive-bullshit/agentic-gateway/internal/usage"
)

// SQSExporter publishes usage records to an SQS queue, one message per
// record.
type SQSExporter struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSExporter(ctx context.Context, region, queueURL string) (*SQSExporter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSExporterWithConfig(cfg aws.Config, queueURL string) *SQSExporter {
	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (e *SQSExporter) Export(ctx context.Context, record usage.Record) error {
	body, err := json.Marshal(exportMessage(record))
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"ProjectID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.ProjectID),
			},
			"ToolName": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.ToolName),
			},
		},
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage message: %w", err)
	}
	return nil
}

// exportMessage renders a record in the positional layout the analytics
// pipeline consumes.
func exportMessage(record usage.Record) map[string]any {
	return map[string]any{
		"dimensions": record.Dimensions(),
		"measures":   record.Measures(),
		"recordedAt": record.RecordedAt,
	}
}

// InMemoryExporter collects exported records for tests and local runs.
type InMemoryExporter struct {
	mu      sync.Mutex
	records []usage.Record
}

func NewInMemoryExporter() *InMemoryExporter {
	return &InMemoryExporter{}
}

func (e *InMemoryExporter) Export(_ context.Context, record usage.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
	return nil
}

func (e *InMemoryExporter) Records() []usage.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]usage.Record, len(e.records))
	copy(out, e.records)
	return out
}
