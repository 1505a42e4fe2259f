// Package events publishes the audit trail of reconciliation runs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/limoledger/reconcile/pkg/config"
	"github.com/limoledger/reconcile/pkg/ledger"
)

// RunRecorded is emitted whenever a run reaches a new status.
type RunRecorded struct {
	RunID        string    `json:"run_id"`
	AccountID    string    `json:"account_id"`
	Operation    string    `json:"operation"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"`
	RowsAffected int       `json:"rows_affected"`
	RowsSkipped  int       `json:"rows_skipped"`
	DigestBefore string    `json:"digest_before,omitempty"`
	DigestAfter  string    `json:"digest_after,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// FromRun builds the event of a run.
func FromRun(r ledger.Run) RunRecorded {
	at := r.FinishedAt
	if at.IsZero() {
		at = r.StartedAt
	}
	return RunRecorded{
		RunID:        r.ID,
		AccountID:    r.AccountID,
		Operation:    r.Operation,
		Mode:         string(r.Mode),
		Status:       string(r.Status),
		RowsAffected: r.RowsAffected,
		RowsSkipped:  r.RowsSkipped,
		DigestBefore: r.DigestBefore,
		DigestAfter:  r.DigestAfter,
		Error:        r.Error,
		OccurredAt:   at,
	}
}

// Publisher delivers run events.
type Publisher interface {
	Publish(ctx context.Context, event RunRecorded) error
	Close() error
}

// New returns a Kafka publisher when brokers are configured, otherwise a
// publisher that drops events.
func New(cfg config.AuditConfig) Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return Nop{}
	}
	return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
}

// KafkaPublisher writes events to a Kafka topic keyed by account.
type KafkaPublisher struct {
	writer *kafka.Writer
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish sends one event.
func (p *KafkaPublisher) Publish(ctx context.Context, event RunRecorded) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode run event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AccountID),
		Value: data,
		Time:  event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop drops every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, RunRecorded) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Memory keeps events in memory.
type Memory struct {
	Events []RunRecorded
}

var _ Publisher = (*Memory)(nil)

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, e RunRecorded) error {
	m.Events = append(m.Events, e)
	return nil
}

// Close implements Publisher.
func (m *Memory) Close() error { return nil }
