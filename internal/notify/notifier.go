// Package notify publishes run lifecycle events to Kafka so downstream
// consumers (warehouse schedulers, alerting) can react to completed loads
// without polling the run tables.
//
// Publishing is best effort: a broker outage must never fail a load, so
// errors are logged and dropped.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/medflow-io/medflow/internal/config"
)

// DefaultTopic is the run event topic.
const DefaultTopic = "medflow.run-events"

// Event types.
const (
	EventLoadRunCompleted    = "load_run.completed"
	EventLoadRunFailed       = "load_run.failed"
	EventStagingRunCompleted = "staging_run.completed"
	EventStagingRunFailed    = "staging_run.failed"
)

type (
	// RunEvent is the published payload. Keyed by LoadRunID so consumers
	// see one run's events in order.
	RunEvent struct {
		Type        string    `json:"type"`
		LoadRunID   string    `json:"load_run_id"`
		ExtractType string    `json:"extract_type,omitempty"`
		RowCount    int64     `json:"row_count,omitempty"`
		Error       string    `json:"error,omitempty"`
		OccurredAt  time.Time `json:"occurred_at"`
	}

	// Notifier publishes run events. The zero-value (nil) Notifier is a
	// no-op, so callers need no enabled/disabled branching.
	Notifier struct {
		writer *kafka.Writer
		logger *slog.Logger
	}
)

// NewNotifierFromEnv creates a notifier when MEDFLOW_KAFKA_BROKERS is set,
// nil otherwise.
func NewNotifierFromEnv() *Notifier {
	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("MEDFLOW_KAFKA_BROKERS", ""))
	if len(brokers) == 0 {
		return nil
	}

	topic := config.GetEnvStr("MEDFLOW_KAFKA_TOPIC", DefaultTopic)

	return NewNotifier(brokers, topic)
}

// NewNotifier creates a notifier publishing to the given brokers and topic.
func NewNotifier(brokers []string, topic string) *Notifier {
	return &Notifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Publish sends one run event. Never returns an error; failures are logged.
func (n *Notifier) Publish(ctx context.Context, event RunEvent) {
	if n == nil {
		return
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("marshal run event", slog.String("error", err.Error()))

		return
	}

	msg := kafka.Message{
		Key:   []byte(event.LoadRunID),
		Value: payload,
	}

	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		n.logger.Warn("run event publish failed",
			slog.String("type", event.Type),
			slog.String("load_run_id", event.LoadRunID),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes and closes the underlying writer.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}

	return n.writer.Close()
}
