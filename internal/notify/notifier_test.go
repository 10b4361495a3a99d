package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestNotifier_NilIsNoOp(t *testing.T) {
	var n *Notifier

	// Publishing through a nil notifier must be safe; callers do not branch
	// on whether event publishing is configured.
	n.Publish(context.Background(), RunEvent{Type: EventLoadRunCompleted, LoadRunID: "run-1"})

	assert.NoError(t, n.Close())
}

func TestNewNotifierFromEnv_Disabled(t *testing.T) {
	t.Setenv("MEDFLOW_KAFKA_BROKERS", "")

	assert.Nil(t, NewNotifierFromEnv())
}

func TestNewNotifierFromEnv_Enabled(t *testing.T) {
	t.Setenv("MEDFLOW_KAFKA_BROKERS", "broker-1:9092, broker-2:9092")
	t.Setenv("MEDFLOW_KAFKA_TOPIC", "custom.events")

	n := NewNotifierFromEnv()

	require.NotNil(t, n)
	assert.NoError(t, n.Close())
}

func TestNotifier_PublishAndConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := kafkacontainer.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("medflow-test"),
	)
	require.NoError(t, err, "Failed to start kafka container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	const topic = "medflow.run-events.test"

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)

	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
	require.NoError(t, conn.Close())

	notifier := NewNotifier(brokers, topic)
	t.Cleanup(func() {
		_ = notifier.Close()
	})

	notifier.Publish(ctx, RunEvent{
		Type:        EventLoadRunCompleted,
		LoadRunID:   "run-1",
		ExtractType: "patients",
		RowCount:    42,
	})

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		Partition:   0,
		StartOffset: kafka.FirstOffset,
	})
	t.Cleanup(func() {
		_ = reader.Close()
	})

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)

	// Events are keyed by load run id so one run's events stay ordered.
	assert.Equal(t, "run-1", string(msg.Key))

	var event RunEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, EventLoadRunCompleted, event.Type)
	assert.Equal(t, "patients", event.ExtractType)
	assert.Equal(t, int64(42), event.RowCount)
	assert.False(t, event.OccurredAt.IsZero())
}
