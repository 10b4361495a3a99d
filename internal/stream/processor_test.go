package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow-io/medflow/internal/storage"
)

// countingExecutor records executed batches in order and succeeds.
type countingExecutor struct {
	batches []*storage.Batch
}

func (e *countingExecutor) execute(_ context.Context, batch *storage.Batch) (*storage.BatchResult, error) {
	e.batches = append(e.batches, batch)

	return &storage.BatchResult{
		Success:      true,
		RowsAffected: int64(len(batch.Values)),
		BatchNumber:  batch.BatchNumber,
	}, nil
}

func testConfig(batchSize int) Config {
	return Config{
		TableName: "raw.patients",
		Columns:   []string{"load_run_file_id", "f1", "f2"},
		BatchSize: batchSize,
	}
}

func TestNew_Invalid(t *testing.T) {
	exec := func(context.Context, *storage.Batch) (*storage.BatchResult, error) { return nil, nil }

	_, err := New(Config{Columns: []string{"a"}}, exec)
	assert.ErrorIs(t, err, ErrProcessorInvalid)

	_, err = New(Config{TableName: "raw.t"}, exec)
	assert.ErrorIs(t, err, ErrProcessorInvalid)

	_, err = New(Config{TableName: "raw.t", Columns: []string{"a"}}, nil)
	assert.ErrorIs(t, err, ErrProcessorInvalid)
}

func TestConfig_WithDefaults_CapsBatchSize(t *testing.T) {
	columns := make([]string, 400)
	for i := range columns {
		columns[i] = "c"
	}

	cfg := Config{TableName: "raw.wide", Columns: columns, BatchSize: 5_000}.WithDefaults()

	assert.Equal(t, 150, cfg.BatchSize)
	assert.Equal(t, DefaultMaxQueueSize, cfg.MaxQueueSize)
}

func TestProcessor_ExecutesInOrder(t *testing.T) {
	exec := &countingExecutor{}

	p, err := New(testConfig(2), exec.execute)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, p.Add(ctx, []any{"file-1", fmt.Sprintf("v%d", i), "x"}))
	}

	totals, err := p.Finish(ctx)
	require.NoError(t, err)

	// 7 rows at batch size 2: three full batches plus a tail of one.
	require.Len(t, exec.batches, 4)

	for i, batch := range exec.batches {
		assert.Equal(t, i+1, batch.BatchNumber)
	}

	assert.Equal(t, [][]any{{"file-1", "v0", "x"}, {"file-1", "v1", "x"}}, exec.batches[0].Values)
	assert.Equal(t, [][]any{{"file-1", "v6", "x"}}, exec.batches[3].Values)

	assert.Equal(t, int64(7), totals.RowsSubmitted)
	assert.Equal(t, int64(4), totals.BatchesQueued)
	assert.Equal(t, int64(4), totals.BatchesExecuted)
	assert.Equal(t, int64(7), totals.RowsAffected)
	assert.Equal(t, int64(0), totals.BatchesFailed)
	assert.Empty(t, totals.Errors)
}

func TestProcessor_NoRows(t *testing.T) {
	exec := &countingExecutor{}

	p, err := New(testConfig(2), exec.execute)
	require.NoError(t, err)

	totals, err := p.Finish(context.Background())

	require.NoError(t, err)
	assert.Empty(t, exec.batches)
	assert.Equal(t, int64(0), totals.RowsSubmitted)
}

func TestProcessor_Add_RowWidthMismatch(t *testing.T) {
	p, err := New(testConfig(2), (&countingExecutor{}).execute)
	require.NoError(t, err)

	addErr := p.Add(context.Background(), []any{"only-one"})

	assert.ErrorIs(t, addErr, ErrProcessorInvalid)

	_, err = p.Finish(context.Background())
	require.NoError(t, err)
}

func TestProcessor_ClosedAfterFinish(t *testing.T) {
	p, err := New(testConfig(2), (&countingExecutor{}).execute)
	require.NoError(t, err)

	_, err = p.Finish(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, p.Add(context.Background(), []any{"a", "b", "c"}), ErrProcessorClosed)

	_, err = p.Finish(context.Background())
	assert.ErrorIs(t, err, ErrProcessorClosed)
}

func TestProcessor_FailFast(t *testing.T) {
	boom := errors.New("connection reset")
	executed := 0

	exec := func(_ context.Context, batch *storage.Batch) (*storage.BatchResult, error) {
		executed++

		return nil, boom
	}

	p, err := New(testConfig(1), exec)
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, p.Add(ctx, []any{"file-1", "a", "b"}))

	// Once the executor has recorded the failure, intake refuses new rows.
	assert.Eventually(t, func() bool {
		return errors.Is(p.Add(ctx, []any{"file-1", "a", "b"}), ErrProcessorFailed)
	}, 2*time.Second, 10*time.Millisecond)

	totals, err := p.Finish(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessorFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, executed, "no batch executes after the first failure")
	assert.GreaterOrEqual(t, totals.BatchesFailed, int64(1))
}

func TestProcessor_ContinueOnError(t *testing.T) {
	boom := errors.New("constraint violation")

	var executed []int

	exec := func(_ context.Context, batch *storage.Batch) (*storage.BatchResult, error) {
		executed = append(executed, batch.BatchNumber)

		if batch.BatchNumber == 2 {
			return nil, boom
		}

		return &storage.BatchResult{Success: true, RowsAffected: int64(len(batch.Values))}, nil
	}

	cfg := testConfig(1)
	cfg.ContinueOnError = true

	p, err := New(cfg, exec)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Add(ctx, []any{"file-1", "a", "b"}))
	}

	totals, err := p.Finish(ctx)

	// The failed batch is counted, not fatal.
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, executed)
	assert.Equal(t, int64(3), totals.BatchesExecuted)
	assert.Equal(t, int64(1), totals.BatchesFailed)
	assert.Equal(t, int64(3), totals.RowsAffected)
	require.Len(t, totals.Errors, 1)
	assert.ErrorIs(t, totals.Errors[0], boom)
}

func TestProcessor_Backpressure(t *testing.T) {
	gate := make(chan struct{})

	exec := func(_ context.Context, batch *storage.Batch) (*storage.BatchResult, error) {
		<-gate

		return &storage.BatchResult{Success: true, RowsAffected: int64(len(batch.Values))}, nil
	}

	cfg := testConfig(1)
	cfg.MaxQueueSize = 1

	p, err := New(cfg, exec)
	require.NoError(t, err)

	// With the executor blocked, Add eventually hits a full queue and waits
	// on the context instead of buffering unboundedly.
	var blocked error

	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		blocked = p.Add(ctx, []any{"file-1", "a", "b"})

		cancel()

		if blocked != nil {
			break
		}
	}

	require.Error(t, blocked)
	assert.ErrorIs(t, blocked, ErrProcessorFailed)
	assert.ErrorIs(t, blocked, context.DeadlineExceeded)
	assert.LessOrEqual(t, p.QueueDepth(), 1)

	close(gate)

	_, err = p.Finish(context.Background())
	require.NoError(t, err)
}

func TestProcessor_CancelledContextSkipsQueuedBatches(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})

	var executed atomic.Int32

	exec := func(_ context.Context, batch *storage.Batch) (*storage.BatchResult, error) {
		close(started)
		<-gate

		executed.Add(1)

		return &storage.BatchResult{Success: true, RowsAffected: int64(len(batch.Values))}, nil
	}

	cfg := testConfig(1)
	cfg.MaxQueueSize = 4

	p, err := New(cfg, exec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Add(ctx, []any{"file-1", "a", "b"}))

	// First batch is in flight, blocked inside the executor.
	<-started

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Add(ctx, []any{"file-1", "a", "b"}))
	}

	cancel()

	_, err = p.Finish(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessorFailed)
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)

	// The queued batches drain without executing: their submission context
	// is cancelled, so only the batch already in flight reaches the executor.
	require.Eventually(t, func() bool {
		return p.QueueDepth() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), executed.Load())
}
