// Package stream provides the bounded-queue batch processor that decouples
// row production (parsing) from batch execution (database writes).
//
// Rows are accumulated into fixed-size batches and handed to a single
// executor goroutine through a bounded queue. The single executor preserves
// submission order; the bounded queue applies backpressure to the producer
// when the database falls behind, capping memory at roughly
// (queue size + 2) batches regardless of file size.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/medflow-io/medflow/internal/config"
	"github.com/medflow-io/medflow/internal/storage"
)

// Defaults for processor configuration.
const (
	// DefaultMaxQueueSize is the default bound on queued batches.
	DefaultMaxQueueSize = 5

	// DefaultBatchSize is the default requested rows per batch, before the
	// statement parameter budget caps it.
	DefaultBatchSize = 5_000

	// maxKeptErrors bounds the per-run error list.
	maxKeptErrors = 100
)

// Sentinel errors for the batch processor.
var (
	// ErrProcessorInvalid is returned for invalid processor configuration.
	ErrProcessorInvalid = errors.New("invalid processor configuration")

	// ErrProcessorClosed is returned when rows are added after Finish.
	ErrProcessorClosed = errors.New("processor is closed")

	// ErrProcessorFailed is returned by Add and Finish after a batch has
	// failed; it wraps the first execution error.
	ErrProcessorFailed = errors.New("batch execution failed")
)

type (
	// ExecuteFunc runs one batch against the database. The processor calls
	// it from a single goroutine, in submission order.
	ExecuteFunc func(ctx context.Context, batch *storage.Batch) (*storage.BatchResult, error)

	// Config holds processor tuning.
	Config struct {
		// TableName is the target table for accumulated batches.
		TableName string

		// Columns is the ordered column list; rows must match its length.
		Columns []string

		// BatchSize is the requested rows per batch; capped at the
		// statement parameter budget for len(Columns).
		BatchSize int

		// MaxQueueSize bounds the number of batches waiting for execution.
		MaxQueueSize int

		// ContinueOnError keeps the stream running after a failed batch.
		// When false (the default), the first failure stops intake and the
		// remaining queued batches are discarded.
		ContinueOnError bool
	}

	// Totals is the final accounting of a processor run.
	Totals struct {
		RowsSubmitted   int64
		BatchesQueued   int64
		BatchesExecuted int64
		BatchesFailed   int64
		RowsAffected    int64
		Duration        time.Duration
		Errors          []error
	}

	// queued pairs a batch with the producer context it was submitted
	// under, so execution observes the caller's cancellation.
	queued struct {
		ctx   context.Context
		batch *storage.Batch
	}

	// Processor accumulates rows into batches and executes them through a
	// bounded queue with a single in-flight statement. Not safe for
	// concurrent Add calls; one producer per processor.
	Processor struct {
		cfg     Config
		execute ExecuteFunc
		logger  *slog.Logger

		queue   chan queued
		done    chan struct{}
		current [][]any
		started time.Time
		closed  bool

		mu       sync.Mutex
		totals   Totals
		firstErr error
	}
)

// WithDefaults fills zero-valued fields with defaults and caps the batch
// size at the statement parameter budget.
func (c Config) WithDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}

	c.BatchSize = storage.CalculateOptimalBatchSize(len(c.Columns), c.BatchSize)

	return c
}

// New creates a processor and starts its executor goroutine. The caller
// must call Finish to flush the tail batch and stop the executor.
func New(cfg Config, execute ExecuteFunc) (*Processor, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("%w: table name is empty", ErrProcessorInvalid)
	}

	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("%w: column list is empty", ErrProcessorInvalid)
	}

	if execute == nil {
		return nil, fmt.Errorf("%w: execute function is nil", ErrProcessorInvalid)
	}

	cfg = cfg.WithDefaults()

	p := &Processor{
		cfg:     cfg,
		execute: execute,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		queue:   make(chan queued, cfg.MaxQueueSize),
		done:    make(chan struct{}),
		current: make([][]any, 0, cfg.BatchSize),
		started: time.Now(),
	}

	go p.run()

	return p, nil
}

// BatchSize returns the effective rows per batch after the parameter budget
// cap.
func (p *Processor) BatchSize() int {
	return p.cfg.BatchSize
}

// Add accumulates one row. When the current batch reaches the configured
// size it is enqueued; Add blocks while the queue is full, which is the
// backpressure path.
//
// After any batch fails, and unless ContinueOnError is set, Add returns
// ErrProcessorFailed wrapping the first execution error, so the producer can
// stop parsing early.
func (p *Processor) Add(ctx context.Context, row []any) error {
	if p.closed {
		return ErrProcessorClosed
	}

	if len(row) != len(p.cfg.Columns) {
		return fmt.Errorf("%w: row has %d values, want %d",
			ErrProcessorInvalid, len(row), len(p.cfg.Columns))
	}

	if !p.cfg.ContinueOnError {
		if err := p.failure(); err != nil {
			return err
		}
	}

	p.current = append(p.current, row)

	p.mu.Lock()
	p.totals.RowsSubmitted++
	p.mu.Unlock()

	if len(p.current) < p.cfg.BatchSize {
		return nil
	}

	return p.enqueue(ctx)
}

// Finish flushes the tail batch, waits for the executor to drain the queue
// and returns the run totals. The processor cannot be reused afterwards.
//
// Finish returns ErrProcessorFailed when any batch failed; the totals are
// valid either way.
func (p *Processor) Finish(ctx context.Context) (*Totals, error) {
	if p.closed {
		return nil, ErrProcessorClosed
	}

	var enqueueErr error
	if len(p.current) > 0 && (p.cfg.ContinueOnError || p.failure() == nil) {
		enqueueErr = p.enqueue(ctx)
	}

	p.closed = true
	close(p.queue)

	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for executor: %w", ErrProcessorFailed, ctx.Err())
	}

	p.mu.Lock()
	totals := p.totals
	totals.Duration = time.Since(p.started)
	firstErr := p.firstErr
	p.mu.Unlock()

	if enqueueErr != nil {
		return &totals, enqueueErr
	}

	if firstErr != nil && !p.cfg.ContinueOnError {
		return &totals, fmt.Errorf("%w: %w", ErrProcessorFailed, firstErr)
	}

	return &totals, nil
}

// QueueDepth reports the number of batches currently waiting for execution.
func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

func (p *Processor) enqueue(ctx context.Context) error {
	p.mu.Lock()
	p.totals.BatchesQueued++
	batchNumber := int(p.totals.BatchesQueued)
	p.mu.Unlock()

	batch := &storage.Batch{
		TableName:   p.cfg.TableName,
		Columns:     p.cfg.Columns,
		Values:      p.current,
		BatchNumber: batchNumber,
	}

	p.current = make([][]any, 0, p.cfg.BatchSize)

	select {
	case p.queue <- queued{ctx: ctx, batch: batch}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: enqueue batch %d: %w", ErrProcessorFailed, batchNumber, ctx.Err())
	}
}

// run is the single executor goroutine. It drains the queue in order; after
// the first failure, unless ContinueOnError is set, it discards remaining
// batches instead of executing them. A batch whose submission context has
// expired is recorded as failed without touching the database.
func (p *Processor) run() {
	defer close(p.done)

	for item := range p.queue {
		if !p.cfg.ContinueOnError && p.failure() != nil {
			p.recordSkipped(item.batch)

			continue
		}

		if err := item.ctx.Err(); err != nil {
			p.recordFailure(item.batch, err)

			continue
		}

		result, err := p.execute(item.ctx, item.batch)
		if err != nil {
			p.recordFailure(item.batch, err)

			continue
		}

		p.mu.Lock()
		p.totals.BatchesExecuted++
		p.totals.RowsAffected += result.RowsAffected
		p.mu.Unlock()
	}
}

func (p *Processor) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.firstErr == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrProcessorFailed, p.firstErr)
}

func (p *Processor) recordFailure(batch *storage.Batch, err error) {
	p.logger.Error("batch failed",
		slog.String("table", batch.TableName),
		slog.Int("batch_number", batch.BatchNumber),
		slog.Int("rows", len(batch.Values)),
		slog.String("error", err.Error()),
	)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.totals.BatchesFailed++

	if p.firstErr == nil {
		p.firstErr = err
	}

	if len(p.totals.Errors) < maxKeptErrors {
		p.totals.Errors = append(p.totals.Errors, err)
	}
}

func (p *Processor) recordSkipped(batch *storage.Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totals.BatchesFailed++

	if len(p.totals.Errors) < maxKeptErrors {
		p.totals.Errors = append(p.totals.Errors,
			fmt.Errorf("batch %d skipped after earlier failure", batch.BatchNumber))
	}
}
