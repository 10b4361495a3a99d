// Package rawload implements the first pipeline stage: landing extract
// files from object storage into per-extract raw text tables, verbatim,
// with lineage and per-file idempotency.
package rawload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medflow-io/medflow/internal/config"
	"github.com/medflow-io/medflow/internal/extract"
	"github.com/medflow-io/medflow/internal/objectstore"
	"github.com/medflow-io/medflow/internal/parser"
	"github.com/medflow-io/medflow/internal/storage"
	"github.com/medflow-io/medflow/internal/stream"
)

// Defaults for loader configuration.
const (
	DefaultMaxConcurrentFiles = 5
	DefaultMaxRetries         = 3
	DefaultRetryDelay         = 500 * time.Millisecond

	bytesPerMB = 1024 * 1024
)

// ErrLoaderInvalid is returned for invalid loader construction.
var ErrLoaderInvalid = errors.New("invalid loader configuration")

type (
	// Ledger is the per-file idempotency store the loader consults and
	// updates. Implemented by storage.FileLedger.
	Ledger interface {
		IsProcessed(ctx context.Context, file *extract.FileDescriptor) (bool, error)
		Begin(ctx context.Context, lineage extract.Lineage) (string, error)
		MarkCompleted(ctx context.Context, entryID string, rowCount int64) error
		MarkError(ctx context.Context, entryID string, loadErr error) error
	}

	// BatchExecutor runs one raw batch. Implemented by storage.BatchLoader.
	BatchExecutor interface {
		Insert(ctx context.Context, batch *storage.Batch) (*storage.BatchResult, error)
	}

	// Config holds loader tuning.
	Config struct {
		BatchSize          int
		MaxQueueSize       int
		MaxConcurrentFiles int
		MaxRetries         int
		RetryDelay         time.Duration
		ContinueOnError    bool
		Parser             parser.Config
	}

	// Options adjusts a single LoadFile call.
	Options struct {
		// ForceReload skips the idempotency check and re-lands the file
		// under a new ledger entry.
		ForceReload bool
	}

	// LoadResult is the per-file outcome. Every call returns one; errors
	// never unwind past the file boundary.
	LoadResult struct {
		ExtractType       string
		LedgerEntryID     string
		Skipped           bool
		TotalRows         int64
		SuccessfulBatches int64
		FailedBatches     int64
		Errors            []string
		Warnings          []string
		DurationMs        int64
		BytesProcessed    int64
		RowsPerSecond     float64
		MemoryUsageMB     float64
	}

	// Loader lands extract files into raw tables.
	Loader struct {
		cfg      Config
		registry *extract.Registry
		store    objectstore.Store
		ledger   Ledger
		batches  BatchExecutor
		logger   *slog.Logger
	}
)

// LoadLoaderConfig reads loader tuning from the environment.
func LoadLoaderConfig() Config {
	return Config{
		BatchSize:          config.GetEnvInt("MEDFLOW_BATCH_SIZE", stream.DefaultBatchSize),
		MaxQueueSize:       config.GetEnvInt("MEDFLOW_MAX_QUEUE_SIZE", stream.DefaultMaxQueueSize),
		MaxConcurrentFiles: config.GetEnvInt("MEDFLOW_MAX_CONCURRENT_FILES", DefaultMaxConcurrentFiles),
		MaxRetries:         config.GetEnvInt("MEDFLOW_MAX_RETRIES", DefaultMaxRetries),
		RetryDelay:         config.GetEnvDuration("MEDFLOW_RETRY_DELAY", DefaultRetryDelay),
		ContinueOnError:    config.GetEnvBool("MEDFLOW_CONTINUE_ON_ERROR", false),
		Parser: parser.Config{
			FieldSeparator: config.GetEnvStr("MEDFLOW_FIELD_SEPARATOR", parser.DefaultFieldSeparator),
			RowSeparator:   config.GetEnvStr("MEDFLOW_ROW_SEPARATOR", parser.DefaultRowSeparator),
			MaxRowLength:   config.GetEnvInt("MEDFLOW_MAX_ROW_LENGTH", parser.DefaultMaxRowLength),
			MaxFieldLength: config.GetEnvInt("MEDFLOW_MAX_FIELD_LENGTH", parser.DefaultMaxFieldLength),
			SkipEmptyRows:  config.GetEnvBool("MEDFLOW_SKIP_EMPTY_ROWS", true),
		},
	}
}

// NewLoader creates a raw loader.
func NewLoader(
	cfg Config,
	registry *extract.Registry,
	store objectstore.Store,
	ledger Ledger,
	batches BatchExecutor,
) (*Loader, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is nil", ErrLoaderInvalid)
	}

	if store == nil {
		return nil, fmt.Errorf("%w: object store is nil", ErrLoaderInvalid)
	}

	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrLoaderInvalid)
	}

	if batches == nil {
		return nil, fmt.Errorf("%w: batch executor is nil", ErrLoaderInvalid)
	}

	if cfg.MaxConcurrentFiles <= 0 {
		cfg.MaxConcurrentFiles = DefaultMaxConcurrentFiles
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	return &Loader{
		cfg:      cfg,
		registry: registry,
		store:    store,
		ledger:   ledger,
		batches:  batches,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// LoadFile lands one file into its raw table and returns the per-file
// result. The flow is: idempotency check, handler lookup, ledger entry,
// stream parse into batched inserts, ledger completion.
//
// A file is marked completed only when every batch committed; partial
// progress stays in the raw table (append-only) and the file remains
// eligible for re-run under a new ledger entry.
func (l *Loader) LoadFile(
	ctx context.Context,
	file *extract.FileDescriptor,
	loadRunID string,
	opts Options,
) (*LoadResult, error) {
	start := time.Now()

	if err := file.Validate(); err != nil {
		return failed(file, err), err
	}

	result := &LoadResult{ExtractType: file.ExtractType}

	if !opts.ForceReload {
		processed, err := l.ledger.IsProcessed(ctx, file)
		if err != nil {
			return failed(file, err), err
		}

		if processed {
			result.Skipped = true
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("file %s/%s already processed, skipping", file.Bucket, file.Key))
			result.DurationMs = time.Since(start).Milliseconds()

			l.logger.Info("file already processed",
				slog.String("bucket", file.Bucket),
				slog.String("key", file.Key),
				slog.String("extract_type", file.ExtractType),
			)

			return result, nil
		}
	}

	handler, err := l.registry.Lookup(file.ExtractType)
	if err != nil {
		return failed(file, err), err
	}

	entryID, err := l.ledger.Begin(ctx, extract.NewLineage(file, loadRunID))
	if err != nil {
		return failed(file, err), err
	}

	result.LedgerEntryID = entryID

	loadErr := l.streamFile(ctx, file, handler, entryID, result)

	result.DurationMs = time.Since(start).Milliseconds()
	if result.DurationMs > 0 {
		result.RowsPerSecond = float64(result.TotalRows) / (float64(result.DurationMs) / 1000)
	}

	result.MemoryUsageMB = heapMB()

	if loadErr != nil {
		result.Errors = append(result.Errors, loadErr.Error())

		if markErr := l.ledger.MarkError(ctx, entryID, loadErr); markErr != nil {
			result.Errors = append(result.Errors, markErr.Error())
		}

		l.logger.Error("file load failed",
			slog.String("bucket", file.Bucket),
			slog.String("key", file.Key),
			slog.String("error_kind", string(Classify(loadErr))),
			slog.String("error", loadErr.Error()),
		)

		return result, loadErr
	}

	if err := l.ledger.MarkCompleted(ctx, entryID, result.TotalRows); err != nil {
		result.Errors = append(result.Errors, err.Error())

		return result, err
	}

	l.logger.Info("file loaded",
		slog.String("bucket", file.Bucket),
		slog.String("key", file.Key),
		slog.String("extract_type", file.ExtractType),
		slog.Int64("total_rows", result.TotalRows),
		slog.Int64("batches", result.SuccessfulBatches),
		slog.Int64("duration_ms", result.DurationMs),
	)

	return result, nil
}

// LoadFiles lands files in concurrency-bounded waves. Each wave completes
// before the next starts; results keep the input order. Per-file failures
// are recorded in their results and do not stop the remaining files.
func (l *Loader) LoadFiles(
	ctx context.Context,
	files []*extract.FileDescriptor,
	loadRunID string,
	opts Options,
) ([]*LoadResult, error) {
	results := make([]*LoadResult, len(files))

	for waveStart := 0; waveStart < len(files); waveStart += l.cfg.MaxConcurrentFiles {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		waveEnd := waveStart + l.cfg.MaxConcurrentFiles
		if waveEnd > len(files) {
			waveEnd = len(files)
		}

		g, waveCtx := errgroup.WithContext(ctx)

		for i := waveStart; i < waveEnd; i++ {
			g.Go(func() error {
				res, err := l.LoadFile(waveCtx, files[i], loadRunID, opts)
				results[i] = res

				// Context cancellation aborts the run; per-file errors
				// stay in the result.
				if err != nil && waveCtx.Err() != nil {
					return err
				}

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return results, err
		}
	}

	return results, nil
}

// streamFile drives the parser into the batch processor. Raw fidelity:
// every declared column is present on every row, missing trailing fields
// land as empty string, extra fields are dropped with a warning.
func (l *Loader) streamFile(
	ctx context.Context,
	file *extract.FileDescriptor,
	handler *extract.Handler,
	entryID string,
	result *LoadResult,
) error {
	rc, err := l.store.Open(ctx, file)
	if err != nil {
		return err
	}

	defer func() {
		_ = rc.Close()
	}()

	p := parser.New(rc, l.cfg.Parser)

	columns := make([]string, 0, len(handler.Columns)+1)
	columns = append(columns, storage.LineageFKColumn)
	columns = append(columns, handler.Columns...)

	proc, err := stream.New(stream.Config{
		TableName:       handler.TableName,
		Columns:         columns,
		BatchSize:       l.cfg.BatchSize,
		MaxQueueSize:    l.cfg.MaxQueueSize,
		ContinueOnError: l.cfg.ContinueOnError,
	}, l.executeWithRetry)
	if err != nil {
		return err
	}

	colCount := len(handler.Columns)

	for {
		record, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			totals, _ := proc.Finish(ctx)
			collectTotals(result, totals, p)

			return err
		}

		row := make([]any, colCount+1)
		row[0] = entryID

		for i := 0; i < colCount; i++ {
			if i < len(record.Fields) {
				row[i+1] = record.Fields[i]
			} else {
				row[i+1] = ""
			}
		}

		if len(record.Fields) > colCount {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d has %d fields, expected %d, extras dropped",
					record.RowNumber, len(record.Fields), colCount))
		}

		if err := proc.Add(ctx, row); err != nil {
			totals, _ := proc.Finish(ctx)
			collectTotals(result, totals, p)

			return err
		}
	}

	totals, finishErr := proc.Finish(ctx)
	collectTotals(result, totals, p)

	return finishErr
}

// executeWithRetry retries transient batch failures with a fixed delay.
// Permanent errors exit the loop immediately.
func (l *Loader) executeWithRetry(ctx context.Context, batch *storage.Batch) (*storage.BatchResult, error) {
	var (
		result  *storage.BatchResult
		lastErr error
	)

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.logger.Warn("retrying batch",
				slog.String("table", batch.TableName),
				slog.Int("batch_number", batch.BatchNumber),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-time.After(l.cfg.RetryDelay):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}

		result, lastErr = l.batches.Insert(ctx, batch)
		if lastErr == nil {
			return result, nil
		}

		if !IsRetryable(lastErr) {
			return result, lastErr
		}
	}

	return result, lastErr
}

func collectTotals(result *LoadResult, totals *stream.Totals, p *parser.Parser) {
	if totals != nil {
		result.TotalRows = totals.RowsAffected
		result.SuccessfulBatches = totals.BatchesExecuted
		result.FailedBatches = totals.BatchesFailed

		for _, err := range totals.Errors {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	result.BytesProcessed = p.BytesRead()

	for _, w := range p.Warnings() {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("row %d field %d: %s", w.RowNumber, w.Field, w.Message))
	}
}

func failed(file *extract.FileDescriptor, err error) *LoadResult {
	result := &LoadResult{Errors: []string{err.Error()}}
	if file != nil {
		result.ExtractType = file.ExtractType
	}

	return result
}

func heapMB() float64 {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	return float64(m.HeapAlloc) / bytesPerMB
}
