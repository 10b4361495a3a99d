package transform

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/medflow-io/medflow/internal/config"
	"github.com/medflow-io/medflow/internal/extract"
	"github.com/medflow-io/medflow/internal/storage"
)

// DefaultBatchSize is the default raw rows per transformation batch.
const DefaultBatchSize = 5_000

const bytesPerMB = 1024 * 1024

// Sentinel errors for the staging transformer.
var (
	// ErrTransformerInvalid is returned for invalid transformer construction.
	ErrTransformerInvalid = errors.New("invalid transformer configuration")

	// ErrTransformAborted is returned when a run stops early on its error
	// thresholds.
	ErrTransformAborted = errors.New("transformation aborted by error threshold")
)

// Rejection reasons.
const (
	reasonTransformFailed  = "Transformation failed"
	reasonValidationFailed = "Validation failed"
)

type (
	// RunBookkeeper is the staging-run lifecycle store. Implemented by
	// storage.RunStore.
	RunBookkeeper interface {
		FindCompletedStagingRun(ctx context.Context, loadRunID, extractType string) (*storage.StagingRun, error)
		CreateStagingRun(ctx context.Context,
			loadRunID, extractType, sourceTable, targetTable string, force bool) (string, error)
		CompleteStagingRun(ctx context.Context, stagingRunID string,
			rowsRead, rowsTransformed, rowsRejected, rowsDeduped int64, resultJSON []byte) error
		FailStagingRun(ctx context.Context, stagingRunID string, runErr error) error
	}

	// CompletedFiles lists the lineage FKs eligible for transformation.
	// Implemented by storage.FileLedger.
	CompletedFiles interface {
		CompletedEntryIDs(ctx context.Context, loadRunID, extractType string) ([]string, error)
	}

	// RejectionSink receives the rejection audit trail. Implemented by
	// storage.RejectionStore.
	RejectionSink interface {
		EnsureTable(ctx context.Context) error
		Insert(ctx context.Context, rejections []storage.Rejection) error
	}

	// TransformerConfig holds transformer tuning.
	TransformerConfig struct {
		BatchSize       int
		ContinueOnError bool
	}

	// TransformOptions adjusts a single TransformExtract call.
	TransformOptions struct {
		// ForceReprocess ignores a completed staging run and re-transforms.
		ForceReprocess bool
	}

	// TransformResult is the per-extract outcome, serialized onto the
	// staging run for idempotent replay.
	TransformResult struct {
		StagingRunID          string                    `json:"staging_run_id"`
		ExtractType           string                    `json:"extract_type"`
		Cached                bool                      `json:"cached,omitempty"`
		TotalRowsRead         int64                     `json:"total_rows_read"`
		TotalRowsTransformed  int64                     `json:"total_rows_transformed"`
		TotalRowsRejected     int64                     `json:"total_rows_rejected"`
		TotalRowsDeduplicated int64                     `json:"total_rows_deduplicated"`
		SuccessfulBatches     int64                     `json:"successful_batches"`
		FailedBatches         int64                     `json:"failed_batches"`
		Errors                []string                  `json:"errors,omitempty"`
		Warnings              []string                  `json:"warnings,omitempty"`
		Rejections            *storage.RejectionSummary `json:"rejections,omitempty"`
		DurationMs            int64                     `json:"duration_ms"`
		RowsPerSecond         float64                   `json:"rows_per_second"`
		MemoryUsageMB         float64                   `json:"memory_usage_mb"`
	}

	// Transformer moves completed raw rows into typed staging tables:
	// paginate, coerce, validate, deduplicate, upsert, audit rejections.
	// Batches run strictly sequentially per extract; natural-key dedup
	// requires ordered observation.
	Transformer struct {
		cfg        TransformerConfig
		conn       *storage.Connection
		batches    *storage.BatchLoader
		runs       RunBookkeeper
		files      CompletedFiles
		rejections RejectionSink
		engine     *Engine
		validator  *Validator
		logger     *slog.Logger
	}
)

// LoadTransformerConfig reads transformer tuning from the environment.
func LoadTransformerConfig() TransformerConfig {
	return TransformerConfig{
		BatchSize:       config.GetEnvInt("MEDFLOW_TRANSFORM_BATCH_SIZE", DefaultBatchSize),
		ContinueOnError: config.GetEnvBool("MEDFLOW_CONTINUE_ON_ERROR", false),
	}
}

// NewTransformer creates a staging transformer.
func NewTransformer(
	cfg TransformerConfig,
	conn *storage.Connection,
	batches *storage.BatchLoader,
	runs RunBookkeeper,
	files CompletedFiles,
	rejections RejectionSink,
	engine *Engine,
	validator *Validator,
) (*Transformer, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	if batches == nil || runs == nil || files == nil || rejections == nil {
		return nil, fmt.Errorf("%w: missing collaborator", ErrTransformerInvalid)
	}

	if engine == nil || validator == nil {
		return nil, fmt.Errorf("%w: missing engine or validator", ErrTransformerInvalid)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Transformer{
		cfg:        cfg,
		conn:       conn,
		batches:    batches,
		runs:       runs,
		files:      files,
		rejections: rejections,
		engine:     engine,
		validator:  validator,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// TransformExtract transforms all completed raw rows of one extract under a
// load run into its staging table.
//
// Idempotent per (loadRunId, extractType): a completed staging run short
// circuits to its cached result unless ForceReprocess is set.
func (t *Transformer) TransformExtract(
	ctx context.Context,
	handler *extract.Handler,
	loadRunID string,
	opts TransformOptions,
) (*TransformResult, error) {
	start := time.Now()

	if !opts.ForceReprocess {
		cached, err := t.cachedResult(ctx, handler.ExtractType, loadRunID)
		if err != nil {
			return nil, err
		}

		if cached != nil {
			return cached, nil
		}
	}

	stagingRunID, err := t.runs.CreateStagingRun(ctx,
		loadRunID, handler.ExtractType, handler.TableName, handler.StagingTable, opts.ForceReprocess)
	if err != nil {
		return nil, err
	}

	result := &TransformResult{
		StagingRunID: stagingRunID,
		ExtractType:  handler.ExtractType,
	}

	runErr := t.run(ctx, handler, loadRunID, stagingRunID, result)

	result.DurationMs = time.Since(start).Milliseconds()
	if result.DurationMs > 0 {
		result.RowsPerSecond = float64(result.TotalRowsRead) / (float64(result.DurationMs) / 1000)
	}

	result.MemoryUsageMB = heapMB()

	if runErr != nil {
		result.Errors = append(result.Errors, runErr.Error())

		if failErr := t.runs.FailStagingRun(ctx, stagingRunID, runErr); failErr != nil {
			result.Errors = append(result.Errors, failErr.Error())
		}

		t.logger.Error("staging transform failed",
			slog.String("staging_run_id", stagingRunID),
			slog.String("extract_type", handler.ExtractType),
			slog.String("error", runErr.Error()),
		)

		return result, runErr
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return result, fmt.Errorf("marshal transform result: %w", err)
	}

	if err := t.runs.CompleteStagingRun(ctx, stagingRunID,
		result.TotalRowsRead, result.TotalRowsTransformed,
		result.TotalRowsRejected, result.TotalRowsDeduplicated, resultJSON); err != nil {
		return result, err
	}

	t.logger.Info("staging transform completed",
		slog.String("staging_run_id", stagingRunID),
		slog.String("extract_type", handler.ExtractType),
		slog.Int64("rows_read", result.TotalRowsRead),
		slog.Int64("rows_transformed", result.TotalRowsTransformed),
		slog.Int64("rows_rejected", result.TotalRowsRejected),
		slog.Int64("rows_deduplicated", result.TotalRowsDeduplicated),
		slog.Int64("duration_ms", result.DurationMs),
	)

	return result, nil
}

func (t *Transformer) cachedResult(ctx context.Context, extractType, loadRunID string) (*TransformResult, error) {
	run, err := t.runs.FindCompletedStagingRun(ctx, loadRunID, extractType)
	if err != nil {
		return nil, err
	}

	if run == nil || len(run.ResultJSON) == 0 {
		return nil, nil
	}

	var result TransformResult
	if err := json.Unmarshal(run.ResultJSON, &result); err != nil {
		return nil, fmt.Errorf("decode cached transform result: %w", err)
	}

	result.Cached = true

	t.logger.Info("returning cached transform result",
		slog.String("staging_run_id", run.ID),
		slog.String("extract_type", extractType),
	)

	return &result, nil
}

func (t *Transformer) run(
	ctx context.Context,
	handler *extract.Handler,
	loadRunID, stagingRunID string,
	result *TransformResult,
) error {
	if err := t.rejections.EnsureTable(ctx); err != nil {
		return err
	}

	fileIDs, err := t.files.CompletedEntryIDs(ctx, loadRunID, handler.ExtractType)
	if err != nil {
		return err
	}

	if len(fileIDs) == 0 {
		result.Warnings = append(result.Warnings, "no completed files for extract, nothing to transform")

		return nil
	}

	// The surrogate id breaks ties within a file, so LIMIT/OFFSET pages are
	// stable on a quiescent table.
	rawQuery := &storage.RawQuery{
		Table:   handler.TableName,
		Columns: handler.Columns,
		OrderBy: storage.LineageFKColumn + ", id",
	}

	total, err := t.countRows(ctx, rawQuery, fileIDs)
	if err != nil {
		return err
	}

	stagingLoader, err := storage.NewStagingLoader(t.batches,
		handler.StagingTable, targetColumns(handler), handler.NaturalKeys)
	if err != nil {
		return err
	}

	var rejected []storage.Rejection

	totalBatches := (total + int64(t.cfg.BatchSize) - 1) / int64(t.cfg.BatchSize)

	for b := int64(0); b < totalBatches; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset := int(b) * t.cfg.BatchSize

		rawRows, err := t.readBatch(ctx, rawQuery, fileIDs, t.cfg.BatchSize, offset)
		if err != nil {
			return err
		}

		if len(rawRows) == 0 {
			break
		}

		batchRejected := t.transformBatch(handler, rawRows, int64(offset), loadRunID, stagingRunID, result)
		rejected = append(rejected, batchRejected...)

		if err := t.upsertBatch(ctx, stagingLoader, handler, rawRows, int(b)+1, result); err != nil {
			if !t.cfg.ContinueOnError {
				t.flushRejections(ctx, rejected, result)

				return err
			}

			result.Errors = append(result.Errors, err.Error())
		}

		if t.validator.ShouldStopValidation(result.TotalRowsRead, result.TotalRowsRejected) {
			t.flushRejections(ctx, rejected, result)

			return fmt.Errorf("%w: %d rejected of %d read",
				ErrTransformAborted, result.TotalRowsRejected, result.TotalRowsRead)
		}
	}

	if final, err := t.countRows(ctx, rawQuery, fileIDs); err == nil && final != total {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("raw table changed during transform: counted %d rows at start, %d at end", total, final))
	}

	t.flushRejections(ctx, rejected, result)

	return nil
}

// transformBatch coerces and validates raw rows in place, leaving survivors
// in rawRows' transformed slot and returning the batch's rejections.
func (t *Transformer) transformBatch(
	handler *extract.Handler,
	rawRows []rawRow,
	baseRowNumber int64,
	loadRunID, stagingRunID string,
	result *TransformResult,
) []storage.Rejection {
	var rejections []storage.Rejection

	var batchErrors int64

	for i := range rawRows {
		raw := &rawRows[i]
		rowNumber := baseRowNumber + int64(i) + 1

		result.TotalRowsRead++

		if t.validator.ShouldStopBatch(batchErrors) {
			raw.dropped = true
			rejections = append(rejections, rejection(loadRunID, stagingRunID, handler.ExtractType,
				rowNumber, raw, "batch error threshold exceeded", nil))
			result.TotalRowsRejected++

			continue
		}

		transformed := t.engine.TransformRow(raw.values, handler.Transformations)
		if !transformed.Success {
			raw.dropped = true
			batchErrors++
			rejections = append(rejections, rejection(loadRunID, stagingRunID, handler.ExtractType,
				rowNumber, raw, reasonTransformFailed, transformed.Failures))
			result.TotalRowsRejected++

			continue
		}

		validated := t.validator.ValidateRow(transformed.Row, handler.Transformations)

		for _, w := range validated.Warnings {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d %s: %s", rowNumber, w.Column, w.Message))
		}

		if !validated.IsValid {
			raw.dropped = true
			batchErrors++
			rejections = append(rejections, rejection(loadRunID, stagingRunID, handler.ExtractType,
				rowNumber, raw, reasonValidationFailed, validated.Failures))
			result.TotalRowsRejected++

			continue
		}

		raw.transformed = transformed.Row
		raw.rowNumber = rowNumber
	}

	return rejections
}

func (t *Transformer) upsertBatch(
	ctx context.Context,
	loader *storage.StagingLoader,
	handler *extract.Handler,
	rawRows []rawRow,
	batchNumber int,
	result *TransformResult,
) error {
	survivors := make([]Row, 0, len(rawRows))

	for i := range rawRows {
		if rawRows[i].dropped || rawRows[i].transformed == nil {
			continue
		}

		survivors = append(survivors, Row{
			Index:         i,
			RowNumber:     rawRows[i].rowNumber,
			LoadRunFileID: rawRows[i].loadRunFileID,
			Values:        rawRows[i].transformed,
		})
	}

	deduped, dropped := Deduplicate(survivors, handler.NaturalKeys, handler.UpdatedAtColumn)
	result.TotalRowsDeduplicated += dropped

	if len(deduped) == 0 {
		return nil
	}

	maxRows := loader.MaxRows()

	for start := 0; start < len(deduped); start += maxRows {
		end := start + maxRows
		if end > len(deduped) {
			end = len(deduped)
		}

		stagingRows := make([]storage.StagingRow, end-start)
		for i, row := range deduped[start:end] {
			stagingRows[i] = storage.StagingRow{
				LoadRunFileID: row.LoadRunFileID,
				Values:        row.Values,
			}
		}

		if _, err := loader.Upsert(ctx, stagingRows, batchNumber); err != nil {
			result.FailedBatches++

			return err
		}

		result.TotalRowsTransformed += int64(end - start)
	}

	result.SuccessfulBatches++

	return nil
}

func (t *Transformer) flushRejections(ctx context.Context, rejected []storage.Rejection, result *TransformResult) {
	result.Rejections = storage.Summarize(rejected)

	if err := t.rejections.Insert(ctx, rejected); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
}

func (t *Transformer) countRows(ctx context.Context, q *storage.RawQuery, fileIDs []string) (int64, error) {
	stmt, err := q.Count(fileIDs)
	if err != nil {
		return 0, err
	}

	var total int64
	if err := t.conn.QueryRowContext(ctx, stmt.SQL, stmt.Params...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count raw rows: %w", err)
	}

	return total, nil
}

// rawRow is a scanned raw table row plus its transformation state.
type rawRow struct {
	loadRunFileID string
	values        map[string]any
	transformed   map[string]any
	rowNumber     int64
	dropped       bool
}

func (t *Transformer) readBatch(
	ctx context.Context,
	q *storage.RawQuery,
	fileIDs []string,
	limit, offset int,
) ([]rawRow, error) {
	stmt, err := q.Select(fileIDs, limit, offset)
	if err != nil {
		return nil, err
	}

	rows, err := t.conn.QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, fmt.Errorf("read raw batch: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	out := make([]rawRow, 0, limit)

	for rows.Next() {
		var fileID string

		fields := make([]sql.NullString, len(q.Columns))
		dests := make([]any, 0, len(q.Columns)+1)
		dests = append(dests, &fileID)

		for i := range fields {
			dests = append(dests, &fields[i])
		}

		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("scan raw row: %w", err)
		}

		values := make(map[string]any, len(q.Columns))

		for i, col := range q.Columns {
			if fields[i].Valid {
				values[col] = fields[i].String
			} else {
				values[col] = nil
			}
		}

		out = append(out, rawRow{loadRunFileID: fileID, values: values})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw batch: %w", err)
	}

	return out, nil
}

func rejection(
	loadRunID, stagingRunID, extractType string,
	rowNumber int64,
	raw *rawRow,
	reason string,
	failures []storage.FailureDetail,
) storage.Rejection {
	fileID := raw.loadRunFileID

	return storage.Rejection{
		LoadRunID:    loadRunID,
		StagingRunID: stagingRunID,
		ExtractType:  extractType,
		RowNumber:    &rowNumber,
		SourceRowID:  &fileID,
		Reason:       reason,
		Failures:     failures,
		RawData:      raw.values,
		RejectedAt:   time.Now().UTC(),
	}
}

func targetColumns(handler *extract.Handler) []string {
	columns := make([]string, len(handler.Transformations))
	for i := range handler.Transformations {
		columns[i] = handler.Transformations[i].TargetColumn
	}

	return columns
}

func heapMB() float64 {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	return float64(m.HeapAlloc) / bytesPerMB
}
