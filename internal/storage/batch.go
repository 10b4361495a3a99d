package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/medflow-io/medflow/internal/config"
)

// MaxStatementParams is the parameter budget for a single statement. The
// PostgreSQL extended protocol caps bind parameters at 65,535; the budget
// leaves headroom for statement decoration.
const MaxStatementParams = 60_000

// Sentinel errors for batch loading.
var (
	// ErrBatchInvalid is returned for structurally invalid batches
	// (empty rows, empty columns, ragged rows). Never retryable.
	ErrBatchInvalid = errors.New("invalid batch")

	// ErrBatchTooLarge is returned when rows x columns exceeds the
	// statement parameter budget. The caller must split the batch.
	ErrBatchTooLarge = errors.New("batch exceeds statement parameter budget")

	// ErrBatchFailed is returned when statement execution fails.
	ErrBatchFailed = errors.New("batch execution failed")
)

type (
	// Batch is one multi-row statement's worth of data.
	Batch struct {
		// TableName is the fully qualified target table, e.g. "raw.patients".
		TableName string

		// Columns is the ordered column list.
		Columns []string

		// Values holds one row per element; every row must have
		// len(Columns) values.
		Values [][]any

		// BatchNumber is the 1-based ordinal within the stream, carried
		// through to results and logs.
		BatchNumber int
	}

	// BatchResult reports the outcome of one batch statement.
	BatchResult struct {
		Success      bool
		RowsAffected int64
		BatchNumber  int
		Duration     time.Duration
	}

	// BatchLoader executes parameterized multi-row INSERT and UPSERT
	// statements, each inside its own transaction, enforcing the statement
	// parameter budget. Safe for concurrent use.
	BatchLoader struct {
		conn    *Connection
		logger  *slog.Logger
		limiter *rate.Limiter // nil when the write throttle is disabled
	}

	// BatchLoaderOption configures optional BatchLoader behaviour.
	BatchLoaderOption func(*BatchLoader)
)

// WithWriteLimiter throttles statement execution to a sustained rate.
// Used to protect shared databases during large backfills.
func WithWriteLimiter(limiter *rate.Limiter) BatchLoaderOption {
	return func(l *BatchLoader) {
		l.limiter = limiter
	}
}

// NewBatchLoader creates a BatchLoader over an existing connection.
// When cfg.WriteRPS is positive, a token-bucket throttle is applied ahead
// of every statement.
func NewBatchLoader(conn *Connection, cfg *Config, opts ...BatchLoaderOption) (*BatchLoader, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	loader := &BatchLoader{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	if cfg != nil && cfg.WriteRPS > 0 {
		loader.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRPS), 1)
	}

	for _, opt := range opts {
		opt(loader)
	}

	return loader, nil
}

// MaxRowsPerStatement returns the largest row count a single statement can
// carry for the given column count.
func MaxRowsPerStatement(columnCount int) int {
	if columnCount <= 0 {
		return 0
	}

	return MaxStatementParams / columnCount
}

// CalculateOptimalBatchSize caps a requested batch size at the statement
// parameter budget for the given column count.
func CalculateOptimalBatchSize(columnCount, requestedBatchSize int) int {
	maxRows := MaxRowsPerStatement(columnCount)
	if requestedBatchSize < maxRows {
		return requestedBatchSize
	}

	return maxRows
}

// Insert executes the batch as a single transactional multi-row INSERT.
//
// On failure the returned result has Success=false and RowsAffected=0 and
// the error carries the batch number and the wrapped driver error. There is
// no per-row retry inside a batch; retry policy belongs to the caller.
func (l *BatchLoader) Insert(ctx context.Context, batch *Batch) (*BatchResult, error) {
	return l.execute(ctx, batch, nil, nil)
}

// Upsert executes the batch as INSERT ... ON CONFLICT (conflictColumns) DO
// UPDATE SET col = EXCLUDED.col for every non-conflict column.
func (l *BatchLoader) Upsert(ctx context.Context, batch *Batch, conflictColumns []string) (*BatchResult, error) {
	if len(conflictColumns) == 0 {
		return failedResult(batch), fmt.Errorf("%w: upsert requires conflict columns", ErrBatchInvalid)
	}

	updatable := make([]string, 0, len(batch.Columns))

	for _, col := range batch.Columns {
		if !containsColumn(conflictColumns, col) {
			updatable = append(updatable, col)
		}
	}

	return l.execute(ctx, batch, conflictColumns, updatable)
}

// Validate checks the structural invariants of a batch.
func (b *Batch) Validate() error {
	if b.TableName == "" {
		return fmt.Errorf("%w: table name is empty", ErrBatchInvalid)
	}

	if len(b.Columns) == 0 {
		return fmt.Errorf("%w: column list is empty", ErrBatchInvalid)
	}

	if len(b.Values) == 0 {
		return fmt.Errorf("%w: no rows", ErrBatchInvalid)
	}

	for i, row := range b.Values {
		if len(row) != len(b.Columns) {
			return fmt.Errorf("%w: row %d has %d values, want %d",
				ErrBatchInvalid, i, len(row), len(b.Columns))
		}
	}

	if len(b.Values)*len(b.Columns) > MaxStatementParams {
		return fmt.Errorf("%w: %d rows x %d columns = %d parameters (budget %d)",
			ErrBatchTooLarge, len(b.Values), len(b.Columns),
			len(b.Values)*len(b.Columns), MaxStatementParams)
	}

	return nil
}

func (l *BatchLoader) execute(
	ctx context.Context,
	batch *Batch,
	conflictColumns, updatableColumns []string,
) (*BatchResult, error) {
	start := time.Now()

	if err := batch.Validate(); err != nil {
		return failedResult(batch), err
	}

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return failedResult(batch), fmt.Errorf("%w: write throttle: %w", ErrBatchFailed, err)
		}
	}

	query := buildStatement(batch, conflictColumns, updatableColumns)
	params := flattenValues(batch)

	// Parameter count invariant: placeholders == rows x columns.
	if len(params) != len(batch.Values)*len(batch.Columns) {
		return failedResult(batch), fmt.Errorf("%w: flattened %d parameters, want %d",
			ErrBatchInvalid, len(params), len(batch.Values)*len(batch.Columns))
	}

	var rowsAffected int64

	err := l.conn.Transact(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, query, params...)
		if execErr != nil {
			return execErr
		}

		affected, raErr := res.RowsAffected()
		if raErr != nil {
			// Statement succeeded; fall back to the submitted row count.
			affected = int64(len(batch.Values))
		}

		rowsAffected = affected

		return nil
	})
	if err != nil {
		l.logger.Error("batch execution failed",
			slog.String("table", batch.TableName),
			slog.Int("batch_number", batch.BatchNumber),
			slog.Int("rows", len(batch.Values)),
			slog.String("error", err.Error()),
		)

		return failedResult(batch), fmt.Errorf("%w: batch %d on %s: %w",
			ErrBatchFailed, batch.BatchNumber, batch.TableName, err)
	}

	result := &BatchResult{
		Success:      true,
		RowsAffected: rowsAffected,
		BatchNumber:  batch.BatchNumber,
		Duration:     time.Since(start),
	}

	l.logger.Debug("batch executed",
		slog.String("table", batch.TableName),
		slog.Int("batch_number", batch.BatchNumber),
		slog.Int64("rows_affected", rowsAffected),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

// buildStatement renders the multi-row statement with positional
// placeholders counted deterministically in row-major order.
func buildStatement(batch *Batch, conflictColumns, updatableColumns []string) string {
	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(batch.TableName)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(batch.Columns, ", "))
	sb.WriteString(") VALUES ")

	colCount := len(batch.Columns)

	for row := range batch.Values {
		if row > 0 {
			sb.WriteString(", ")
		}

		sb.WriteByte('(')

		for col := 0; col < colCount; col++ {
			if col > 0 {
				sb.WriteString(", ")
			}

			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(row*colCount + col + 1))
		}

		sb.WriteByte(')')
	}

	if len(conflictColumns) > 0 {
		sb.WriteString(" ON CONFLICT (")
		sb.WriteString(strings.Join(conflictColumns, ", "))

		if len(updatableColumns) == 0 {
			sb.WriteString(") DO NOTHING")

			return sb.String()
		}

		sb.WriteString(") DO UPDATE SET ")

		for i, col := range updatableColumns {
			if i > 0 {
				sb.WriteString(", ")
			}

			sb.WriteString(col)
			sb.WriteString(" = EXCLUDED.")
			sb.WriteString(col)
		}
	}

	return sb.String()
}

// flattenValues lays the batch out row-major for the driver.
func flattenValues(batch *Batch) []any {
	flat := make([]any, 0, len(batch.Values)*len(batch.Columns))

	for _, row := range batch.Values {
		flat = append(flat, row...)
	}

	return flat
}

func failedResult(batch *Batch) *BatchResult {
	return &BatchResult{
		Success:      false,
		RowsAffected: 0,
		BatchNumber:  batch.BatchNumber,
	}
}

func containsColumn(columns []string, name string) bool {
	for _, col := range columns {
		if col == name {
			return true
		}
	}

	return false
}
