package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for run bookkeeping.
var (
	// ErrRunStoreFailed is returned when a run bookkeeping operation fails.
	ErrRunStoreFailed = errors.New("run store operation failed")

	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")
)

type (
	// RunStatus is the lifecycle state of a load or staging run.
	RunStatus string

	// RunTrigger records what started a load run.
	RunTrigger string

	// LoadRun is the bookkeeping record for one ingest run.
	LoadRun struct {
		ID          string
		StartedAt   time.Time
		CompletedAt *time.Time
		Status      RunStatus
		Trigger     RunTrigger
		TotalFiles  int64
		TotalRows   int64
		Notes       *string
	}

	// StagingRun is the bookkeeping record for one raw-to-staging
	// transformation, keyed uniquely by (loadRunId, extractType) so a
	// retry can skip completed work.
	StagingRun struct {
		ID              string
		LoadRunID       string
		ExtractType     string
		SourceTable     string
		TargetTable     string
		StartedAt       time.Time
		CompletedAt     *time.Time
		Status          RunStatus
		RowsRead        int64
		RowsTransformed int64
		RowsRejected    int64
		RowsDeduped     int64
		Error           *string
		ResultJSON      []byte
	}

	// RunStore persists load-run and staging-run records in etl.load_runs
	// and etl.staging_runs.
	RunStore struct {
		conn *Connection
	}
)

// Run lifecycle states.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Load run triggers.
const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
	TriggerBackfill  RunTrigger = "backfill"
)

// NewRunStore creates a run store over an existing connection.
func NewRunStore(conn *Connection) (*RunStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RunStore{conn: conn}, nil
}

// CreateLoadRun inserts a new load run in status running and returns its id.
func (s *RunStore) CreateLoadRun(ctx context.Context, trigger RunTrigger) (string, error) {
	id := uuid.NewString()

	query := `
		INSERT INTO etl.load_runs (load_run_id, started_at, status, trigger, total_files, total_rows)
		VALUES ($1, NOW(), $2, $3, 0, 0)
	`

	if _, err := s.conn.ExecContext(ctx, query, id, RunStatusRunning, trigger); err != nil {
		return "", fmt.Errorf("%w: create load run: %w", ErrRunStoreFailed, err)
	}

	return id, nil
}

// FinishLoadRun moves a load run to a terminal state with its totals.
func (s *RunStore) FinishLoadRun(
	ctx context.Context,
	loadRunID string,
	status RunStatus,
	totalFiles, totalRows int64,
	notes string,
) error {
	query := `
		UPDATE etl.load_runs
		SET status = $2,
		    completed_at = NOW(),
		    total_files = $3,
		    total_rows = $4,
		    notes = NULLIF($5, '')
		WHERE load_run_id = $1
	`

	res, err := s.conn.ExecContext(ctx, query, loadRunID, status, totalFiles, totalRows, notes)
	if err != nil {
		return fmt.Errorf("%w: finish load run: %w", ErrRunStoreFailed, err)
	}

	return checkRunFound(res, loadRunID)
}

// LoadRun fetches a load run by id.
func (s *RunStore) LoadRun(ctx context.Context, loadRunID string) (*LoadRun, error) {
	query := `
		SELECT load_run_id, started_at, completed_at, status, trigger, total_files, total_rows, notes
		FROM etl.load_runs
		WHERE load_run_id = $1
	`

	var (
		run         LoadRun
		completedAt sql.NullTime
		notes       sql.NullString
	)

	err := s.conn.QueryRowContext(ctx, query, loadRunID).Scan(
		&run.ID, &run.StartedAt, &completedAt, &run.Status, &run.Trigger,
		&run.TotalFiles, &run.TotalRows, &notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: load run %s", ErrRunNotFound, loadRunID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: fetch load run: %w", ErrRunStoreFailed, err)
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	if notes.Valid {
		run.Notes = &notes.String
	}

	return &run, nil
}

// FindCompletedStagingRun returns the completed staging run for
// (loadRunId, extractType), or nil when none exists. Used for idempotent
// replay: the stored result JSON is returned instead of re-transforming.
func (s *RunStore) FindCompletedStagingRun(
	ctx context.Context,
	loadRunID, extractType string,
) (*StagingRun, error) {
	query := `
		SELECT staging_run_id, load_run_id, extract_type, source_table, target_table,
		       started_at, completed_at, status,
		       rows_read, rows_transformed, rows_rejected, rows_deduplicated,
		       error, result_json
		FROM etl.staging_runs
		WHERE load_run_id = $1 AND extract_type = $2 AND status = $3
	`

	run, err := s.scanStagingRun(s.conn.QueryRowContext(ctx, query, loadRunID, extractType, RunStatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: find completed staging run: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

// CreateStagingRun inserts a staging run in status running and returns its
// id. Any previous non-completed run for the same (loadRunId, extractType)
// is replaced, so the unique key always reflects the latest attempt. A
// completed run blocks new attempts unless force is set, which restarts it
// for explicit reprocessing.
func (s *RunStore) CreateStagingRun(
	ctx context.Context,
	loadRunID, extractType, sourceTable, targetTable string,
	force bool,
) (string, error) {
	id := uuid.NewString()

	query := `
		INSERT INTO etl.staging_runs (
			staging_run_id, load_run_id, extract_type, source_table, target_table,
			started_at, status,
			rows_read, rows_transformed, rows_rejected, rows_deduplicated
		) VALUES ($1, $2, $3, $4, $5, NOW(), $6, 0, 0, 0, 0)
		ON CONFLICT (load_run_id, extract_type) DO UPDATE
		SET staging_run_id = EXCLUDED.staging_run_id,
		    source_table = EXCLUDED.source_table,
		    target_table = EXCLUDED.target_table,
		    started_at = EXCLUDED.started_at,
		    completed_at = NULL,
		    status = EXCLUDED.status,
		    rows_read = 0,
		    rows_transformed = 0,
		    rows_rejected = 0,
		    rows_deduplicated = 0,
		    error = NULL,
		    result_json = NULL
	`

	if !force {
		query += ` WHERE etl.staging_runs.status <> 'completed'`
	}

	res, err := s.conn.ExecContext(ctx, query, id, loadRunID, extractType, sourceTable, targetTable, RunStatusRunning)
	if err != nil {
		return "", fmt.Errorf("%w: create staging run: %w", ErrRunStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if !force && err == nil && affected == 0 {
		// Row exists and is completed; caller should have consulted
		// FindCompletedStagingRun first.
		return "", fmt.Errorf("%w: staging run (%s, %s) already completed",
			ErrRunStoreFailed, loadRunID, extractType)
	}

	return id, nil
}

// CompleteStagingRun finalizes a staging run with counters and the
// serialized result for idempotent replay.
func (s *RunStore) CompleteStagingRun(
	ctx context.Context,
	stagingRunID string,
	rowsRead, rowsTransformed, rowsRejected, rowsDeduped int64,
	resultJSON []byte,
) error {
	query := `
		UPDATE etl.staging_runs
		SET status = $2,
		    completed_at = NOW(),
		    rows_read = $3,
		    rows_transformed = $4,
		    rows_rejected = $5,
		    rows_deduplicated = $6,
		    result_json = $7,
		    error = NULL
		WHERE staging_run_id = $1
	`

	res, err := s.conn.ExecContext(ctx, query, stagingRunID, RunStatusCompleted,
		rowsRead, rowsTransformed, rowsRejected, rowsDeduped, resultJSON)
	if err != nil {
		return fmt.Errorf("%w: complete staging run: %w", ErrRunStoreFailed, err)
	}

	return checkRunFound(res, stagingRunID)
}

// FailStagingRun marks a staging run failed with the error message.
func (s *RunStore) FailStagingRun(ctx context.Context, stagingRunID string, runErr error) error {
	query := `
		UPDATE etl.staging_runs
		SET status = $2,
		    completed_at = NOW(),
		    error = $3
		WHERE staging_run_id = $1
	`

	res, err := s.conn.ExecContext(ctx, query, stagingRunID, RunStatusFailed, runErr.Error())
	if err != nil {
		return fmt.Errorf("%w: fail staging run: %w", ErrRunStoreFailed, err)
	}

	return checkRunFound(res, stagingRunID)
}

func (s *RunStore) scanStagingRun(row *sql.Row) (*StagingRun, error) {
	var (
		run         StagingRun
		completedAt sql.NullTime
		runErr      sql.NullString
		resultJSON  []byte
	)

	err := row.Scan(
		&run.ID, &run.LoadRunID, &run.ExtractType, &run.SourceTable, &run.TargetTable,
		&run.StartedAt, &completedAt, &run.Status,
		&run.RowsRead, &run.RowsTransformed, &run.RowsRejected, &run.RowsDeduped,
		&runErr, &resultJSON,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	if runErr.Valid {
		run.Error = &runErr.String
	}

	run.ResultJSON = resultJSON

	return &run, nil
}

func checkRunFound(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil //nolint:nilerr // update succeeded; row count is advisory
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return nil
}
