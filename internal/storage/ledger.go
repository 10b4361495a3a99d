package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medflow-io/medflow/internal/extract"
)

// Sentinel errors for ledger operations.
var (
	// ErrLedgerFailed is returned when a ledger operation fails.
	ErrLedgerFailed = errors.New("file ledger operation failed")

	// ErrLedgerEntryNotFound is returned when a ledger entry id is unknown.
	ErrLedgerEntryNotFound = errors.New("file ledger entry not found")
)

type (
	// FileLedger is the per-file idempotency ledger backed by
	// etl.load_run_files. One row is created per (file, load run) attempt;
	// a file counts as ingested once any of its rows is marked processed.
	//
	// The ledger row id is the lineage FK stamped onto every raw row.
	FileLedger struct {
		conn *Connection
	}

	// LedgerEntry is the stored state of one file load attempt.
	LedgerEntry struct {
		ID          string
		LoadRunID   string
		ExtractType string
		IsProcessed bool
		ProcessedAt *time.Time
		RowCount    *int64
		LastError   *string
	}
)

// NewFileLedger creates a ledger over an existing connection.
func NewFileLedger(conn *Connection) (*FileLedger, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &FileLedger{conn: conn}, nil
}

// IsProcessed reports whether the file, keyed by
// (bucket, key, versionId, contentHash), has a completed ledger entry.
func (l *FileLedger) IsProcessed(ctx context.Context, file *extract.FileDescriptor) (bool, error) {
	query := `
		SELECT 1 FROM etl.load_run_files
		WHERE bucket = $1
		  AND object_key = $2
		  AND version_id = $3
		  AND content_hash = $4
		  AND is_processed
		LIMIT 1
	`

	var exists int

	err := l.conn.QueryRowContext(ctx, query,
		file.Bucket, file.Key, file.VersionID, file.ContentHash,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: idempotency check: %w", ErrLedgerFailed, err)
	}

	return true, nil
}

// Begin records a new file load attempt and returns the ledger entry id
// used as the lineage FK for the file's raw rows.
func (l *FileLedger) Begin(ctx context.Context, lineage extract.Lineage) (string, error) {
	id := uuid.NewString()

	query := `
		INSERT INTO etl.load_run_files (
			id,
			load_run_id,
			bucket,
			object_key,
			version_id,
			content_hash,
			extracted_date,
			extract_type,
			load_ts,
			is_processed,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, NOW())
	`

	_, err := l.conn.ExecContext(ctx, query,
		id,
		lineage.LoadRunID,
		lineage.Bucket,
		lineage.Key,
		lineage.VersionID,
		lineage.ContentHash,
		lineage.ExtractedDate,
		lineage.ExtractType,
		lineage.LoadTS,
	)
	if err != nil {
		return "", fmt.Errorf("%w: begin entry: %w", ErrLedgerFailed, err)
	}

	return id, nil
}

// MarkCompleted flips the entry to processed with its final row count.
// Only written after the last batch of the file has committed, so a crash
// mid-file leaves the entry incomplete and the file eligible for re-run.
func (l *FileLedger) MarkCompleted(ctx context.Context, entryID string, rowCount int64) error {
	query := `
		UPDATE etl.load_run_files
		SET is_processed = TRUE,
		    processed_at = NOW(),
		    row_count = $2,
		    last_error = NULL
		WHERE id = $1
	`

	res, err := l.conn.ExecContext(ctx, query, entryID, rowCount)
	if err != nil {
		return fmt.Errorf("%w: mark completed: %w", ErrLedgerFailed, err)
	}

	return checkEntryFound(res, entryID)
}

// MarkError records the failure message on the entry without marking it
// processed.
func (l *FileLedger) MarkError(ctx context.Context, entryID string, loadErr error) error {
	query := `
		UPDATE etl.load_run_files
		SET last_error = $2
		WHERE id = $1
	`

	res, err := l.conn.ExecContext(ctx, query, entryID, loadErr.Error())
	if err != nil {
		return fmt.Errorf("%w: mark error: %w", ErrLedgerFailed, err)
	}

	return checkEntryFound(res, entryID)
}

// Entry fetches a ledger entry by id.
func (l *FileLedger) Entry(ctx context.Context, entryID string) (*LedgerEntry, error) {
	query := `
		SELECT id, load_run_id, extract_type, is_processed, processed_at, row_count, last_error
		FROM etl.load_run_files
		WHERE id = $1
	`

	var (
		entry       LedgerEntry
		processedAt sql.NullTime
		rowCount    sql.NullInt64
		lastError   sql.NullString
	)

	err := l.conn.QueryRowContext(ctx, query, entryID).Scan(
		&entry.ID,
		&entry.LoadRunID,
		&entry.ExtractType,
		&entry.IsProcessed,
		&processedAt,
		&rowCount,
		&lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLedgerEntryNotFound, entryID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: fetch entry: %w", ErrLedgerFailed, err)
	}

	if processedAt.Valid {
		entry.ProcessedAt = &processedAt.Time
	}

	if rowCount.Valid {
		entry.RowCount = &rowCount.Int64
	}

	if lastError.Valid {
		entry.LastError = &lastError.String
	}

	return &entry, nil
}

// CompletedEntryIDs returns the processed ledger entry ids for an extract
// type under a load run, i.e. the lineage FKs the staging transformer
// should read.
func (l *FileLedger) CompletedEntryIDs(ctx context.Context, loadRunID, extractType string) ([]string, error) {
	query := `
		SELECT id FROM etl.load_run_files
		WHERE load_run_id = $1
		  AND extract_type = $2
		  AND is_processed
		ORDER BY created_at
	`

	rows, err := l.conn.QueryContext(ctx, query, loadRunID, extractType)
	if err != nil {
		return nil, fmt.Errorf("%w: list completed entries: %w", ErrLedgerFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan entry id: %w", ErrLedgerFailed, err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %w", ErrLedgerFailed, err)
	}

	return ids, nil
}

func checkEntryFound(res sql.Result, entryID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil //nolint:nilerr // update succeeded; row count is advisory
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLedgerEntryNotFound, entryID)
	}

	return nil
}
