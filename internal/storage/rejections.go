package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// RejectionTable is the audit table for rows excluded from staging.
const RejectionTable = "etl.staging_rejections"

// maxSummarySamples bounds the example rejections carried in a summary.
const maxSummarySamples = 10

// ErrRejectionStoreFailed is returned when a rejection audit operation fails.
var ErrRejectionStoreFailed = errors.New("rejection store operation failed")

type (
	// FailureDetail is one recorded validation or transformation failure.
	FailureDetail struct {
		Column   string `json:"column"`
		Rule     string `json:"rule,omitempty"`
		Message  string `json:"message"`
		Severity string `json:"severity,omitempty"`
	}

	// Rejection is one audited row exclusion. The raw row is stored as JSON
	// so a rejected row can be inspected without the source file.
	Rejection struct {
		LoadRunID    string
		StagingRunID string
		ExtractType  string
		RowNumber    *int64
		SourceRowID  *string
		Reason       string
		Failures     []FailureDetail
		RawData      map[string]any
		RejectedAt   time.Time
	}

	// RejectionSummary aggregates a run's rejections for the run result.
	RejectionSummary struct {
		Total    int64            `json:"total"`
		ByReason map[string]int64 `json:"by_reason,omitempty"`
		ByColumn map[string]int64 `json:"by_column,omitempty"`
		Samples  []Rejection      `json:"samples,omitempty"`
	}

	// RejectionStore persists rejection audit rows via the batch loader.
	RejectionStore struct {
		conn   *Connection
		loader *BatchLoader
	}
)

var rejectionColumns = []string{
	"load_run_id",
	"staging_run_id",
	"extract_type",
	"row_number",
	"source_row_id",
	"rejection_reason",
	"validation_failures",
	"raw_data",
	"rejected_at",
}

// NewRejectionStore creates a rejection store over an existing connection.
func NewRejectionStore(conn *Connection, loader *BatchLoader) (*RejectionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if loader == nil {
		return nil, fmt.Errorf("%w: batch loader is nil", ErrRejectionStoreFailed)
	}

	return &RejectionStore{conn: conn, loader: loader}, nil
}

// EnsureTable creates the rejection audit table and its indexes if they do
// not exist. Called once per transformation run before the batch loop.
func (s *RejectionStore) EnsureTable(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + RejectionTable + ` (
			rejection_id BIGSERIAL PRIMARY KEY,
			load_run_id UUID NOT NULL,
			staging_run_id UUID,
			extract_type TEXT NOT NULL,
			row_number BIGINT,
			source_row_id TEXT,
			rejection_reason TEXT NOT NULL,
			validation_failures JSONB,
			raw_data JSONB,
			rejected_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_staging_rejections_load_run
			ON ` + RejectionTable + ` (load_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_staging_rejections_extract_type
			ON ` + RejectionTable + ` (extract_type)`,
		`CREATE INDEX IF NOT EXISTS idx_staging_rejections_rejected_at
			ON ` + RejectionTable + ` (rejected_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure table: %w", ErrRejectionStoreFailed, err)
		}
	}

	return nil
}

// Insert writes rejections in parameter-budget sized chunks. A zero-length
// slice is a no-op.
func (s *RejectionStore) Insert(ctx context.Context, rejections []Rejection) error {
	if len(rejections) == 0 {
		return nil
	}

	chunkRows := MaxRowsPerStatement(len(rejectionColumns))
	batchNumber := 0

	for start := 0; start < len(rejections); start += chunkRows {
		end := start + chunkRows
		if end > len(rejections) {
			end = len(rejections)
		}

		batchNumber++

		chunk := rejections[start:end]
		values := make([][]any, len(chunk))

		for i, r := range chunk {
			row, err := rejectionRow(r)
			if err != nil {
				return err
			}

			values[i] = row
		}

		batch := &Batch{
			TableName:   RejectionTable,
			Columns:     rejectionColumns,
			Values:      values,
			BatchNumber: batchNumber,
		}

		if _, err := s.loader.Insert(ctx, batch); err != nil {
			return fmt.Errorf("%w: insert chunk %d: %w", ErrRejectionStoreFailed, batchNumber, err)
		}
	}

	return nil
}

// CountForRun returns the number of audited rejections for a staging run.
func (s *RejectionStore) CountForRun(ctx context.Context, stagingRunID string) (int64, error) {
	query := `SELECT COUNT(*) FROM ` + RejectionTable + ` WHERE staging_run_id = $1`

	var count int64
	if err := s.conn.QueryRowContext(ctx, query, stagingRunID).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count for run: %w", ErrRejectionStoreFailed, err)
	}

	return count, nil
}

func rejectionRow(r Rejection) ([]any, error) {
	rejectedAt := r.RejectedAt
	if rejectedAt.IsZero() {
		rejectedAt = time.Now().UTC()
	}

	var (
		failuresJSON any
		rawJSON      any
	)

	if len(r.Failures) > 0 {
		data, err := json.Marshal(r.Failures)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal failures: %w", ErrRejectionStoreFailed, err)
		}

		failuresJSON = data
	}

	if r.RawData != nil {
		data, err := json.Marshal(r.RawData)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal raw data: %w", ErrRejectionStoreFailed, err)
		}

		rawJSON = data
	}

	return []any{
		r.LoadRunID,
		nullableString(r.StagingRunID),
		r.ExtractType,
		nullableInt64(r.RowNumber),
		nullableStringPtr(r.SourceRowID),
		r.Reason,
		failuresJSON,
		rawJSON,
		rejectedAt,
	}, nil
}

// Summarize aggregates rejections by reason and failed column and keeps a
// bounded set of samples for the run result.
func Summarize(rejections []Rejection) *RejectionSummary {
	summary := &RejectionSummary{Total: int64(len(rejections))}

	if len(rejections) == 0 {
		return summary
	}

	summary.ByReason = make(map[string]int64)
	summary.ByColumn = make(map[string]int64)

	for _, r := range rejections {
		summary.ByReason[r.Reason]++

		for _, f := range r.Failures {
			if f.Column != "" {
				summary.ByColumn[f.Column]++
			}
		}
	}

	sampleCount := len(rejections)
	if sampleCount > maxSummarySamples {
		sampleCount = maxSummarySamples
	}

	summary.Samples = make([]Rejection, sampleCount)
	copy(summary.Samples, rejections[:sampleCount])

	return summary
}

// TopReasons returns the rejection reasons ordered by descending count,
// ties broken alphabetically.
func (s *RejectionSummary) TopReasons(n int) []string {
	reasons := make([]string, 0, len(s.ByReason))
	for reason := range s.ByReason {
		reasons = append(reasons, reason)
	}

	sort.Slice(reasons, func(i, j int) bool {
		if s.ByReason[reasons[i]] != s.ByReason[reasons[j]] {
			return s.ByReason[reasons[i]] > s.ByReason[reasons[j]]
		}

		return reasons[i] < reasons[j]
	})

	if n > 0 && len(reasons) > n {
		reasons = reasons[:n]
	}

	return reasons
}

// ShouldStopOnRejectionRate reports whether the rejection rate has crossed
// the configured ceiling. A non-positive ceiling disables the check; the
// rate is evaluated against rows seen so far, so a run can trip mid-stream.
func ShouldStopOnRejectionRate(totalRows, rejectedRows int64, maxPercent float64) bool {
	if maxPercent <= 0 || totalRows == 0 {
		return false
	}

	return float64(rejectedRows)/float64(totalRows)*100 > maxPercent
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}

	return *s
}

func nullableInt64(n *int64) any {
	if n == nil {
		return nil
	}

	return *n
}
