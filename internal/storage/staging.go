package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LoadTSColumn is the load timestamp column present on every staging table.
const LoadTSColumn = "load_ts"

// Sentinel errors for staging loads.
var (
	ErrStagingInvalid = errors.New("invalid staging load")
	ErrStagingFailed  = errors.New("staging load failed")
)

type (
	// StagingRow is one transformed row ready for upsert, paired with the
	// lineage FK of the raw row it came from.
	StagingRow struct {
		LoadRunFileID string
		Values        map[string]any
	}

	// StagingLoader upserts transformed rows into a staging table keyed on
	// natural keys, stamping lineage and load timestamp onto every row.
	StagingLoader struct {
		loader *BatchLoader

		// TableName is the fully qualified staging table, e.g. "stg.patients".
		TableName string

		// Columns is the ordered target column list (without the lineage FK
		// and load timestamp, which are appended automatically).
		Columns []string

		// NaturalKeys is the conflict key set; must be a subset of Columns.
		NaturalKeys []string
	}
)

// NewStagingLoader creates a staging loader for one target table.
func NewStagingLoader(loader *BatchLoader, tableName string, columns, naturalKeys []string) (*StagingLoader, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: batch loader is nil", ErrStagingInvalid)
	}

	if tableName == "" {
		return nil, fmt.Errorf("%w: table name is empty", ErrStagingInvalid)
	}

	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: column list is empty", ErrStagingInvalid)
	}

	if len(naturalKeys) == 0 {
		return nil, fmt.Errorf("%w: natural key list is empty", ErrStagingInvalid)
	}

	for _, key := range naturalKeys {
		if !containsColumn(columns, key) {
			return nil, fmt.Errorf("%w: natural key %q is not a target column", ErrStagingInvalid, key)
		}
	}

	return &StagingLoader{
		loader:      loader,
		TableName:   tableName,
		Columns:     columns,
		NaturalKeys: naturalKeys,
	}, nil
}

// MaxRows returns the largest row count one upsert statement can carry,
// accounting for the appended lineage and load timestamp columns.
func (l *StagingLoader) MaxRows() int {
	return MaxRowsPerStatement(len(l.Columns) + 2)
}

// Upsert writes the rows as a single multi-row upsert keyed on the natural
// keys. Missing map entries become SQL NULL. The caller is responsible for
// splitting row sets larger than MaxRows.
func (l *StagingLoader) Upsert(ctx context.Context, rows []StagingRow, batchNumber int) (*BatchResult, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrStagingInvalid)
	}

	columns := make([]string, 0, len(l.Columns)+2)
	columns = append(columns, l.Columns...)
	columns = append(columns, LineageFKColumn, LoadTSColumn)

	loadTS := time.Now().UTC()
	values := make([][]any, len(rows))

	for i, row := range rows {
		rowValues := make([]any, 0, len(columns))

		for _, col := range l.Columns {
			rowValues = append(rowValues, row.Values[col])
		}

		rowValues = append(rowValues, nullableString(row.LoadRunFileID), loadTS)
		values[i] = rowValues
	}

	batch := &Batch{
		TableName:   l.TableName,
		Columns:     columns,
		Values:      values,
		BatchNumber: batchNumber,
	}

	result, err := l.loader.Upsert(ctx, batch, l.NaturalKeys)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrStagingFailed, err)
	}

	return result, nil
}
