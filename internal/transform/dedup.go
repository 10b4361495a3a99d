package transform

import (
	"strings"
	"time"
)

// Natural-key encoding. Components are joined with NUL so values containing
// separators cannot collide; NULL components use a distinct NUL-delimited
// sentinel so NULL never collides with the string "NULL".
const (
	keySeparator = "\x00"
	nullSentinel = "\x00\x01NULL\x01\x00"
)

// Row is one transformed row flowing through dedup and upsert, carrying its
// provenance for lineage stamping and rejection auditing.
type Row struct {
	// Index is the 0-based position within the batch; the dedup tie-break.
	Index int

	// RowNumber is the 1-based absolute row position within the extract.
	RowNumber int64

	// LoadRunFileID is the lineage FK of the raw row.
	LoadRunFileID string

	// Values is the transformed row keyed by target column.
	Values map[string]any
}

// NaturalKey builds the dedup key for a row from the handler's natural key
// columns.
func NaturalKey(values map[string]any, naturalKeys []string) string {
	parts := make([]string, len(naturalKeys))

	for i, col := range naturalKeys {
		value, ok := values[col]
		if !ok || value == nil {
			parts[i] = nullSentinel

			continue
		}

		parts[i] = stringify(value)
	}

	return strings.Join(parts, keySeparator)
}

// Deduplicate collapses rows sharing a natural key down to one survivor per
// key: the row with the maximum updatedAt, ties broken by the lowest batch
// index. Survivors keep their original relative order. The returned count
// is the number of rows dropped.
//
// Deterministic by construction: re-running the same batch yields the same
// survivors, which the staging upsert then makes idempotent.
func Deduplicate(rows []Row, naturalKeys []string, updatedAtColumn string) ([]Row, int64) {
	if len(rows) <= 1 || len(naturalKeys) == 0 {
		return rows, 0
	}

	survivors := make(map[string]int, len(rows))

	for i := range rows {
		key := NaturalKey(rows[i].Values, naturalKeys)

		current, seen := survivors[key]
		if !seen {
			survivors[key] = i

			continue
		}

		if newerThan(&rows[i], &rows[current], updatedAtColumn) {
			survivors[key] = i
		}
	}

	if len(survivors) == len(rows) {
		return rows, 0
	}

	kept := make([]Row, 0, len(survivors))

	for i := range rows {
		key := NaturalKey(rows[i].Values, naturalKeys)
		if survivors[key] == i {
			kept = append(kept, rows[i])
		}
	}

	return kept, int64(len(rows) - len(kept))
}

// newerThan reports whether candidate strictly beats current: a greater
// updatedAt wins; equal or incomparable values keep current, which is the
// lowest-index tie-break because candidates arrive in batch order.
func newerThan(candidate, current *Row, updatedAtColumn string) bool {
	if updatedAtColumn == "" {
		return false
	}

	candidateAt, okA := asTime(candidate.Values[updatedAtColumn])
	currentAt, okB := asTime(current.Values[updatedAtColumn])

	switch {
	case !okA:
		return false
	case !okB:
		return true
	default:
		return candidateAt.After(currentAt)
	}
}

func asTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := coerceTimestamp(v)

		return t, err == nil
	default:
		return time.Time{}, false
	}
}
