package storage

import (
	"errors"
	"strconv"
	"strings"
)

// LineageFKColumn is the lineage foreign key present on every raw table.
const LineageFKColumn = "load_run_file_id"

// Sentinel errors for raw query construction.
var (
	ErrRawQueryNoTable   = errors.New("raw query requires a table")
	ErrRawQueryNoColumns = errors.New("raw query requires a column list")
	ErrRawQueryNoFileIDs = errors.New("raw query requires at least one file id")
)

type (
	// RawQuery builds parameterized SELECT, COUNT and cursor statements over
	// a raw table filtered by lineage FK. All parameters are positional and
	// counted deterministically so placeholder/argument mismatches cannot
	// occur.
	RawQuery struct {
		// Table is the raw table, e.g. "raw.patients".
		Table string

		// Columns is the declared raw column list (without the lineage FK).
		Columns []string

		// Where is an optional extra predicate ANDed onto the lineage
		// filter. It must not contain positional placeholders.
		Where string

		// OrderBy is an optional ORDER BY expression.
		OrderBy string
	}

	// Statement pairs rendered SQL with its positional parameters.
	Statement struct {
		SQL    string
		Params []any
	}
)

// Validate checks the query descriptor.
func (q *RawQuery) Validate() error {
	if q.Table == "" {
		return ErrRawQueryNoTable
	}

	if len(q.Columns) == 0 {
		return ErrRawQueryNoColumns
	}

	return nil
}

// Select builds a paginated SELECT over the raw table for the given lineage
// FKs. limit <= 0 omits the LIMIT clause; offset <= 0 omits OFFSET.
func (q *RawQuery) Select(fileIDs []string, limit, offset int) (*Statement, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	filter, params, err := lineageFilter(fileIDs)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder

	sb.WriteString("SELECT ")
	sb.WriteString(LineageFKColumn)
	sb.WriteString(", ")
	sb.WriteString(strings.Join(q.Columns, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(q.Table)
	sb.WriteString(" WHERE ")
	sb.WriteString(filter)

	if q.Where != "" {
		sb.WriteString(" AND (")
		sb.WriteString(q.Where)
		sb.WriteByte(')')
	}

	if q.OrderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(q.OrderBy)
	}

	if limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(limit))
	}

	if offset > 0 {
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(offset))
	}

	return &Statement{SQL: sb.String(), Params: params}, nil
}

// Count builds a COUNT(*) over the raw table for the given lineage FKs.
func (q *RawQuery) Count(fileIDs []string) (*Statement, error) {
	if q.Table == "" {
		return nil, ErrRawQueryNoTable
	}

	filter, params, err := lineageFilter(fileIDs)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder

	sb.WriteString("SELECT COUNT(*) FROM ")
	sb.WriteString(q.Table)
	sb.WriteString(" WHERE ")
	sb.WriteString(filter)

	if q.Where != "" {
		sb.WriteString(" AND (")
		sb.WriteString(q.Where)
		sb.WriteByte(')')
	}

	return &Statement{SQL: sb.String(), Params: params}, nil
}

// DeclareCursor builds the DECLARE statement of a server-side cursor over
// the full Select (no LIMIT/OFFSET), for large scans.
//
// Cursors require an enclosing transaction; pair with Fetch and CloseCursor
// on the same *sql.Tx.
func (q *RawQuery) DeclareCursor(name string, fileIDs []string) (*Statement, error) {
	sel, err := q.Select(fileIDs, 0, 0)
	if err != nil {
		return nil, err
	}

	return &Statement{
		SQL:    "DECLARE " + quoteIdent(name) + " NO SCROLL CURSOR FOR " + sel.SQL,
		Params: sel.Params,
	}, nil
}

// Fetch builds the FETCH statement pulling the next n rows from a cursor.
func Fetch(name string, n int) *Statement {
	return &Statement{
		SQL: "FETCH FORWARD " + strconv.Itoa(n) + " FROM " + quoteIdent(name),
	}
}

// CloseCursor builds the CLOSE statement for a cursor.
func CloseCursor(name string) *Statement {
	return &Statement{SQL: "CLOSE " + quoteIdent(name)}
}

// lineageFilter renders the load_run_file_id predicate: equality for a
// single FK, an IN list otherwise.
func lineageFilter(fileIDs []string) (string, []any, error) {
	if len(fileIDs) == 0 {
		return "", nil, ErrRawQueryNoFileIDs
	}

	if len(fileIDs) == 1 {
		return LineageFKColumn + " = $1", []any{fileIDs[0]}, nil
	}

	placeholders := make([]string, len(fileIDs))
	params := make([]any, len(fileIDs))

	for i, id := range fileIDs {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		params[i] = id
	}

	return LineageFKColumn + " IN (" + strings.Join(placeholders, ", ") + ")", params, nil
}

// quoteIdent double-quotes an identifier, escaping embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
