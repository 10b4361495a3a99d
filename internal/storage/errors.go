package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// IsConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for robust detection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Check PostgreSQL error codes (Class 08 = Connection Exception)
	// Per PostgreSQL documentation, all 08xxx errors are connection-related:
	//   08000 - connection_exception
	//   08003 - connection_does_not_exist
	//   08006 - connection_failure
	//   08001 - sqlclient_unable_to_establish_sqlconnection
	//   08004 - sqlserver_rejected_establishment_of_sqlconnection
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	// Check standard database/sql connection errors
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// IsTransientError reports whether a database error is worth retrying:
// connection failures, serialization failures, deadlocks, resource
// exhaustion and statement timeouts.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if IsConnectionError(err) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	code := string(pqErr.Code)

	switch code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	case "57014": // query_canceled (statement_timeout)
		return true
	}

	// Class 53 = Insufficient Resources (too many connections, out of memory)
	return strings.HasPrefix(code, "53")
}

// IsConstraintViolation reports whether an error is a PostgreSQL integrity
// constraint violation (Class 23). These are permanent: retrying the same
// batch cannot succeed.
func IsConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "23")
	}

	return false
}
