package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Sentinel errors for connection management.
var (
	// ErrNoDatabaseConnection is returned when a store is constructed or
	// used without a live connection.
	ErrNoDatabaseConnection = errors.New("no database connection")
)

// Connection wraps the bounded *sql.DB pool and adds the transactional
// helper every multi-statement sequence in this package goes through.
//
// The zero value is unusable; construct with NewConnection or, in tests,
// with Connection{DB: db}.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled PostgreSQL connection using the given
// configuration and verifies connectivity with a bounded ping.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// HealthCheck verifies the database connection is healthy and ready to
// serve requests. Returns nil if healthy.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	if err := c.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Transact runs fn inside a transaction: BEGIN, fn, COMMIT on success,
// ROLLBACK on any error. The rollback after a successful commit is a no-op.
func (c *Connection) Transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
