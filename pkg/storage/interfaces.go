package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Querier is the subset of *sql.DB and *sql.Tx the stores run their statements on.
// Binding a store to a *sql.Tx makes every read it performs part of that transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SnapshotTxOptions is used for multi-statement reads that must observe one
// consistent view of the database.
var SnapshotTxOptions = &sql.TxOptions{
	Isolation: sql.LevelRepeatableRead,
	ReadOnly:  true,
}

// WithTx runs fn inside a transaction, committing when fn returns nil and rolling
// back otherwise.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Config holds the persistence backend settings
type Config struct {
	// PostgreSQL config
	PostgresURL         string        `yaml:"database_url"`
	PostgresMaxConns    int           `yaml:"max_open_conns"`
	PostgresMinConns    int           `yaml:"max_idle_conns"`
	PostgresTimeout     time.Duration `yaml:"connect_timeout"`
	PostgresMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	PostgresMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresURL:         "postgres://localhost/imobiauth?sslmode=disable",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     5 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		RedisURL:            "redis://localhost:6379/0",
		RedisDB:             -1,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}
