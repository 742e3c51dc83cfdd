package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened database handle
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
    id           BIGSERIAL PRIMARY KEY,
    device_id    TEXT NOT NULL,
    cmd          TEXT NOT NULL,
    payload_name TEXT NOT NULL,
    value        JSONB NOT NULL,
    ts           BIGINT NOT NULL,
    source_topic TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS telemetry_device_ts_idx ON telemetry (device_id, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS telemetry_cmd_ts_idx ON telemetry (cmd, ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS cmd_stats (
    device_id       TEXT NOT NULL,
    cmd             TEXT NOT NULL,
    real_time_count BIGINT NOT NULL DEFAULT 0,
    missed_count    BIGINT NOT NULL DEFAULT 0,
    last_seen       TIMESTAMPTZ,
    PRIMARY KEY (device_id, cmd)
);

CREATE TABLE IF NOT EXISTS dispatch_logs (
    id         UUID PRIMARY KEY,
    device_id  TEXT NOT NULL,
    action     TEXT NOT NULL,
    hex        TEXT NOT NULL DEFAULT '',
    topic      TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    operator   TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE dispatch_logs ADD COLUMN IF NOT EXISTS operator TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS dispatch_logs_device_idx ON dispatch_logs (device_id, created_at DESC);
`

// Migrate creates the tables used by the store
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (*PostgresStore, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

var _ Store = (*PostgresStore)(nil)
