// Package db provides SQLite database access for Courier.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/opencode-ai/courier/internal/logging"
)

// DB wraps the sqlite connection used by all repositories.
type DB struct {
	*sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return open("file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
}

// OpenInMemory opens a private in-memory database, used in tests.
func OpenInMemory() (*DB, error) {
	return open("file::memory:?mode=memory&cache=shared&_pragma=foreign_keys(1)")
}

func open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent ledger writes.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: conn, logger: logging.Component("db")}, nil
}

// Migrate applies the schema. Safe to call repeatedly.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	d.logger.Debug().Msg("schema applied")
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_buckets (
	user_id    TEXT NOT NULL,
	lane       TEXT NOT NULL,
	day        TEXT NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, lane, day)
);

CREATE INDEX IF NOT EXISTS idx_usage_buckets_day ON usage_buckets(day);

CREATE TABLE IF NOT EXISTS ledger_profiles (
	user_id     TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'fresh',
	traits_json TEXT,
	version     INTEGER NOT NULL DEFAULT 1,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	type          TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	payload_json  TEXT,
	metadata_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp, id);
`
