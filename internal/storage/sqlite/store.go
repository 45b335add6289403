// Package sqlite provides an embedded, durable jobs.Store for single-node
// deployments. It uses the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/adintel/internal/jobs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const schema = `
CREATE TABLE IF NOT EXISTS ad_jobs (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	requester_id    TEXT NOT NULL DEFAULT '',
	keyword         TEXT NOT NULL,
	ads_requested   INTEGER NOT NULL,
	ads_imported    INTEGER NOT NULL,
	status          TEXT NOT NULL,
	provider_run_id TEXT NOT NULL DEFAULT '',
	dataset_id      TEXT NOT NULL DEFAULT '',
	raw_payload     BLOB,
	payload_uri     TEXT NOT NULL DEFAULT '',
	classified      BLOB,
	result          BLOB,
	note            TEXT NOT NULL DEFAULT '',
	error_text      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	started_at      INTEGER,
	callback_at     INTEGER,
	finished_at     INTEGER
);
CREATE INDEX IF NOT EXISTS ad_jobs_status_updated ON ad_jobs (status, updated_at);
CREATE TABLE IF NOT EXISTS webhook_events (
	event_id    TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	run_id      TEXT NOT NULL DEFAULT '',
	dataset_id  TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	received_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id     TEXT PRIMARY KEY,
	plan          TEXT NOT NULL,
	monthly_limit INTEGER NOT NULL,
	used          INTEGER NOT NULL DEFAULT 0,
	period_start  INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);`

// Store implements jobs.Store on a SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, clock jobs.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if clock != nil {
		s.now = clock.Now
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	// Databases created before callback tracking lack the column.
	if _, err := s.db.ExecContext(ctx, "ALTER TABLE ad_jobs ADD COLUMN callback_at INTEGER"); err != nil &&
		!strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add callback_at column: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
