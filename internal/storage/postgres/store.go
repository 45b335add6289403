// Package postgres provides the Postgres-backed job, event and quota store.
//
// The store expects three tables:
//
//	ad_jobs(id text primary key, tenant_id, requester_id, keyword, ads_requested,
//	        ads_imported, status, provider_run_id, dataset_id, raw_payload jsonb,
//	        payload_uri, classified jsonb, result jsonb, note, error_text,
//	        created_at, updated_at, started_at, callback_at, finished_at)
//	webhook_events(event_id text primary key, job_id, event_type, kind, run_id,
//	        dataset_id, message, received_at)
//	tenant_quotas(tenant_id text primary key, plan, monthly_limit, used,
//	        period_start, updated_at)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/adintel/internal/jobs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	jobsTable   = "ad_jobs"
	eventsTable = "webhook_events"
	quotasTable = "tenant_quotas"

	uniqueViolation = "23505"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements jobs.Store on Postgres.
type Store struct {
	pool Pool
	now  func() time.Time
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, clock jobs.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, clock jobs.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
	if clock != nil {
		s.now = clock.Now
	}
	return s, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
