// Package postgres stores cache entries in Postgres so that several crawler
// instances can share one cache.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and target table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store is a cache.Store on a pgx pool.
type Store struct {
	pool  querier
	table string
}

var _ cache.Store = (*Store)(nil)

// Open connects to Postgres and creates the table when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("cache.postgres.dsn is required")
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
	store, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a store on an existing pool without touching the schema.
func NewWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "cache_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	namespace    TEXT             NOT NULL,
	key          TEXT             NOT NULL,
	payload      BYTEA            NOT NULL,
	stored_at    TIMESTAMPTZ      NOT NULL,
	expires_at   TIMESTAMPTZ      NOT NULL,
	access_count BIGINT           NOT NULL DEFAULT 0,
	tokens       BIGINT           NOT NULL DEFAULT 0,
	cost         DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, ns ledger.Namespace, key string) (cache.Entry, error) {
	query := fmt.Sprintf(`
SELECT payload, stored_at, expires_at, access_count, tokens, cost
FROM %s WHERE namespace = $1 AND key = $2`, s.table)
	entry := cache.Entry{Namespace: ns, Key: key}
	err := s.pool.QueryRow(ctx, query, string(ns), key).Scan(
		&entry.Payload, &entry.StoredAt, &entry.ExpiresAt, &entry.AccessCount, &entry.Tokens, &entry.Cost,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Entry{}, cache.ErrNotFound
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("select entry: %w", err)
	}
	return entry, nil
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (namespace, key, payload, stored_at, expires_at, tokens, cost)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (namespace, key) DO UPDATE SET
	payload = EXCLUDED.payload,
	stored_at = EXCLUDED.stored_at,
	expires_at = EXCLUDED.expires_at,
	tokens = EXCLUDED.tokens,
	cost = EXCLUDED.cost`, s.table)
	_, err := s.pool.Exec(ctx, query,
		string(entry.Namespace), entry.Key, entry.Payload,
		entry.StoredAt, entry.ExpiresAt, entry.Tokens, entry.Cost,
	)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// Touch implements cache.Store.
func (s *Store) Touch(ctx context.Context, ns ledger.Namespace, key string) error {
	query := fmt.Sprintf(`UPDATE %s SET access_count = access_count + 1 WHERE namespace = $1 AND key = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, string(ns), key); err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	return nil
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Clear implements cache.Store.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

// Summarize implements cache.Store.
func (s *Store) Summarize(ctx context.Context, now time.Time) (cache.Summary, error) {
	query := fmt.Sprintf(`
SELECT
	COUNT(*) FILTER (WHERE namespace = $1),
	COUNT(*) FILTER (WHERE namespace = $2),
	COALESCE(SUM(access_count), 0)
FROM %s WHERE expires_at > $3`, s.table)
	var sum cache.Summary
	err := s.pool.QueryRow(ctx, query,
		string(ledger.NamespacePage), string(ledger.NamespaceAnalysis), now,
	).Scan(&sum.Pages, &sum.Analyses, &sum.Accesses)
	if err != nil {
		return cache.Summary{}, fmt.Errorf("summarize entries: %w", err)
	}
	return sum, nil
}

// Close implements cache.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
