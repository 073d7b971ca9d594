// Package sqlite stores cache entries in a single SQLite file, the default
// backend for a single-node deployment.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

//go:embed schema.sql
var schemaSQL string

// Store is a cache.Store on database/sql with the modernc driver.
type Store struct {
	db *sql.DB
}

var _ cache.Store = (*Store)(nil)

// Open creates the database file if needed and applies the schema. Use
// ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, ns ledger.Namespace, key string) (cache.Entry, error) {
	const q = `SELECT payload, stored_at, expires_at, access_count, tokens, cost
		FROM cache_entries WHERE namespace = ? AND key = ?`
	var (
		entry             = cache.Entry{Namespace: ns, Key: key}
		storedAt, expires int64
	)
	err := s.db.QueryRowContext(ctx, q, string(ns), key).Scan(
		&entry.Payload, &storedAt, &expires, &entry.AccessCount, &entry.Tokens, &entry.Cost,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, cache.ErrNotFound
	}
	if err != nil {
		return cache.Entry{}, err
	}
	entry.StoredAt = time.UnixMilli(storedAt).UTC()
	entry.ExpiresAt = time.UnixMilli(expires).UTC()
	return entry, nil
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	const q = `INSERT INTO cache_entries (namespace, key, payload, stored_at, expires_at, tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			payload = excluded.payload,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at,
			tokens = excluded.tokens,
			cost = excluded.cost`
	_, err := s.db.ExecContext(ctx, q,
		string(entry.Namespace), entry.Key, entry.Payload,
		entry.StoredAt.UnixMilli(), entry.ExpiresAt.UnixMilli(),
		entry.Tokens, entry.Cost,
	)
	return err
}

// Touch implements cache.Store.
func (s *Store) Touch(ctx context.Context, ns ledger.Namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1 WHERE namespace = ? AND key = ?`,
		string(ns), key)
	return err
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Clear implements cache.Store.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

// Summarize implements cache.Store.
func (s *Store) Summarize(ctx context.Context, now time.Time) (cache.Summary, error) {
	const q = `SELECT
			COALESCE(SUM(CASE WHEN namespace = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN namespace = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(access_count), 0)
		FROM cache_entries WHERE expires_at > ?`
	var sum cache.Summary
	err := s.db.QueryRowContext(ctx, q,
		string(ledger.NamespacePage), string(ledger.NamespaceAnalysis), now.UnixMilli(),
	).Scan(&sum.Pages, &sum.Analyses, &sum.Accesses)
	return sum, err
}

// Close implements cache.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
