// Package badger stores cache entries in an embedded Badger database through
// badgerhold.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

// record is the badgerhold document for one entry.
type record struct {
	ID          string
	Namespace   string `badgerhold:"index"`
	Key         string
	Payload     []byte
	StoredAt    time.Time
	ExpiresAt   time.Time
	AccessCount int64
	Tokens      int64
	Cost        float64
}

func recordID(ns ledger.Namespace, key string) string {
	return string(ns) + ":" + key
}

// Store is a cache.Store on badgerhold.
type Store struct {
	// mu serializes read-modify-write sequences so access counts are not lost.
	mu    sync.Mutex
	store *badgerhold.Store
}

var _ cache.Store = (*Store)(nil)

// Open opens or creates the database directory at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil
	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{store: store}, nil
}

func (s *Store) get(id string) (record, error) {
	var rec record
	if err := s.store.Get(id, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return record{}, cache.ErrNotFound
		}
		return record{}, fmt.Errorf("get entry: %w", err)
	}
	return rec, nil
}

// Get implements cache.Store.
func (s *Store) Get(_ context.Context, ns ledger.Namespace, key string) (cache.Entry, error) {
	rec, err := s.get(recordID(ns, key))
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{
		Namespace:   ledger.Namespace(rec.Namespace),
		Key:         rec.Key,
		Payload:     rec.Payload,
		StoredAt:    rec.StoredAt,
		ExpiresAt:   rec.ExpiresAt,
		AccessCount: rec.AccessCount,
		Tokens:      rec.Tokens,
		Cost:        rec.Cost,
	}, nil
}

// Put implements cache.Store.
func (s *Store) Put(_ context.Context, entry cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := recordID(entry.Namespace, entry.Key)
	rec := record{
		ID:        id,
		Namespace: string(entry.Namespace),
		Key:       entry.Key,
		Payload:   entry.Payload,
		StoredAt:  entry.StoredAt,
		ExpiresAt: entry.ExpiresAt,
		Tokens:    entry.Tokens,
		Cost:      entry.Cost,
	}
	if prev, err := s.get(id); err == nil {
		rec.AccessCount = prev.AccessCount
	}
	if err := s.store.Upsert(id, rec); err != nil {
		return fmt.Errorf("save entry: %w", err)
	}
	return nil
}

// Touch implements cache.Store.
func (s *Store) Touch(_ context.Context, ns ledger.Namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := recordID(ns, key)
	rec, err := s.get(id)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.AccessCount++
	if err := s.store.Upsert(id, rec); err != nil {
		return fmt.Errorf("save entry: %w", err)
	}
	return nil
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := badgerhold.Where("ExpiresAt").Le(now)
	count, err := s.store.Count(&record{}, query)
	if err != nil {
		return 0, fmt.Errorf("count expired entries: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.store.DeleteMatching(&record{}, badgerhold.Where("ExpiresAt").Le(now)); err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	return int64(count), nil
}

// Clear implements cache.Store.
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteMatching(&record{}, nil); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

// Summarize implements cache.Store.
func (s *Store) Summarize(_ context.Context, now time.Time) (cache.Summary, error) {
	var live []record
	if err := s.store.Find(&live, badgerhold.Where("ExpiresAt").Gt(now)); err != nil {
		return cache.Summary{}, fmt.Errorf("scan entries: %w", err)
	}
	var sum cache.Summary
	for _, rec := range live {
		switch ledger.Namespace(rec.Namespace) {
		case ledger.NamespacePage:
			sum.Pages++
		case ledger.NamespaceAnalysis:
			sum.Analyses++
		}
		sum.Accesses += rec.AccessCount
	}
	return sum, nil
}

// Close implements cache.Store.
func (s *Store) Close() error {
	return s.store.Close()
}
