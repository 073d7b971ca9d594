// Package memory provides an in-process cache store for tests and single-run
// CLI usage.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

type key struct {
	ns  ledger.Namespace
	key string
}

// Store keeps entries in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	entries map[key]cache.Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[key]cache.Entry)}
}

var _ cache.Store = (*Store)(nil)

// Get implements cache.Store.
func (s *Store) Get(_ context.Context, ns ledger.Namespace, k string) (cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key{ns, k}]
	if !ok {
		return cache.Entry{}, cache.ErrNotFound
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	return entry, nil
}

// Put implements cache.Store. Access counts survive overwrites.
func (s *Store) Put(_ context.Context, entry cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := key{entry.Namespace, entry.Key}
	if prev, ok := s.entries[id]; ok {
		entry.AccessCount = prev.AccessCount
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.entries[id] = entry
	return nil
}

// Touch implements cache.Store.
func (s *Store) Touch(_ context.Context, ns ledger.Namespace, k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := key{ns, k}
	if entry, ok := s.entries[id]; ok {
		entry.AccessCount++
		s.entries[id] = entry
	}
	return nil
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Clear implements cache.Store.
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	return nil
}

// Summarize implements cache.Store.
func (s *Store) Summarize(_ context.Context, now time.Time) (cache.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum cache.Summary
	for _, entry := range s.entries {
		if entry.Expired(now) {
			continue
		}
		switch entry.Namespace {
		case ledger.NamespacePage:
			sum.Pages++
		case ledger.NamespaceAnalysis:
			sum.Analyses++
		}
		sum.Accesses += entry.AccessCount
	}
	return sum, nil
}

// Close implements cache.Store.
func (s *Store) Close() error { return nil }
