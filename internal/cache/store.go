package cache

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

// ErrNotFound is returned by a Store when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one persisted cache record.
type Entry struct {
	Namespace   ledger.Namespace `json:"namespace"`
	Key         string           `json:"key"`
	Payload     []byte           `json:"payload"`
	StoredAt    time.Time        `json:"stored_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	AccessCount int64            `json:"access_count"`
	Tokens      int64            `json:"tokens"`
	Cost        float64          `json:"cost"`
}

// Expired reports whether the entry must no longer be served at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Summary counts live entries per namespace.
type Summary struct {
	Pages    int64
	Analyses int64
	Accesses int64
}

// Store is the persistence boundary of the cache. Implementations serialize
// concurrent writes to the same key (last writer wins) and may keep expired
// rows until DeleteExpired runs; the Cache never serves them.
type Store interface {
	Get(ctx context.Context, ns ledger.Namespace, key string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Touch(ctx context.Context, ns ledger.Namespace, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Clear(ctx context.Context) error
	Summarize(ctx context.Context, now time.Time) (Summary, error)
	Close() error
}
