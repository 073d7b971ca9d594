package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewWithClient(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestPutGetTouch(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Put(ctx, cache.Entry{
		Namespace: ledger.NamespaceAnalysis,
		Key:       "fp",
		Payload:   []byte(`{"a":1}`),
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Tokens:    10,
		Cost:      0.25,
	}))
	require.NoError(t, store.Touch(ctx, ledger.NamespaceAnalysis, "fp"))
	require.NoError(t, store.Touch(ctx, ledger.NamespaceAnalysis, "missing"))

	entry, err := store.Get(ctx, ledger.NamespaceAnalysis, "fp")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), entry.Payload)
	require.Equal(t, now.Add(time.Hour), entry.ExpiresAt)
	require.Equal(t, int64(1), entry.AccessCount)
	require.Equal(t, int64(10), entry.Tokens)
	require.InDelta(t, 0.25, entry.Cost, 1e-9)

	_, err = store.Get(ctx, ledger.NamespaceAnalysis, "missing")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestEntriesExpireWithKeyTTL(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.Put(ctx, cache.Entry{
		Namespace: ledger.NamespacePage,
		Key:       "https://example.com/",
		Payload:   []byte(`{}`),
		StoredAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, ledger.NamespacePage, "https://example.com/")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSummarizeAndClear(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, e := range []cache.Entry{
		{Namespace: ledger.NamespacePage, Key: "https://a.test/x", Payload: []byte(`{}`), StoredAt: now, ExpiresAt: now.Add(time.Hour)},
		{Namespace: ledger.NamespacePage, Key: "https://a.test/y", Payload: []byte(`{}`), StoredAt: now, ExpiresAt: now.Add(time.Hour)},
		{Namespace: ledger.NamespaceAnalysis, Key: "fp", Payload: []byte(`{}`), StoredAt: now, ExpiresAt: now.Add(time.Hour)},
	} {
		require.NoError(t, store.Put(ctx, e))
	}
	require.NoError(t, store.Touch(ctx, ledger.NamespacePage, "https://a.test/x"))

	sum, err := store.Summarize(ctx, now)
	require.NoError(t, err)
	require.Equal(t, cache.Summary{Pages: 2, Analyses: 1, Accesses: 1}, sum)

	require.NoError(t, store.Clear(ctx))
	sum, err = store.Summarize(ctx, now)
	require.NoError(t, err)
	require.Equal(t, cache.Summary{}, sum)
}
