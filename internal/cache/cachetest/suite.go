// Package cachetest holds behavior checks shared by every cache.Store backend.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

// RunStoreSuite exercises a fresh store returned by newStore for each case.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) cache.Store) {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), ledger.NamespacePage, "nope")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("put overwrites and keeps access count", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		entry := cache.Entry{
			Namespace: ledger.NamespaceAnalysis,
			Key:       "fp",
			Payload:   []byte(`{"v":1}`),
			StoredAt:  base,
			ExpiresAt: base.Add(time.Hour),
			Tokens:    5,
			Cost:      0.5,
		}
		require.NoError(t, store.Put(ctx, entry))
		require.NoError(t, store.Touch(ctx, entry.Namespace, entry.Key))

		entry.Payload = []byte(`{"v":2}`)
		entry.Tokens = 7
		require.NoError(t, store.Put(ctx, entry))

		got, err := store.Get(ctx, entry.Namespace, entry.Key)
		require.NoError(t, err)
		require.Equal(t, []byte(`{"v":2}`), got.Payload)
		require.Equal(t, int64(7), got.Tokens)
		require.Equal(t, int64(1), got.AccessCount)
		require.True(t, got.ExpiresAt.Equal(base.Add(time.Hour)))
	})

	t.Run("namespaces are independent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, cache.Entry{
			Namespace: ledger.NamespacePage, Key: "k", Payload: []byte("page"),
			StoredAt: base, ExpiresAt: base.Add(time.Hour),
		}))
		_, err := store.Get(ctx, ledger.NamespaceAnalysis, "k")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("delete expired and summarize", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		entries := []cache.Entry{
			{Namespace: ledger.NamespacePage, Key: "old", Payload: []byte("x"), StoredAt: base, ExpiresAt: base.Add(time.Minute)},
			{Namespace: ledger.NamespacePage, Key: "new", Payload: []byte("x"), StoredAt: base, ExpiresAt: base.Add(time.Hour)},
			{Namespace: ledger.NamespaceAnalysis, Key: "fp", Payload: []byte("x"), StoredAt: base, ExpiresAt: base.Add(time.Hour)},
		}
		for _, e := range entries {
			require.NoError(t, store.Put(ctx, e))
		}
		require.NoError(t, store.Touch(ctx, ledger.NamespacePage, "new"))
		require.NoError(t, store.Touch(ctx, ledger.NamespacePage, "new"))

		later := base.Add(10 * time.Minute)
		sum, err := store.Summarize(ctx, later)
		require.NoError(t, err)
		require.Equal(t, cache.Summary{Pages: 1, Analyses: 1, Accesses: 2}, sum)

		n, err := store.DeleteExpired(ctx, later)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		_, err = store.Get(ctx, ledger.NamespacePage, "old")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("clear", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, cache.Entry{
			Namespace: ledger.NamespacePage, Key: "k", Payload: []byte("x"),
			StoredAt: base, ExpiresAt: base.Add(time.Hour),
		}))
		require.NoError(t, store.Clear(ctx))
		sum, err := store.Summarize(ctx, base)
		require.NoError(t, err)
		require.Zero(t, sum)
	})
}
