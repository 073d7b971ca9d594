package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

func TestPutUpsertsEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "cache_entries")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	entry := cache.Entry{
		Namespace: ledger.NamespaceAnalysis,
		Key:       "fp-1",
		Payload:   []byte(`{"analysis":{}}`),
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Tokens:    42,
		Cost:      0.001,
	}

	mock.ExpectExec("INSERT INTO cache_entries").
		WithArgs("analysis", "fp-1", entry.Payload, entry.StoredAt, entry.ExpiresAt, int64(42), 0.001).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Put(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload").
		WithArgs("page", "https://example.com/").
		WillReturnRows(pgxmock.NewRows([]string{"payload", "stored_at", "expires_at", "access_count", "tokens", "cost"}))

	_, err = store.Get(context.Background(), ledger.NamespacePage, "https://example.com/")
	require.ErrorIs(t, err, cache.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScansEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"payload", "stored_at", "expires_at", "access_count", "tokens", "cost"}).
		AddRow([]byte(`{}`), now, now.Add(time.Hour), int64(3), int64(0), 0.0)
	mock.ExpectQuery("SELECT payload").
		WithArgs("page", "https://example.com/").
		WillReturnRows(rows)

	entry, err := store.Get(context.Background(), ledger.NamespacePage, "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, int64(3), entry.AccessCount)
	require.Equal(t, now.Add(time.Hour), entry.ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredReturnsRowCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM cache_entries WHERE expires_at").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := store.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "cache; DROP TABLE x")
	require.Error(t, err)
}
