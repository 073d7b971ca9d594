package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "reports/site.csv", "text/csv", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://reports/site.csv" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored := string(store.data["reports/site.csv"])
	if stored != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreOpenAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	if _, err := store.PutObject(ctx, "a.xlsx", "", bytes.NewReader([]byte("xlsx"))); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}

	rc, err := store.OpenObject(ctx, "a.xlsx")
	if err != nil {
		t.Fatalf("OpenObject() error = %v", err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	_ = rc.Close()
	if string(got) != "xlsx" {
		t.Fatalf("unexpected body %q", got)
	}

	if err := store.DeleteObject(ctx, "a.xlsx"); err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if _, err := store.OpenObject(ctx, "a.xlsx"); !errors.Is(err, crawler.ErrObjectNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "a.xlsx"); !errors.Is(err, crawler.ErrObjectNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if len(store.Paths()) != 0 {
		t.Fatalf("expected empty store, got %v", store.Paths())
	}
}
