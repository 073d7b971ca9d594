package crawler

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RateLimiter spaces outbound requests of a single job.
type RateLimiter interface {
	Acquire(ctx context.Context, jobID string) error
}

// RetryPolicy decides whether and when a failed call is attempted again.
// attempt is the number of attempts already made (1 after the first call).
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// PageCache stores fetched pages keyed by normalized URL.
type PageCache interface {
	GetPage(ctx context.Context, rawURL string, rec ledger.Recorder) (PageRecord, bool, error)
	PutPage(ctx context.Context, rawURL string, record PageRecord) error
}

// AnalysisCache stores analyses keyed by content fingerprint.
type AnalysisCache interface {
	GetAnalysis(ctx context.Context, fingerprint string, rec ledger.Recorder) (Analysis, Usage, bool, error)
	PutAnalysis(ctx context.Context, fingerprint string, analysis Analysis, usage Usage) error
}

// BlobStore persists report artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	OpenObject(ctx context.Context, path string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
