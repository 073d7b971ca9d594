package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

func TestQueueHandsJobsOutInSubmitOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	ctx := context.Background()
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		if err := q.Enqueue(ctx, crawler.QueueItem{JobID: id, Attempt: 1, Submitted: int64(i)}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	for _, want := range []string{"job-a", "job-b", "job-c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got.JobID != want {
			t.Fatalf("expected %s, got %s", want, got.JobID)
		}
	}
}

func TestQueueWakesWaitingWorker(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.QueueItem, 1)
	go func() {
		if item, err := q.Dequeue(context.Background()); err == nil {
			result <- item
		}
	}()

	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "job-1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case got := <-result:
		if got.JobID != "job-1" {
			t.Fatalf("expected job-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting worker was not handed the job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), crawler.QueueItem{JobID: "primed"}); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, crawler.QueueItem{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueDrainsBeforeReportingClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "queued"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	q.Close()

	got, err := q.Dequeue(context.Background())
	if err != nil || got.JobID != "queued" {
		t.Fatalf("expected queued job after close, got %+v, %v", got, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed once drained, got %v", err)
	}
}

func TestQueueLenCountsWaitingJobs(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "first"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one waiting job, got %d", q.Len())
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	q.Close()
	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed from Enqueue, got %v", err)
	}
}
