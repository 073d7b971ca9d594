package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/queue/memory"
)

func TestWorkerRunsDequeuedJobs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(4)
	runner := &fakeRunner{}
	w := New(1, queue, runner, zap.NewNop())
	go w.Run(ctx)

	require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{JobID: "job-1", Attempt: 1}))
	require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{JobID: "job-2", Attempt: 1}))

	require.Eventually(t, func() bool {
		return len(runner.ran()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"job-1", "job-2"}, runner.ran())
}

func TestWorkerContinuesAfterRunnerError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(4)
	runner := &fakeRunner{errs: map[string]error{
		"gone":   fmt.Errorf("load job: %w", crawler.ErrJobNotFound),
		"broken": errors.New("boom"),
	}}
	w := New(1, queue, runner, zap.NewNop())
	go w.Run(ctx)

	for _, id := range []string{"gone", "broken", "fine"} {
		require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{JobID: id}))
	}
	require.Eventually(t, func() bool {
		return len(runner.ran()) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	w := New(1, queue, &fakeRunner{}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after queue close")
	}
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := New(1, memory.NewQueue(1), &fakeRunner{}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after cancel")
	}
}

type fakeRunner struct {
	mu   sync.Mutex
	ids  []string
	errs map[string]error
}

func (f *fakeRunner) Run(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, jobID)
	return f.errs[jobID]
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}
