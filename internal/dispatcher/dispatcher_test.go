package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/queue/memory"
)

type countingRunner struct {
	mu   sync.Mutex
	jobs []string
}

func (r *countingRunner) Run(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func runAsync(ctx context.Context, d *Dispatcher) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	return done
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, NewPool(queue, &countingRunner{}, 2, nil))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherDrainsQueueBeforeExit(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(8)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{JobID: id}))
	}
	runner := &countingRunner{}
	done := runAsync(ctx, NewPool(queue, runner, 3, nil))
	queue.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not exit after queue close")
	}
	require.Equal(t, 4, runner.count())
}

func TestNewPoolSizesWorkers(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	require.Equal(t, 3, NewPool(queue, nil, 3, nil).Size())
	require.Equal(t, 1, NewPool(queue, nil, 0, nil).Size())
}
