// Package worker implements the loop that pulls queued jobs and runs them.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
)

// JobRunner executes one job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Worker consumes queue items and hands each job to the runner.
type Worker struct {
	id     int
	queue  crawler.Queue
	runner JobRunner
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, runner JobRunner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  queue,
		runner: runner,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Debug("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	if w.runner == nil {
		w.logger.Error("no job runner configured", zap.String("job_id", item.JobID))
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.runner.Run(ctx, item.JobID); err != nil {
		switch {
		case errors.Is(err, crawler.ErrJobNotFound):
			w.logger.Info("job removed before it ran", zap.String("job_id", item.JobID))
		default:
			w.logger.Error("job run failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
		return
	}
	w.logger.Debug("job finished", zap.String("job_id", item.JobID))
}
