// Package jobs owns crawl job lifecycle: the registry of retained jobs, the
// Manager used by the API and CLI, and the Runner that drives one job through
// queued, scraping, analyzing, exporting and a terminal state.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/progress"
)

// entry holds one job. Only the runner executing the job mutates it; readers
// copy out snapshots under mu.
type entry struct {
	mu      sync.Mutex
	job     crawler.Job
	pages   []crawler.PageRecord
	cancel  context.CancelFunc
	deleted bool
}

// Registry is the store of retained jobs keyed by id.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	broadcaster *progress.Broadcaster
}

// NewRegistry builds a registry that publishes every committed change to b.
func NewRegistry(b *progress.Broadcaster) *Registry {
	if b == nil {
		b = progress.NewBroadcaster(0, nil)
	}
	return &Registry{
		entries:     make(map[string]*entry),
		broadcaster: b,
	}
}

// Broadcaster exposes the broadcaster snapshots are published on.
func (r *Registry) Broadcaster() *progress.Broadcaster {
	return r.broadcaster
}

func (r *Registry) add(job crawler.Job) crawler.Snapshot {
	e := &entry{job: job}
	r.mu.Lock()
	r.entries[job.ID] = e
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.job.Snapshot()
	r.broadcaster.Publish(snap)
	return snap
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, crawler.ErrJobNotFound)
	}
	return e, nil
}

// begin derives the job's run context and records its cancel func so Delete
// can stop the job.
func (r *Registry) begin(parent context.Context, id string) (context.Context, crawler.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, crawler.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrJobNotFound)
	}
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	return ctx, e.job, nil
}

// update applies fn to the job and publishes the resulting snapshot while the
// entry lock is held, so subscribers observe changes in commit order.
func (r *Registry) update(id string, fn func(job *crawler.Job, pages *[]crawler.PageRecord) error) (crawler.Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return crawler.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return crawler.Snapshot{}, fmt.Errorf("job %s: %w", id, crawler.ErrJobNotFound)
	}
	if err := fn(&e.job, &e.pages); err != nil {
		return crawler.Snapshot{}, err
	}
	if e.job.Progress > e.job.Total {
		e.job.Progress = e.job.Total
	}
	snap := e.job.Snapshot()
	r.broadcaster.Publish(snap)
	return snap, nil
}

// finish releases the run context once the job reached a terminal state.
func (r *Registry) finish(id string) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// remove cancels the job, marks it deleted so late runner updates are
// discarded, and drops it from the registry.
func (r *Registry) remove(id string) (crawler.Job, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrJobNotFound)
	}

	e.mu.Lock()
	e.deleted = true
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	job := e.job
	e.mu.Unlock()

	r.broadcaster.Forget(id)
	return job, nil
}

func (r *Registry) snapshot(id string) (crawler.Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return crawler.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Snapshot(), nil
}

func (r *Registry) pageCopy(id string) ([]crawler.PageRecord, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]crawler.PageRecord{}, e.pages...), nil
}

// all returns snapshots newest first, ties broken by id.
func (r *Registry) all() []crawler.Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]crawler.Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.Snapshot())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID > out[j].JobID
	})
	return out
}
