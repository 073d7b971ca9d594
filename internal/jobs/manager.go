package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
	"github.com/JakeFAU/site-insight-crawler/internal/progress"
)

// ErrInvalidRequest marks submissions rejected before a job is created.
var ErrInvalidRequest = errors.New("invalid job request")

// ReportRemover deletes a job's report files.
type ReportRemover interface {
	Remove(ctx context.Context, names []string) error
}

// ManagerConfig holds submission defaults.
type ManagerConfig struct {
	// DefaultMaxPages applies when a request leaves max_pages at zero.
	DefaultMaxPages int
	// MaxPagesLimit caps any requested budget. Zero disables the cap.
	MaxPagesLimit int
}

// Counts tallies retained jobs by coarse status.
type Counts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Manager is the entry point for submitting and inspecting jobs.
type Manager struct {
	registry *Registry
	queue    crawler.Queue
	ids      crawler.IDGenerator
	clock    crawler.Clock
	reports  ReportRemover
	cfg      ManagerConfig
	logger   *zap.Logger
}

// NewManager wires a Manager. reports may be nil when nothing is exported.
func NewManager(
	registry *Registry,
	queue crawler.Queue,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	reports ReportRemover,
	cfg ManagerConfig,
	logger *zap.Logger,
) *Manager {
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		registry: registry,
		queue:    queue,
		ids:      ids,
		clock:    clock,
		reports:  reports,
		cfg:      cfg,
		logger:   logger,
	}
}

// Submit validates opts, registers a queued job and hands it to the queue.
func (m *Manager) Submit(ctx context.Context, opts crawler.JobOptions) (crawler.Snapshot, error) {
	normalized, err := m.normalize(opts)
	if err != nil {
		return crawler.Snapshot{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("generate job id: %w", err)
	}
	now := m.clock.Now()
	snap := m.registry.add(crawler.Job{
		ID:        id,
		Options:   normalized,
		State:     crawler.StateQueued,
		Total:     normalized.MaxPages,
		Message:   "Job queued",
		CreatedAt: now,
	})

	item := crawler.QueueItem{JobID: id, Attempt: 1, Submitted: now.UnixMilli()}
	if err := m.queue.Enqueue(ctx, item); err != nil {
		if _, rmErr := m.registry.remove(id); rmErr != nil {
			m.logger.Warn("discard unqueued job failed", zap.String("job_id", id), zap.Error(rmErr))
		}
		return crawler.Snapshot{}, fmt.Errorf("enqueue job: %w", err)
	}
	m.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("url", normalized.SeedURL),
		zap.Int("max_pages", normalized.MaxPages),
		zap.Bool("use_cache", normalized.UseCache),
		zap.Bool("use_ai", normalized.UseAI),
	)
	m.refreshGauge()
	return snap, nil
}

func (m *Manager) normalize(opts crawler.JobOptions) (crawler.JobOptions, error) {
	seed, err := crawler.ValidateSeedURL(opts.SeedURL)
	if err != nil {
		return crawler.JobOptions{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	opts.SeedURL = seed
	switch {
	case opts.MaxPages < 0:
		return crawler.JobOptions{}, fmt.Errorf("%w: max_pages must be > 0", ErrInvalidRequest)
	case opts.MaxPages == 0:
		opts.MaxPages = m.cfg.DefaultMaxPages
	}
	if m.cfg.MaxPagesLimit > 0 && opts.MaxPages > m.cfg.MaxPagesLimit {
		return crawler.JobOptions{}, fmt.Errorf("%w: max_pages exceeds limit of %d", ErrInvalidRequest, m.cfg.MaxPagesLimit)
	}
	format, err := crawler.ParseOutputFormat(string(opts.OutputFormat))
	if err != nil {
		return crawler.JobOptions{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	opts.OutputFormat = format
	opts.NotifyEmail = strings.TrimSpace(opts.NotifyEmail)
	if opts.NotifyEmail != "" && !strings.Contains(opts.NotifyEmail, "@") {
		return crawler.JobOptions{}, fmt.Errorf("%w: notify_email is not an address", ErrInvalidRequest)
	}
	return opts, nil
}

// Get returns the current snapshot of a job.
func (m *Manager) Get(id string) (crawler.Snapshot, error) {
	return m.registry.snapshot(id)
}

// List returns every retained job, newest first.
func (m *Manager) List() []crawler.Snapshot {
	return m.registry.all()
}

// Delete cancels any in-flight work, forgets the job and removes its reports.
func (m *Manager) Delete(ctx context.Context, id string) error {
	job, err := m.registry.remove(id)
	if err != nil {
		return err
	}
	m.logger.Info("job deleted", zap.String("job_id", id), zap.String("state", string(job.State)))
	if m.reports != nil && len(job.ResultFiles) > 0 {
		if err := m.reports.Remove(ctx, job.ResultFiles); err != nil {
			m.logger.Warn("remove job reports failed", zap.String("job_id", id), zap.Error(err))
		}
	}
	m.refreshGauge()
	return nil
}

// Subscribe registers a live subscriber for job id. The current snapshot is
// queued on the subscription before it is returned.
func (m *Manager) Subscribe(id string) (*progress.Subscription, error) {
	if _, err := m.registry.lookup(id); err != nil {
		return nil, err
	}
	sub := m.registry.Broadcaster().Subscribe(id)
	// A delete that raced the subscribe has already forgotten the job.
	if _, err := m.registry.lookup(id); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Pages returns the job's page records. They become visible once scraping
// has finished; earlier calls return an empty slice.
func (m *Manager) Pages(id string) ([]crawler.PageRecord, error) {
	return m.registry.pageCopy(id)
}

// Counts tallies retained jobs.
func (m *Manager) Counts() Counts {
	var c Counts
	for _, snap := range m.registry.all() {
		c.Total++
		switch {
		case snap.Status == crawler.StateQueued:
			c.Queued++
		case snap.Status.Running():
			c.Running++
		case snap.Status == crawler.StateCompleted:
			c.Completed++
		case snap.Status == crawler.StateFailed:
			c.Failed++
		}
	}
	return c
}

func (m *Manager) refreshGauge() {
	c := m.Counts()
	metrics.SetActiveJobs(c.Queued + c.Running)
}
