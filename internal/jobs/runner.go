package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/analysis"
	"github.com/JakeFAU/site-insight-crawler/internal/clock/system"
	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
	"github.com/JakeFAU/site-insight-crawler/internal/progress"
)

// Crawler walks a site for one job.
type Crawler interface {
	Crawl(ctx context.Context, req crawler.CrawlRequest, onPage crawler.PageFunc) (crawler.CrawlResult, error)
}

// Analyzer enriches a job's pages.
type Analyzer interface {
	Run(ctx context.Context, req analysis.Request, onProgress analysis.ProgressFunc) ([]crawler.PageRecord, analysis.Summary, error)
}

// Exporter renders report files for a finished crawl.
type Exporter interface {
	Export(ctx context.Context, snap crawler.Snapshot, pages []crawler.PageRecord, format crawler.OutputFormat) ([]string, error)
}

// LimiterReleaser drops per-job rate limiter state.
type LimiterReleaser interface {
	Forget(jobID string)
}

// RunnerConfig carries optional runner settings.
type RunnerConfig struct {
	// NotifyTopic receives job.finished notifications. Empty disables them.
	NotifyTopic string
}

// Runner drives one job at a time through its lifecycle. It is safe to call
// Run concurrently for different jobs.
type Runner struct {
	registry  *Registry
	crawler   Crawler
	analyzer  Analyzer
	exporter  Exporter
	ledger    *ledger.Ledger
	limiter   LimiterReleaser
	publisher crawler.Publisher
	events    progress.Emitter
	clock     crawler.Clock
	cfg       RunnerConfig
	logger    *zap.Logger
}

// RunnerDeps groups the Runner's collaborators. Analyzer, Limiter, Publisher
// and Events are optional.
type RunnerDeps struct {
	Registry  *Registry
	Crawler   Crawler
	Analyzer  Analyzer
	Exporter  Exporter
	Ledger    *ledger.Ledger
	Limiter   LimiterReleaser
	Publisher crawler.Publisher
	Events    progress.Emitter
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// NewRunner wires a Runner.
func NewRunner(deps RunnerDeps, cfg RunnerConfig) *Runner {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New(deps.Clock)
	}
	return &Runner{
		registry:  deps.Registry,
		crawler:   deps.Crawler,
		analyzer:  deps.Analyzer,
		exporter:  deps.Exporter,
		ledger:    deps.Ledger,
		limiter:   deps.Limiter,
		publisher: deps.Publisher,
		events:    deps.Events,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    deps.Logger,
	}
}

// Run executes job id to completion. It returns crawler.ErrJobNotFound if the
// job was deleted before or while running; every other failure is recorded
// on the job itself and Run returns nil.
func (r *Runner) Run(ctx context.Context, id string) error {
	jobCtx, job, err := r.registry.begin(ctx, id)
	if err != nil {
		return err
	}
	defer r.registry.finish(id)
	if r.limiter != nil {
		defer r.limiter.Forget(id)
	}

	logger := r.logger.With(zap.String("job_id", id))
	account := r.ledger.ForJob()
	started := r.clock.Now()
	opts := job.Options

	if _, err := r.transition(id, crawler.StateScraping, func(j *crawler.Job, _ *[]crawler.PageRecord) {
		j.StartedAt = &started
		j.Total = opts.MaxPages
		j.Progress = 0
		j.Message = fmt.Sprintf("Scraping %s", opts.SeedURL)
	}); err != nil {
		return err
	}
	r.emit(progress.Event{JobID: id, Stage: progress.StageJobStart, URL: opts.SeedURL, Site: metrics.SanitizeSite(opts.SeedURL)})
	logger.Info("job started", zap.String("url", opts.SeedURL), zap.Int("max_pages", opts.MaxPages))

	result, err := r.crawler.Crawl(jobCtx, crawler.CrawlRequest{
		JobID:    id,
		SeedURL:  opts.SeedURL,
		MaxPages: opts.MaxPages,
		UseCache: opts.UseCache,
		Account:  account,
	}, r.pageObserver(id))
	if err != nil {
		return r.fail(id, started, opts.NotifyEmail, crawlFailure(err), err)
	}
	pages := result.Pages

	next := crawler.StateExporting
	if opts.UseAI && r.analyzer != nil {
		next = crawler.StateAnalyzing
	}
	if _, err := r.transition(id, next, func(j *crawler.Job, stored *[]crawler.PageRecord) {
		*stored = append([]crawler.PageRecord(nil), pages...)
		j.Total = len(pages)
		j.Progress = len(pages)
		j.Message = scrapedMessage(pages, next, opts.UseAI)
	}); err != nil {
		return err
	}

	if next == crawler.StateAnalyzing {
		enriched, summary, err := r.analyzer.Run(jobCtx, analysis.Request{
			JobID:    id,
			Pages:    pages,
			UseCache: opts.UseCache,
			Account:  account,
		}, r.analysisObserver(id))
		if err != nil {
			return r.fail(id, started, opts.NotifyEmail, analysisFailure(err), err)
		}
		pages = enriched
		r.emit(progress.Event{JobID: id, Stage: progress.StageAnalysisDone, Note: fmt.Sprintf("%d analyzed, %d calls", summary.Analyzed, summary.Calls)})
		if _, err := r.transition(id, crawler.StateExporting, func(j *crawler.Job, stored *[]crawler.PageRecord) {
			*stored = append([]crawler.PageRecord(nil), pages...)
			j.Message = fmt.Sprintf("Analyzed %d pages, exporting report", summary.Analyzed)
		}); err != nil {
			return err
		}
	}

	stats := buildStats(pages, account.Counters(), r.clock.Now().Sub(started))
	snap, err := r.registry.snapshot(id)
	if err != nil {
		return err
	}
	snap.Stats = &stats
	files, err := r.exporter.Export(jobCtx, snap, pages, opts.OutputFormat)
	if err != nil {
		return r.fail(id, started, opts.NotifyEmail, fmt.Sprintf("Export failed: %v", err), err)
	}

	completed := r.clock.Now()
	stats.DurationSeconds = completed.Sub(started).Seconds()
	final, err := r.transition(id, crawler.StateCompleted, func(j *crawler.Job, _ *[]crawler.PageRecord) {
		j.CompletedAt = &completed
		j.ResultFiles = files
		j.Stats = &stats
		j.Message = fmt.Sprintf("Completed: %d pages, %d failed", stats.Successful, stats.Failed)
	})
	if err != nil {
		// Deleted between export and commit; the manager never saw the files.
		if rmErr := r.removeOrphans(files); rmErr != nil {
			logger.Warn("remove orphaned reports failed", zap.Error(rmErr))
		}
		return err
	}
	metrics.ObserveJob(string(crawler.StateCompleted))
	r.emit(progress.Event{JobID: id, Stage: progress.StageJobDone, Dur: completed.Sub(started)})
	logger.Info("job completed",
		zap.Int("pages", stats.TotalPages),
		zap.Int("failed", stats.Failed),
		zap.Int64("tokens", stats.TotalTokens),
		zap.Float64("cost", stats.TotalCost),
		zap.Strings("files", files),
	)
	r.notify(final, opts.NotifyEmail)
	return nil
}

func (r *Runner) transition(
	id string,
	next crawler.JobState,
	mutate func(j *crawler.Job, pages *[]crawler.PageRecord),
) (crawler.Snapshot, error) {
	snap, err := r.registry.update(id, func(j *crawler.Job, pages *[]crawler.PageRecord) error {
		if !j.State.CanTransition(next) {
			return fmt.Errorf("%w: %s to %s", crawler.ErrInvalidTransition, j.State, next)
		}
		j.State = next
		mutate(j, pages)
		return nil
	})
	if err != nil {
		return crawler.Snapshot{}, err
	}
	r.emit(progress.Event{JobID: id, Stage: progress.StageJobState, State: string(next)})
	r.logger.Info("job transition", zap.String("job_id", id), zap.String("state", string(next)))
	return snap, nil
}

// fail records a terminal failure. A job deleted mid-run is not resurrected.
func (r *Runner) fail(id string, started time.Time, notifyEmail, message string, cause error) error {
	done := r.clock.Now()
	final, err := r.transition(id, crawler.StateFailed, func(j *crawler.Job, _ *[]crawler.PageRecord) {
		j.CompletedAt = &done
		j.Message = message
		j.Error = cause.Error()
	})
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			r.logger.Info("job deleted while running", zap.String("job_id", id))
		}
		return err
	}
	metrics.ObserveJob(string(crawler.StateFailed))
	r.emit(progress.Event{JobID: id, Stage: progress.StageJobError, Dur: done.Sub(started), Note: message})
	r.logger.Error("job failed", zap.String("job_id", id), zap.String("reason", message), zap.Error(cause))
	r.notify(final, notifyEmail)
	return nil
}

func (r *Runner) pageObserver(id string) crawler.PageFunc {
	done := 0
	return func(record crawler.PageRecord, _ int) {
		done++
		n := done
		if _, err := r.registry.update(id, func(j *crawler.Job, _ *[]crawler.PageRecord) error {
			if n > j.Progress {
				j.Progress = n
			}
			j.Message = fmt.Sprintf("Scraped %d of up to %d pages", n, j.Total)
			return nil
		}); err != nil {
			return
		}
		r.emit(progress.Event{
			JobID:     id,
			Stage:     progress.StagePageDone,
			Site:      metrics.SanitizeSite(record.URL),
			URL:       record.URL,
			Outcome:   string(record.Outcome.Status),
			FromCache: record.FromCache,
			Dur:       time.Duration(record.DurationMs) * time.Millisecond,
		})
	}
}

func (r *Runner) analysisObserver(id string) analysis.ProgressFunc {
	return func(done, total int) {
		_, _ = r.registry.update(id, func(j *crawler.Job, _ *[]crawler.PageRecord) error {
			j.Message = fmt.Sprintf("Analyzing content (%d/%d)", done, total)
			return nil
		})
	}
}

func (r *Runner) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = r.clock.Now()
	}
	r.events.Emit(evt)
}

func (r *Runner) removeOrphans(files []string) error {
	remover, ok := r.exporter.(ReportRemover)
	if !ok || len(files) == 0 {
		return nil
	}
	return remover.Remove(context.Background(), files)
}

func crawlFailure(err error) string {
	switch {
	case errors.Is(err, crawler.ErrSeedUnreachable):
		return fmt.Sprintf("Seed URL unreachable: %v", err)
	case errors.Is(err, crawler.ErrNoUsablePages):
		return "No pages could be fetched"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Job canceled"
	default:
		return fmt.Sprintf("Crawl failed: %v", err)
	}
}

func analysisFailure(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Job canceled"
	}
	return fmt.Sprintf("Analysis failed: %v", err)
}

func scrapedMessage(pages []crawler.PageRecord, next crawler.JobState, wantAI bool) string {
	switch {
	case next == crawler.StateAnalyzing:
		return fmt.Sprintf("Scraped %d pages, analyzing content", len(pages))
	case wantAI:
		return fmt.Sprintf("Scraped %d pages, analysis disabled, exporting report", len(pages))
	default:
		return fmt.Sprintf("Scraped %d pages, exporting report", len(pages))
	}
}

func buildStats(pages []crawler.PageRecord, c ledger.Counters, elapsed time.Duration) crawler.JobStats {
	stats := crawler.JobStats{
		TotalPages:      len(pages),
		DurationSeconds: elapsed.Seconds(),
		TotalTokens:     c.TokensUsed,
		TotalCost:       c.TotalCost,
		CacheHits:       c.CacheHits(),
		CacheMisses:     c.CacheMisses(),
		APICallsSaved:   c.APICallsSaved(),
	}
	for _, p := range pages {
		switch p.Outcome.Status {
		case crawler.FetchOK:
			stats.Successful++
		case crawler.FetchError:
			stats.Failed++
		case crawler.FetchSkipped:
			stats.Skipped++
		}
		if p.Analysis != nil {
			stats.Analyzed++
		}
	}
	return stats
}
