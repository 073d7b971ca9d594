package analysis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
)

// Config tunes the batcher.
type Config struct {
	// MinWords skips pages too thin to be worth an external call.
	MinWords     int
	MaxTextChars int
	Concurrency  int
	// Timeout bounds each provider call independently.
	Timeout time.Duration
}

// Request describes one job's analysis pass.
type Request struct {
	JobID    string
	Pages    []crawler.PageRecord
	UseCache bool
	Account  ledger.Recorder
}

// Summary tallies what a pass did.
type Summary struct {
	Eligible     int
	Analyzed     int
	Calls        int
	Deduplicated int
	Failed       int
}

// ProgressFunc receives the number of eligible pages settled so far.
type ProgressFunc func(done, total int)

// Batcher runs the analysis stage of a job.
type Batcher struct {
	analyzer Analyzer
	cache    crawler.AnalysisCache
	retry    crawler.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

// NewBatcher wires a batcher. cache may be nil when the deployment has none.
func NewBatcher(
	analyzer Analyzer,
	cache crawler.AnalysisCache,
	retry crawler.RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Batcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = 3000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(crawler.RetryConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{analyzer: analyzer, cache: cache, retry: retry, cfg: cfg, logger: logger}
}

type group struct {
	fingerprint string
	members     []int
}

type groupResult struct {
	group     group
	analysis  crawler.Analysis
	usage     crawler.Usage
	called    bool
	fromCache bool
	failed    bool
}

// Eligible reports whether a record should be analyzed at all.
func (b *Batcher) Eligible(record crawler.PageRecord) bool {
	return record.OK() &&
		record.Fields != nil &&
		record.Analysis == nil &&
		record.Fields.Fingerprint != "" &&
		record.Fields.WordCount >= b.cfg.MinWords
}

// Run analyzes every eligible page of req and returns the enriched copy of
// req.Pages. Results are applied on the calling goroutine. Only cancellation
// and cache failures abort the pass.
func (b *Batcher) Run(ctx context.Context, req Request, onProgress ProgressFunc) ([]crawler.PageRecord, Summary, error) {
	pages := append([]crawler.PageRecord(nil), req.Pages...)
	rec := req.Account
	if rec == nil {
		rec = discard{}
	}

	groups, eligible := b.group(pages)
	summary := Summary{Eligible: eligible}
	if eligible == 0 {
		return pages, summary, nil
	}
	logger := b.logger.With(zap.String("job_id", req.JobID))
	logger.Info("analysis started",
		zap.Int("eligible", eligible),
		zap.Int("unique", len(groups)),
		zap.String("provider", b.analyzer.Name()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	results := make(chan groupResult, len(groups))
	waitErr := make(chan error, 1)
	go func() {
		for _, grp := range groups {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res, err := b.analyzeGroup(gctx, req, rec, pages[grp.members[0]], grp)
				if err != nil {
					return err
				}
				results <- res
				return nil
			})
		}
		waitErr <- g.Wait()
		close(results)
	}()

	done := 0
	for res := range results {
		b.apply(pages, res, rec, &summary)
		done += len(res.group.members)
		if onProgress != nil {
			onProgress(done, eligible)
		}
	}
	if err := <-waitErr; err != nil {
		return nil, summary, err
	}
	if err := ctx.Err(); err != nil {
		return nil, summary, fmt.Errorf("analysis canceled: %w", err)
	}
	logger.Info("analysis finished",
		zap.Int("analyzed", summary.Analyzed),
		zap.Int("calls", summary.Calls),
		zap.Int("deduplicated", summary.Deduplicated),
		zap.Int("failed", summary.Failed),
	)
	return pages, summary, nil
}

func (b *Batcher) group(pages []crawler.PageRecord) ([]group, int) {
	index := make(map[string]int)
	var (
		groups   []group
		eligible int
	)
	for i, p := range pages {
		if !b.Eligible(p) {
			continue
		}
		eligible++
		fp := p.Fields.Fingerprint
		if at, ok := index[fp]; ok {
			groups[at].members = append(groups[at].members, i)
			continue
		}
		index[fp] = len(groups)
		groups = append(groups, group{fingerprint: fp, members: []int{i}})
	}
	return groups, eligible
}

func (b *Batcher) apply(pages []crawler.PageRecord, res groupResult, rec ledger.Recorder, summary *Summary) {
	if res.called {
		summary.Calls++
	}
	if res.failed {
		summary.Failed += len(res.group.members)
		return
	}
	for n, idx := range res.group.members {
		analysis := res.analysis
		pages[idx].Analysis = &analysis
		summary.Analyzed++
		if n > 0 {
			// Identical content already settled in this job counts as a cache hit.
			rec.RecordHit(ledger.NamespaceAnalysis, res.usage.Cost)
			summary.Deduplicated++
		}
	}
}

func (b *Batcher) analyzeGroup(
	ctx context.Context,
	req Request,
	rec ledger.Recorder,
	page crawler.PageRecord,
	grp group,
) (groupResult, error) {
	res := groupResult{group: grp}
	if req.UseCache && b.cache != nil {
		analysis, usage, ok, err := b.cache.GetAnalysis(ctx, grp.fingerprint, rec)
		if err != nil {
			return res, fmt.Errorf("cache unavailable: %w", err)
		}
		if ok {
			res.analysis, res.usage, res.fromCache = analysis, usage, true
			return res, nil
		}
	} else {
		rec.RecordMiss(ledger.NamespaceAnalysis)
	}

	result, err := b.call(ctx, req.JobID, page)
	res.called = true
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("analysis canceled: %w", ctx.Err())
		}
		res.failed = true
		return res, nil
	}
	rec.RecordCall(result.Usage.Tokens(), result.Usage.Cost)
	res.analysis, res.usage = result.Analysis, result.Usage

	if req.UseCache && b.cache != nil {
		if err := b.cache.PutAnalysis(ctx, grp.fingerprint, result.Analysis, result.Usage); err != nil {
			return res, fmt.Errorf("cache unavailable: %w", err)
		}
	}
	return res, nil
}

func (b *Batcher) call(ctx context.Context, jobID string, page crawler.PageRecord) (Result, error) {
	in := InputFor(page)
	in.Text = truncate(in.Text, b.cfg.MaxTextChars)
	logger := b.logger.With(zap.String("job_id", jobID), zap.String("url", page.URL))
	provider := b.analyzer.Name()
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		result, err := b.analyzer.Analyze(callCtx, in)
		cancel()
		if err == nil {
			metrics.ObserveAnalysisCall(provider, "ok", result.Usage.Tokens(), result.Usage.Cost)
			return result, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		callErr := crawler.Classify(err)
		if !b.retry.ShouldRetry(callErr, attempt) {
			metrics.ObserveAnalysisCall(provider, "error", 0, 0)
			logger.Warn("analysis failed, keeping page without analysis",
				zap.Int("attempt", attempt),
				zap.String("kind", string(callErr.Kind)),
				zap.Error(err),
			)
			return Result{}, err
		}
		metrics.ObserveAnalysisCall(provider, "retry", 0, 0)
		delay := b.retry.Backoff(attempt)
		logger.Debug("retrying analysis", zap.Int("attempt", attempt), zap.Duration("backoff", delay))
		crawler.Pause(ctx, delay)
	}
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	if runes := []rune(s); len(runes) > maxChars {
		return string(runes[:maxChars])
	}
	return s
}

type discard struct{}

func (discard) RecordHit(ledger.Namespace, float64) {}
func (discard) RecordMiss(ledger.Namespace)         {}
func (discard) RecordCall(int64, float64)           {}
