package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

// EngineConfig controls crawl parallelism.
type EngineConfig struct {
	// Concurrency bounds the number of pages fetched at once for one job.
	Concurrency int
}

// CrawlRequest describes one breadth-first crawl.
type CrawlRequest struct {
	JobID    string
	SeedURL  string
	MaxPages int
	UseCache bool
	Account  ledger.Recorder
}

// CrawlResult is returned once the frontier drains or the budget is reached.
type CrawlResult struct {
	Pages []PageRecord
	Total int
}

// PageFunc observes each page as it completes. It runs on the goroutine that
// called Crawl, in completion order; total is min(admitted URLs, budget).
type PageFunc func(record PageRecord, total int)

// Engine walks a site breadth-first from a seed URL.
type Engine struct {
	fetcher   Fetcher
	limiter   RateLimiter
	cache     PageCache
	extractor *Extractor
	retry     RetryPolicy
	pauser    pauseController
	clock     Clock
	cfg       EngineConfig
	logger    *zap.Logger
}

// NewEngine wires an Engine. cache may be nil when no job uses caching.
func NewEngine(
	fetcher Fetcher,
	limiter RateLimiter,
	cache PageCache,
	extractor *Extractor,
	retry RetryPolicy,
	clock Clock,
	cfg EngineConfig,
	logger *zap.Logger,
) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(RetryConfig{})
	}
	return &Engine{
		fetcher:   fetcher,
		limiter:   limiter,
		cache:     cache,
		extractor: extractor,
		retry:     retry,
		pauser:    &timerPauseController{},
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

type pageResult struct {
	record PageRecord
	err    error
}

// Crawl runs the breadth-first traversal. Per-page failures become error
// records; the returned error is reserved for fatal conditions (unreachable
// seed, cache failure, cancellation).
func (e *Engine) Crawl(ctx context.Context, req CrawlRequest, onPage PageFunc) (CrawlResult, error) {
	seed, err := ValidateSeedURL(req.SeedURL)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("validate seed: %w", err)
	}
	if req.MaxPages <= 0 {
		return CrawlResult{}, errors.New("max pages must be > 0")
	}
	if req.UseCache && e.cache == nil {
		return CrawlResult{}, errors.New("page cache is not configured")
	}
	site, err := url.Parse(seed)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("parse seed: %w", err)
	}

	visited := newVisitTracker(req.MaxPages)
	visited.Admit(seed)
	frontier := []string{seed}
	results := make(chan pageResult, e.cfg.Concurrency)
	inFlight := 0
	var pages []PageRecord

	for len(frontier) > 0 || inFlight > 0 {
		for len(frontier) > 0 && inFlight < e.cfg.Concurrency {
			next := frontier[0]
			frontier = frontier[1:]
			inFlight++
			go func(target string) {
				record, err := e.visit(ctx, req, site, target)
				results <- pageResult{record: record, err: err}
			}(next)
		}

		var res pageResult
		select {
		case <-ctx.Done():
			return CrawlResult{}, fmt.Errorf("crawl canceled: %w", ctx.Err())
		case res = <-results:
		}
		inFlight--
		if res.err != nil {
			return CrawlResult{}, res.err
		}

		record := res.record
		if len(pages) == 0 && record.URL == seed {
			if err := seedFailure(record); err != nil {
				return CrawlResult{}, err
			}
		}
		pages = append(pages, record)
		if record.OK() {
			for _, link := range record.Fields.Links {
				if visited.Full() {
					break
				}
				if !onSite(site, link) {
					continue
				}
				if visited.Admit(link) {
					frontier = append(frontier, link)
				}
			}
		}
		if onPage != nil {
			onPage(record, visited.Len())
		}
	}

	if !anyUsable(pages) {
		return CrawlResult{}, ErrNoUsablePages
	}
	return CrawlResult{Pages: pages, Total: visited.Len()}, nil
}

// visit produces the record for one URL. Only fatal conditions return an error.
func (e *Engine) visit(ctx context.Context, req CrawlRequest, site *url.URL, target string) (PageRecord, error) {
	if req.UseCache {
		cached, ok, err := e.cache.GetPage(ctx, target, req.Account)
		if err != nil {
			return PageRecord{}, fmt.Errorf("cache unavailable: %w", err)
		}
		if ok {
			cached.URL = target
			cached.FromCache = true
			cached.Analysis = nil
			return cached, nil
		}
	}

	record := e.fetchWithRetry(ctx, req.JobID, site, target)
	if ctx.Err() != nil {
		return PageRecord{}, fmt.Errorf("crawl canceled: %w", ctx.Err())
	}
	if req.UseCache && record.OK() {
		if err := e.cache.PutPage(ctx, target, record); err != nil {
			return PageRecord{}, fmt.Errorf("cache unavailable: %w", err)
		}
	}
	return record, nil
}

func (e *Engine) fetchWithRetry(ctx context.Context, jobID string, site *url.URL, target string) PageRecord {
	logger := e.logger.With(zap.String("job_id", jobID), zap.String("url", target))
	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Acquire(ctx, jobID); err != nil {
				return e.errorRecord(target, Classify(err), 0)
			}
		}
		resp, err := e.fetcher.Fetch(ctx, FetchRequest{JobID: jobID, URL: target})
		if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			err = NewStatusError(resp.StatusCode)
		}
		if err == nil {
			return e.buildRecord(site, target, resp)
		}
		if errors.Is(err, ErrDisallowed) {
			record := e.errorRecord(target, nil, resp.Duration)
			record.Outcome = Skipped(0, "disallowed by robots.txt")
			return record
		}
		callErr := Classify(err)
		if ctx.Err() != nil || !e.retry.ShouldRetry(callErr, attempt) {
			logger.Warn("page fetch failed",
				zap.Int("attempt", attempt),
				zap.String("kind", string(callErr.Kind)),
				zap.Error(err),
			)
			return e.errorRecord(target, callErr, resp.Duration)
		}
		delay := e.retry.Backoff(attempt)
		logger.Debug("retrying page fetch", zap.Int("attempt", attempt), zap.Duration("backoff", delay))
		e.pauser.Pause(ctx, delay)
	}
}

func (e *Engine) buildRecord(site *url.URL, target string, resp FetchResponse) PageRecord {
	record := PageRecord{
		URL:        target,
		FetchedAt:  e.now(),
		DurationMs: resp.Duration.Milliseconds(),
	}
	if !isHTML(resp.ContentType) {
		record.Outcome = Skipped(resp.StatusCode, "unsupported content type "+resp.ContentType)
		return record
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = target
	}
	if !onSite(site, pageURL) {
		record.Outcome = Skipped(resp.StatusCode, "redirected off-site")
		return record
	}
	fields, err := e.extractor.Extract(pageURL, site, resp.Body)
	if err != nil {
		callErr := NewContentError(err)
		callErr.StatusCode = resp.StatusCode
		record.Outcome = Failed(callErr)
		return record
	}
	record.Outcome = OK(resp.StatusCode)
	record.Fields = &fields
	return record
}

func (e *Engine) errorRecord(target string, callErr *CallError, dur time.Duration) PageRecord {
	return PageRecord{
		URL:        target,
		Outcome:    Failed(callErr),
		FetchedAt:  e.now(),
		DurationMs: dur.Milliseconds(),
	}
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

func seedFailure(record PageRecord) error {
	if record.Outcome.Status != FetchError {
		return nil
	}
	if record.Outcome.Kind == KindTimeout || record.Outcome.Kind == KindNetwork {
		return fmt.Errorf("%w: %s", ErrSeedUnreachable, record.Outcome.Reason)
	}
	return nil
}

// onSite reports whether rawURL belongs to the crawl domain of site.
func onSite(site *url.URL, rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && SameSite(site, u)
}

func anyUsable(pages []PageRecord) bool {
	for _, p := range pages {
		if p.OK() {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
