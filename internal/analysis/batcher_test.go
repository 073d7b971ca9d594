package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

type scriptedAnalyzer struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]int
	block chan struct{}
}

func newScriptedAnalyzer() *scriptedAnalyzer {
	return &scriptedAnalyzer{calls: map[string]int{}, fail: map[string]int{}}
}

func (s *scriptedAnalyzer) Name() string { return "scripted" }

func (s *scriptedAnalyzer) Analyze(ctx context.Context, in Input) (Result, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls[in.URL]++
	n := s.calls[in.URL]
	failures := s.fail[in.URL]
	s.mu.Unlock()
	if n <= failures {
		return Result{}, crawler.NewStatusError(429)
	}
	return Result{
		Analysis: crawler.Analysis{Summary: "summary of " + in.URL},
		Usage:    crawler.Usage{InputTokens: 100, OutputTokens: 20, Cost: 0.01},
	}, nil
}

func (s *scriptedAnalyzer) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

type mapAnalysisCache struct {
	mu      sync.Mutex
	entries map[string]crawler.Analysis
	usage   map[string]crawler.Usage
	err     error
}

func newMapAnalysisCache() *mapAnalysisCache {
	return &mapAnalysisCache{entries: map[string]crawler.Analysis{}, usage: map[string]crawler.Usage{}}
}

func (c *mapAnalysisCache) GetAnalysis(_ context.Context, fp string, rec ledger.Recorder) (crawler.Analysis, crawler.Usage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return crawler.Analysis{}, crawler.Usage{}, false, c.err
	}
	a, ok := c.entries[fp]
	if ok {
		rec.RecordHit(ledger.NamespaceAnalysis, c.usage[fp].Cost)
	} else {
		rec.RecordMiss(ledger.NamespaceAnalysis)
	}
	return a, c.usage[fp], ok, nil
}

func (c *mapAnalysisCache) PutAnalysis(_ context.Context, fp string, a crawler.Analysis, u crawler.Usage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp] = a
	c.usage[fp] = u
	return nil
}

type noWaitRetry struct{ max int }

func (r noWaitRetry) ShouldRetry(err error, attempt int) bool {
	return attempt < r.max && crawler.Classify(err).Retryable
}

func (noWaitRetry) Backoff(int) time.Duration { return 0 }

func page(url, fp string, words int) crawler.PageRecord {
	return crawler.PageRecord{
		URL:     url,
		Outcome: crawler.OK(200),
		Fields:  &crawler.PageFields{Title: url, WordCount: words, Text: "text", Fingerprint: fp},
	}
}

func TestRunDeduplicatesIdenticalContent(t *testing.T) {
	t.Parallel()
	analyzer := newScriptedAnalyzer()
	cache := newMapAnalysisCache()
	b := NewBatcher(analyzer, cache, noWaitRetry{max: 3}, Config{MinWords: 10, Concurrency: 2}, nil)
	account := ledger.New(nil).ForJob()

	pages := []crawler.PageRecord{
		page("https://a.test/1", "fp-a", 100),
		page("https://a.test/2", "fp-a", 100),
		page("https://a.test/3", "fp-b", 100),
	}
	var progress []int
	out, summary, err := b.Run(context.Background(), Request{JobID: "j", Pages: pages, UseCache: true, Account: account},
		func(done, total int) {
			require.Equal(t, 3, total)
			progress = append(progress, done)
		})
	require.NoError(t, err)

	require.Equal(t, 2, analyzer.total())
	for _, p := range out {
		require.NotNil(t, p.Analysis)
	}
	require.Equal(t, out[0].Analysis.Summary, out[1].Analysis.Summary)
	require.Nil(t, pages[0].Analysis, "input slice must not be mutated")
	require.Equal(t, Summary{Eligible: 3, Analyzed: 3, Calls: 2, Deduplicated: 1}, summary)
	require.Equal(t, 3, progress[len(progress)-1])

	counters := account.Counters()
	require.Equal(t, int64(1), counters.AnalysisHits)
	require.Equal(t, int64(2), counters.AnalysisMisses)
	require.Equal(t, int64(2), counters.AnalysisCalls)
	require.Equal(t, int64(240), counters.TokensUsed)
	require.InDelta(t, 0.01, counters.CostSaved, 1e-12)
	require.Equal(t, counters.AnalysisHits, counters.APICallsSaved())
}

func TestRunSkipsThinAndFailedPages(t *testing.T) {
	t.Parallel()
	analyzer := newScriptedAnalyzer()
	b := NewBatcher(analyzer, newMapAnalysisCache(), noWaitRetry{max: 3}, Config{MinWords: 50}, nil)

	failed := crawler.PageRecord{URL: "https://a.test/err", Outcome: crawler.Failed(crawler.NewStatusError(404))}
	pages := []crawler.PageRecord{page("https://a.test/thin", "fp-thin", 10), failed}

	out, summary, err := b.Run(context.Background(), Request{Pages: pages, UseCache: true}, nil)
	require.NoError(t, err)
	require.Zero(t, analyzer.total())
	require.Zero(t, summary.Eligible)
	require.Len(t, out, 2)
	require.Nil(t, out[0].Analysis)
}

func TestRunUsesCacheAcrossJobs(t *testing.T) {
	t.Parallel()
	analyzer := newScriptedAnalyzer()
	cache := newMapAnalysisCache()
	b := NewBatcher(analyzer, cache, noWaitRetry{max: 3}, Config{}, nil)
	pages := []crawler.PageRecord{page("https://a.test/", "fp", 100)}

	_, _, err := b.Run(context.Background(), Request{Pages: pages, UseCache: true, Account: ledger.New(nil).ForJob()}, nil)
	require.NoError(t, err)

	second := ledger.New(nil).ForJob()
	out, summary, err := b.Run(context.Background(), Request{Pages: pages, UseCache: true, Account: second}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, analyzer.total())
	require.Zero(t, summary.Calls)
	require.NotNil(t, out[0].Analysis)
	require.Equal(t, int64(1), second.Counters().APICallsSaved())
}

func TestRunWithoutCacheStillDeduplicates(t *testing.T) {
	t.Parallel()
	analyzer := newScriptedAnalyzer()
	cache := newMapAnalysisCache()
	b := NewBatcher(analyzer, cache, noWaitRetry{max: 3}, Config{}, nil)
	account := ledger.New(nil).ForJob()

	pages := []crawler.PageRecord{page("https://a.test/1", "fp", 100), page("https://a.test/2", "fp", 100)}
	_, _, err := b.Run(context.Background(), Request{Pages: pages, UseCache: false, Account: account}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, analyzer.total())
	require.Empty(t, cache.entries)
	require.Equal(t, int64(1), account.Counters().AnalysisMisses)
	require.Equal(t, int64(1), account.Counters().AnalysisHits)
}

func TestRunRetriesThenDegrades(t *testing.T) {
	t.Parallel()
	analyzer := newScriptedAnalyzer()
	analyzer.fail["https://a.test/flaky"] = 2
	analyzer.fail["https://a.test/down"] = 10
	b := NewBatcher(analyzer, newMapAnalysisCache(), noWaitRetry{max: 3}, Config{}, nil)

	pages := []crawler.PageRecord{page("https://a.test/flaky", "fp-1", 100), page("https://a.test/down", "fp-2", 100)}
	out, summary, err := b.Run(context.Background(), Request{Pages: pages, UseCache: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, out[0].Analysis)
	require.Nil(t, out[1].Analysis)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Analyzed)
	require.Equal(t, 6, analyzer.total())
}

func TestRunCacheFailureIsFatal(t *testing.T) {
	t.Parallel()
	cache := newMapAnalysisCache()
	cache.err = errors.New("db locked")
	b := NewBatcher(newScriptedAnalyzer(), cache, noWaitRetry{max: 3}, Config{}, nil)

	_, _, err := b.Run(context.Background(), Request{Pages: []crawler.PageRecord{page("https://a.test/", "fp", 100)}, UseCache: true}, nil)
	require.ErrorContains(t, err, "cache unavailable")
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()
	analyzer := newScriptedAnalyzer()
	analyzer.block = make(chan struct{})
	b := NewBatcher(analyzer, newMapAnalysisCache(), noWaitRetry{max: 3}, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, _, err := b.Run(ctx, Request{Pages: []crawler.PageRecord{page("https://a.test/", "fp", 100)}, UseCache: true}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
