// Package cache implements the shared content cache. Pages are keyed by
// normalized URL and analyses by model and content fingerprint, each
// namespace with its own TTL. Every lookup is booked into the cost ledger.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
)

const defaultTTL = 30 * 24 * time.Hour

// Config sets per-namespace time-to-live.
type Config struct {
	PageTTL     time.Duration
	AnalysisTTL time.Duration
	// AnalysisScope partitions analyses by the model that produced them,
	// e.g. "anthropic/claude-3-5-haiku-latest". Empty means unscoped.
	AnalysisScope string
}

// Cache is safe for concurrent use by all jobs.
type Cache struct {
	store  Store
	ledger *ledger.Ledger
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New wraps store. Zero TTLs default to 30 days.
func New(store Store, l *ledger.Ledger, clock crawler.Clock, cfg Config, logger *zap.Logger) *Cache {
	if cfg.PageTTL <= 0 {
		cfg.PageTTL = defaultTTL
	}
	if cfg.AnalysisTTL <= 0 {
		cfg.AnalysisTTL = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if l == nil {
		l = ledger.New(clock)
	}
	return &Cache{store: store, ledger: l, clock: clock, cfg: cfg, logger: logger}
}

type cachedAnalysis struct {
	Analysis crawler.Analysis `json:"analysis"`
	Usage    crawler.Usage    `json:"usage"`
}

// GetPage returns the cached record for rawURL if present and unexpired.
func (c *Cache) GetPage(ctx context.Context, rawURL string, rec ledger.Recorder) (crawler.PageRecord, bool, error) {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.PageRecord{}, false, fmt.Errorf("normalize cache key: %w", err)
	}
	entry, ok, err := c.lookup(ctx, ledger.NamespacePage, key)
	if err != nil {
		return crawler.PageRecord{}, false, err
	}
	if !ok {
		c.book(rec, ledger.NamespacePage, false, 0)
		return crawler.PageRecord{}, false, nil
	}
	var record crawler.PageRecord
	if err := json.Unmarshal(entry.Payload, &record); err != nil {
		c.logger.Warn("dropping undecodable page entry", zap.String("url", key), zap.Error(err))
		c.book(rec, ledger.NamespacePage, false, 0)
		return crawler.PageRecord{}, false, nil
	}
	c.book(rec, ledger.NamespacePage, true, 0)
	return record, true, nil
}

// PutPage upserts the record under its normalized URL.
func (c *Cache) PutPage(ctx context.Context, rawURL string, record crawler.PageRecord) error {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("normalize cache key: %w", err)
	}
	record.Analysis = nil
	record.FromCache = false
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}
	return c.put(ctx, Entry{Namespace: ledger.NamespacePage, Key: key, Payload: payload}, c.cfg.PageTTL)
}

// GetAnalysis returns the analysis stored for fingerprint and the usage of the
// call that produced it.
func (c *Cache) GetAnalysis(
	ctx context.Context,
	fingerprint string,
	rec ledger.Recorder,
) (crawler.Analysis, crawler.Usage, bool, error) {
	entry, ok, err := c.lookup(ctx, ledger.NamespaceAnalysis, c.analysisKey(fingerprint))
	if err != nil {
		return crawler.Analysis{}, crawler.Usage{}, false, err
	}
	if !ok {
		c.book(rec, ledger.NamespaceAnalysis, false, 0)
		return crawler.Analysis{}, crawler.Usage{}, false, nil
	}
	var stored cachedAnalysis
	if err := json.Unmarshal(entry.Payload, &stored); err != nil {
		c.logger.Warn("dropping undecodable analysis entry", zap.String("fingerprint", fingerprint), zap.Error(err))
		c.book(rec, ledger.NamespaceAnalysis, false, 0)
		return crawler.Analysis{}, crawler.Usage{}, false, nil
	}
	c.book(rec, ledger.NamespaceAnalysis, true, entry.Cost)
	return stored.Analysis, stored.Usage, true, nil
}

// PutAnalysis upserts analysis under fingerprint.
func (c *Cache) PutAnalysis(ctx context.Context, fingerprint string, analysis crawler.Analysis, usage crawler.Usage) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	payload, err := json.Marshal(cachedAnalysis{Analysis: analysis, Usage: usage})
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	return c.put(ctx, Entry{
		Namespace: ledger.NamespaceAnalysis,
		Key:       c.analysisKey(fingerprint),
		Payload:   payload,
		Tokens:    usage.Tokens(),
		Cost:      usage.Cost,
	}, c.cfg.AnalysisTTL)
}

// analysisKey scopes fingerprint to the configured model.
func (c *Cache) analysisKey(fingerprint string) string {
	if c.cfg.AnalysisScope == "" {
		return fingerprint
	}
	return c.cfg.AnalysisScope + ":" + fingerprint
}

// PurgeExpired physically removes expired entries.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	if n > 0 {
		c.logger.Info("purged expired cache entries", zap.Int64("removed", n))
	}
	return n, nil
}

// Clear removes every entry and resets the global ledger.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	c.ledger.Reset()
	c.logger.Info("cache cleared")
	return nil
}

// Stats combines live entry counts with the ledger over the last days days.
func (c *Cache) Stats(ctx context.Context, days int) (crawler.CacheStats, error) {
	summary, err := c.store.Summarize(ctx, c.now())
	if err != nil {
		return crawler.CacheStats{}, fmt.Errorf("summarize cache: %w", err)
	}
	counters := c.ledger.Window(days)
	return crawler.CacheStats{
		CachedPages:     summary.Pages,
		CachedAnalyses:  summary.Analyses,
		TotalAccesses:   summary.Accesses,
		CacheHits:       counters.CacheHits(),
		CacheMisses:     counters.CacheMisses(),
		CacheHitRate:    counters.HitRate(),
		APICallsSaved:   counters.APICallsSaved(),
		CostSaved:       counters.CostSaved,
		TotalTokensUsed: counters.TokensUsed,
		TotalCost:       counters.TotalCost,
		WindowDays:      days,
	}, nil
}

// Ledger exposes the global ledger.
func (c *Cache) Ledger() *ledger.Ledger {
	return c.ledger
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close cache store: %w", err)
	}
	return nil
}

func (c *Cache) lookup(ctx context.Context, ns ledger.Namespace, key string) (Entry, bool, error) {
	entry, err := c.store.Get(ctx, ns, key)
	if errors.Is(err, ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read %s entry: %w", ns, err)
	}
	if entry.Expired(c.now()) {
		return Entry{}, false, nil
	}
	if err := c.store.Touch(ctx, ns, key); err != nil {
		c.logger.Warn("cache access count update failed", zap.String("kind", string(ns)), zap.Error(err))
	}
	return entry, true, nil
}

func (c *Cache) put(ctx context.Context, entry Entry, ttl time.Duration) error {
	now := c.now()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)
	if err := c.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("write %s entry: %w", entry.Namespace, err)
	}
	return nil
}

func (c *Cache) book(rec ledger.Recorder, ns ledger.Namespace, hit bool, saved float64) {
	if rec == nil {
		rec = c.ledger
	}
	if hit {
		rec.RecordHit(ns, saved)
		metrics.ObserveCacheLookup(string(ns), "hit")
		return
	}
	rec.RecordMiss(ns)
	metrics.ObserveCacheLookup(string(ns), "miss")
}

func (c *Cache) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}
