package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-insight-crawler/internal/config"
	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, ShutdownTimeout: 5 * time.Second},
		Crawler: config.CrawlerConfig{
			Workers:         1,
			QueueDepth:      4,
			Concurrency:     2,
			RateLimitDelay:  time.Millisecond,
			RequestTimeout:  5 * time.Second,
			MaxPagesDefault: 10,
			MaxPagesLimit:   100,
			MaxBodyBytes:    1 << 20,
			UserAgent:       "siteinsight-test",
			MaxAttempts:     1,
			BackoffInitial:  time.Millisecond,
			BackoffMax:      time.Millisecond,
		},
		Cache: config.CacheConfig{
			Backend:         config.CacheMemory,
			PageTTLDays:     30,
			AnalysisTTLDays: 30,
			StatsWindowDays: 30,
			PurgeSchedule:   "@every 1h",
		},
		Analysis: config.AnalysisConfig{Provider: config.ProviderNone},
		Export:   config.ExportConfig{Backend: config.ExportMemory},
		PubSub:   config.PubSubConfig{TopicName: "siteinsight-jobs"},
	}
}

func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Home</title></head>
<body><h1>Welcome</h1><p>Landing page.</p><a href="/about">About</a></body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>About</title></head>
<body><h1>About us</h1><p>We build things.</p><a href="/">Home</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAppRunsJobEndToEnd(t *testing.T) {
	site := testSite(t)
	ctx := context.Background()

	app, err := Build(ctx, testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Close(closeCtx))
	})

	snap, err := app.Manager().Submit(ctx, crawler.JobOptions{
		SeedURL:      site.URL,
		UseCache:     true,
		OutputFormat: crawler.FormatCSV,
	})
	require.NoError(t, err)
	require.Equal(t, crawler.StateQueued, snap.Status)

	require.Eventually(t, func() bool {
		got, getErr := app.Manager().Get(snap.JobID)
		return getErr == nil && got.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	final, err := app.Manager().Get(snap.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.StateCompleted, final.Status, final.Message)
	require.NotNil(t, final.Stats)
	require.Equal(t, 2, final.Stats.TotalPages)
	require.Equal(t, 2, final.Stats.Successful)
	require.NotNil(t, final.ResultFile)

	api := httptest.NewServer(app.Handler())
	t.Cleanup(api.Close)
	resp, err := http.Get(api.URL + "/v1/reports/" + *final.ResultFile)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "About us")

	stats, err := app.Cache().Stats(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.CachedPages)
}

func TestBuildRejectsUnknownCacheBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Cache.Backend = "floppy"
	_, err := Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unsupported cache backend")
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Analysis.Provider = "oracle"
	_, err := Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unsupported analysis provider")
}

func TestOpenCacheSQLite(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Cache.Backend = config.CacheSQLite
	cfg.Cache.SQLite.Path = filepath.Join(t.TempDir(), "cache.db")

	c, err := OpenCache(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	stats, err := c.Stats(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 7, stats.WindowDays)
	require.Zero(t, stats.CachedPages)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.PurgeSchedule = "every so often"
	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Error(t, app.Start(context.Background()))

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Close(closeCtx))
}
