// Package server assembles the service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/analysis"
	anthropicanalyzer "github.com/JakeFAU/site-insight-crawler/internal/analysis/anthropic"
	geminianalyzer "github.com/JakeFAU/site-insight-crawler/internal/analysis/gemini"
	"github.com/JakeFAU/site-insight-crawler/internal/api"
	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	badgercache "github.com/JakeFAU/site-insight-crawler/internal/cache/badger"
	memorycache "github.com/JakeFAU/site-insight-crawler/internal/cache/memory"
	pgcache "github.com/JakeFAU/site-insight-crawler/internal/cache/postgres"
	rediscache "github.com/JakeFAU/site-insight-crawler/internal/cache/redis"
	sqlitecache "github.com/JakeFAU/site-insight-crawler/internal/cache/sqlite"
	"github.com/JakeFAU/site-insight-crawler/internal/clock/system"
	"github.com/JakeFAU/site-insight-crawler/internal/config"
	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/dispatcher"
	"github.com/JakeFAU/site-insight-crawler/internal/export"
	collyfetcher "github.com/JakeFAU/site-insight-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/site-insight-crawler/internal/hash/sha256"
	"github.com/JakeFAU/site-insight-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-insight-crawler/internal/jobs"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
	"github.com/JakeFAU/site-insight-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/site-insight-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/site-insight-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/site-insight-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-insight-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/site-insight-crawler/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/site-insight-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-insight-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-insight-crawler/internal/storage/memory"
)

const purgeTimeout = 5 * time.Minute

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	cache        *cache.Cache
	manager      *jobs.Manager
	exporter     *export.Exporter
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	progressHub  *progress.Hub
	queue        *queuememory.Queue
	scheduler    *cron.Cron
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client

	stopWorkers context.CancelFunc
	workersDone chan struct{}
}

// Build creates the application's dependencies. Nothing runs until Start.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive settings are logged.
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("analysis_provider", cfg.Analysis.Provider),
		zap.String("export_backend", cfg.Export.Backend),
		zap.Int("workers", cfg.Crawler.Workers),
	)
	app := &App{cfg: cfg, logger: logger}

	clock := system.New()
	contentCache, err := OpenCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.cache = contentCache

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	app.exporter = export.New(blobStore, logger.Named("export"))

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	app.progressHub = setupProgress(app)

	analyzer, err := setupAnalyzer(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{Delay: cfg.Crawler.RateLimitDelay})
	engine := crawler.NewEngine(
		collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.Crawler.RequestTimeout,
			MaxBodySize:   cfg.Crawler.MaxBodyBytes,
		}),
		limiter,
		contentCache,
		crawler.NewExtractor(sha256.New()),
		crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
			MaxAttempts: cfg.Crawler.MaxAttempts,
			BaseDelay:   cfg.Crawler.BackoffInitial,
			MaxDelay:    cfg.Crawler.BackoffMax,
		}),
		clock,
		crawler.EngineConfig{Concurrency: cfg.Crawler.Concurrency},
		logger.Named("crawler"),
	)

	registry := jobs.NewRegistry(progress.NewBroadcaster(0, logger.Named("broadcaster")))
	app.queue = queuememory.NewQueue(cfg.Crawler.QueueDepth)
	app.manager = jobs.NewManager(
		registry,
		app.queue,
		uuid.New(),
		clock,
		app.exporter,
		jobs.ManagerConfig{
			DefaultMaxPages: cfg.Crawler.MaxPagesDefault,
			MaxPagesLimit:   cfg.Crawler.MaxPagesLimit,
		},
		logger.Named("jobs"),
	)
	runner := jobs.NewRunner(jobs.RunnerDeps{
		Registry:  registry,
		Crawler:   engine,
		Analyzer:  analyzer,
		Exporter:  app.exporter,
		Ledger:    contentCache.Ledger(),
		Limiter:   limiter,
		Publisher: publisher,
		Events:    app.progressHub,
		Clock:     clock,
		Logger:    logger.Named("runner"),
	}, jobs.RunnerConfig{NotifyTopic: cfg.PubSub.TopicName})
	app.dispatch = dispatcher.NewPool(app.queue, runner, cfg.Crawler.Workers, logger.Named("worker"))

	app.apiServer = api.NewServer(api.Deps{
		Jobs:    app.manager,
		Cache:   contentCache,
		Reports: app.exporter,
		Ready: func(ctx context.Context) error {
			_, err := contentCache.Stats(ctx, 1)
			return err
		},
	}, api.Config{
		RequestTimeout:  cfg.Crawler.RequestTimeout * 2,
		StatsWindowDays: cfg.Cache.StatsWindowDays,
	}, logger.Named("api"))

	return app, nil
}

// OpenCache opens the configured cache backend behind a fresh ledger.
func OpenCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (*cache.Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		store cache.Store
		err   error
	)
	switch cfg.Cache.Backend {
	case config.CacheSQLite:
		store, err = sqlitecache.Open(cfg.Cache.SQLite.Path)
	case config.CacheBadger:
		store, err = badgercache.Open(cfg.Cache.Badger.Dir)
	case config.CachePostgres:
		store, err = pgcache.Open(ctx, pgcache.Config{
			DSN:             cfg.Cache.Postgres.DSN,
			Table:           cfg.Cache.Postgres.Table,
			MaxConns:        cfg.Cache.Postgres.MaxConns,
			MinConns:        cfg.Cache.Postgres.MinConns,
			MaxConnLifetime: cfg.Cache.Postgres.MaxConnLifetime,
		})
	case config.CacheRedis:
		store, err = rediscache.Open(rediscache.Config{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
	case config.CacheMemory:
		store = memorycache.New()
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Backend, err)
	}
	logger.Info("content cache opened", zap.String("backend", cfg.Cache.Backend))
	clock := system.New()
	return cache.New(store, ledger.New(clock), clock, cache.Config{
		PageTTL:       cfg.Cache.PageTTL(),
		AnalysisTTL:   cfg.Cache.AnalysisTTL(),
		AnalysisScope: cfg.Analysis.Provider + "/" + cfg.Analysis.Model,
	}, logger.Named("cache")), nil
}

// Manager exposes the job manager for in-process callers such as the CLI.
func (a *App) Manager() *jobs.Manager {
	return a.manager
}

// Cache exposes the content cache.
func (a *App) Cache() *cache.Cache {
	return a.cache
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start launches the worker pool and the purge schedule. It returns
// immediately; Close stops both. Workers outlive ctx so Close can let
// in-flight jobs finish.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopWorkers = cancel
	a.workersDone = make(chan struct{})
	go func() {
		defer close(a.workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(runCtx)
	}()

	if a.cfg.Cache.PurgeSchedule == "" {
		return nil
	}
	a.scheduler = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := a.scheduler.AddFunc(a.cfg.Cache.PurgeSchedule, a.purge); err != nil {
		return fmt.Errorf("schedule cache purge: %w", err)
	}
	a.scheduler.Start()
	a.logger.Info("cache purge scheduled", zap.String("schedule", a.cfg.Cache.PurgeSchedule))
	return nil
}

func (a *App) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	removed, err := a.cache.PurgeExpired(ctx)
	if err != nil {
		a.logger.Warn("scheduled cache purge failed", zap.Error(err))
		return
	}
	metrics.ObserveCachePurge(removed)
	a.cache.Ledger().Prune(a.cfg.Cache.StatsWindowDays)
}

// Serve starts the application and blocks until the context is canceled or
// a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops accepting work, waits for queued and running jobs until ctx
// ends, then releases every client the app opened.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	a.queue.Close()
	if a.stopWorkers != nil {
		select {
		case <-a.workersDone:
		case <-ctx.Done():
			a.logger.Warn("canceling jobs still running at the shutdown deadline")
			a.stopWorkers()
			<-a.workersDone
		}
		a.stopWorkers()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close failed", zap.Error(err))
		}
	}
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Export
	switch cfg.Backend {
	case config.ExportGCS:
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: cfg.GCSBucket,
			Prefix: cfg.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS report storage", zap.String("bucket", cfg.GCSBucket))
		return blobStore, nil
	case config.ExportLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local report storage", zap.String("path", cfg.LocalDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.gcpPublisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return app.gcpPublisher, nil
}

func setupProgress(app *App) *progress.Hub {
	sinkList := []progress.Sink{progresssinks.NewLogSink(app.logger.Named("progress_log"))}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		// A second app in the same process finds the collectors taken.
		app.logger.Warn("prometheus progress sink disabled", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	return progress.NewHub(progress.Config{Logger: app.logger.Named("progress_hub")}, sinkList...)
}

// setupAnalyzer returns nil when analysis is switched off, which makes the
// runner skip the analyzing state.
func setupAnalyzer(ctx context.Context, app *App) (jobs.Analyzer, error) {
	cfg := app.cfg.Analysis
	if !cfg.AIEnabled() {
		app.logger.Info("content analysis disabled")
		return nil, nil
	}
	pricing := analysis.Pricing{
		InputPerMillion:  cfg.InputCostPerMillion,
		OutputPerMillion: cfg.OutputCostPerMillion,
	}
	var (
		provider analysis.Analyzer
		err      error
	)
	switch cfg.Provider {
	case config.ProviderAnthropic:
		provider, err = anthropicanalyzer.New(anthropicanalyzer.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   int64(cfg.MaxTokens),
			Temperature: cfg.Temperature,
			Pricing:     pricing,
		})
	case config.ProviderGemini:
		provider, err = geminianalyzer.New(ctx, geminianalyzer.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   int32(cfg.MaxTokens),
			Temperature: float32(cfg.Temperature),
			Pricing:     pricing,
		})
	default:
		return nil, fmt.Errorf("unsupported analysis provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s analyzer init failed: %w", cfg.Provider, err)
	}
	app.logger.Info("content analysis enabled", zap.String("provider", provider.Name()))
	return analysis.NewBatcher(
		provider,
		app.cache,
		crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffInitial,
			MaxDelay:    cfg.BackoffMax,
		}),
		analysis.Config{
			MinWords:     cfg.MinWords,
			MaxTextChars: cfg.MaxTextChars,
			Concurrency:  cfg.Concurrency,
			Timeout:      cfg.Timeout,
		},
		app.logger.Named("analysis"),
	), nil
}
