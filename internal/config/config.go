// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheSQLite   = "sqlite"
	CacheBadger   = "badger"
	CachePostgres = "postgres"
	CacheRedis    = "redis"
)

// Analysis providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderNone      = "none"
)

// Export backends.
const (
	ExportLocal  = "local"
	ExportMemory = "memory"
	ExportGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Export   ExportConfig   `mapstructure:"export"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the worker pool and the crawl engine.
type CrawlerConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	Concurrency     int           `mapstructure:"concurrency"`
	RateLimitDelay  time.Duration `mapstructure:"rate_limit_delay"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxPagesDefault int           `mapstructure:"max_pages_default"`
	MaxPagesLimit   int           `mapstructure:"max_pages_limit"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	UserAgent       string        `mapstructure:"user_agent"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// CacheConfig selects and tunes the content cache.
type CacheConfig struct {
	Backend         string         `mapstructure:"backend"`
	PageTTLDays     int            `mapstructure:"page_ttl_days"`
	AnalysisTTLDays int            `mapstructure:"analysis_ttl_days"`
	StatsWindowDays int            `mapstructure:"stats_window_days"`
	PurgeSchedule   string         `mapstructure:"purge_schedule"`
	SQLite          SQLiteConfig   `mapstructure:"sqlite"`
	Badger          BadgerConfig   `mapstructure:"badger"`
	Postgres        PostgresConfig `mapstructure:"postgres"`
	Redis           RedisConfig    `mapstructure:"redis"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// BadgerConfig points at the badger data directory.
type BadgerConfig struct {
	Dir string `mapstructure:"dir"`
}

// PostgresConfig controls access to a shared Postgres cache.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig controls access to a shared Redis cache.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AnalysisConfig selects the content-analysis provider and its budget.
type AnalysisConfig struct {
	Provider             string        `mapstructure:"provider"`
	APIKey               string        `mapstructure:"api_key"`
	Model                string        `mapstructure:"model"`
	MinWords             int           `mapstructure:"min_words"`
	MaxTextChars         int           `mapstructure:"max_text_chars"`
	Concurrency          int           `mapstructure:"concurrency"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxTokens            int           `mapstructure:"max_tokens"`
	Temperature          float64       `mapstructure:"temperature"`
	InputCostPerMillion  float64       `mapstructure:"input_cost_per_million"`
	OutputCostPerMillion float64       `mapstructure:"output_cost_per_million"`
}

// ExportConfig sets where report files are written.
type ExportConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for job completion notifications. An empty
// project keeps notifications in process.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.rate_limit_delay", 500*time.Millisecond)
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.max_pages_default", 500)
	v.SetDefault("crawler.max_pages_limit", 5000)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (compatible; SiteInsight/1.0)")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.backoff_initial", 250*time.Millisecond)
	v.SetDefault("crawler.backoff_max", 5*time.Second)

	v.SetDefault("cache.backend", CacheSQLite)
	v.SetDefault("cache.page_ttl_days", 30)
	v.SetDefault("cache.analysis_ttl_days", 30)
	v.SetDefault("cache.stats_window_days", 30)
	v.SetDefault("cache.purge_schedule", "@every 1h")
	v.SetDefault("cache.sqlite.path", "data/cache.db")
	v.SetDefault("cache.badger.dir", "data/badger")
	v.SetDefault("cache.postgres.dsn", "")
	v.SetDefault("cache.postgres.table", "content_cache")
	v.SetDefault("cache.postgres.max_conns", 4)
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.prefix", "siteinsight")

	v.SetDefault("analysis.provider", ProviderAnthropic)
	// Keys without a real default are still registered so AutomaticEnv can
	// fill them during Unmarshal.
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.model", "")
	v.SetDefault("analysis.min_words", 50)
	v.SetDefault("analysis.max_text_chars", 3000)
	v.SetDefault("analysis.concurrency", 2)
	v.SetDefault("analysis.max_attempts", 3)
	v.SetDefault("analysis.backoff_initial", time.Second)
	v.SetDefault("analysis.backoff_max", 20*time.Second)
	v.SetDefault("analysis.timeout", 60*time.Second)
	v.SetDefault("analysis.max_tokens", 500)
	v.SetDefault("analysis.temperature", 0.3)
	v.SetDefault("analysis.input_cost_per_million", 0.80)
	v.SetDefault("analysis.output_cost_per_million", 4.00)

	v.SetDefault("export.backend", ExportLocal)
	v.SetDefault("export.local_dir", "output")
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.prefix", "reports")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "siteinsight-jobs")
}

func (c *Config) normalize() {
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Analysis.Provider = strings.ToLower(strings.TrimSpace(c.Analysis.Provider))
	c.Export.Backend = strings.ToLower(strings.TrimSpace(c.Export.Backend))
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Crawler.Workers <= 0 {
		errs = append(errs, errors.New("crawler.workers must be > 0"))
	}
	if c.Crawler.QueueDepth <= 0 {
		errs = append(errs, errors.New("crawler.queue_depth must be > 0"))
	}
	if c.Crawler.Concurrency <= 0 {
		errs = append(errs, errors.New("crawler.concurrency must be > 0"))
	}
	if c.Crawler.RequestTimeout <= 0 {
		errs = append(errs, errors.New("crawler.request_timeout must be > 0"))
	}
	if c.Crawler.RateLimitDelay < 0 {
		errs = append(errs, errors.New("crawler.rate_limit_delay must be >= 0"))
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		errs = append(errs, errors.New("crawler.max_pages_default must be > 0"))
	}
	if c.Crawler.MaxPagesLimit > 0 && c.Crawler.MaxPagesDefault > c.Crawler.MaxPagesLimit {
		errs = append(errs, errors.New("crawler.max_pages_default exceeds crawler.max_pages_limit"))
	}
	errs = append(errs, c.Cache.validate()...)
	errs = append(errs, c.Analysis.validate()...)
	errs = append(errs, c.Export.validate()...)
	return errors.Join(errs...)
}

func (c CacheConfig) validate() []error {
	var errs []error
	switch c.Backend {
	case CacheMemory:
	case CacheSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("cache.sqlite.path is required for the sqlite backend"))
		}
	case CacheBadger:
		if c.Badger.Dir == "" {
			errs = append(errs, errors.New("cache.badger.dir is required for the badger backend"))
		}
	case CachePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("cache.postgres.dsn is required for the postgres backend"))
		}
	case CacheRedis:
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("cache.redis.address is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not supported", c.Backend))
	}
	if c.PageTTLDays <= 0 || c.AnalysisTTLDays <= 0 {
		errs = append(errs, errors.New("cache ttl days must be > 0"))
	}
	if c.StatsWindowDays <= 0 {
		errs = append(errs, errors.New("cache.stats_window_days must be > 0"))
	}
	return errs
}

func (c AnalysisConfig) validate() []error {
	var errs []error
	switch c.Provider {
	case ProviderNone:
		return nil
	case ProviderAnthropic, ProviderGemini:
		if c.APIKey == "" {
			errs = append(errs, fmt.Errorf("analysis.api_key is required for the %s provider", c.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("analysis.provider %q is not supported", c.Provider))
	}
	if c.MinWords < 0 {
		errs = append(errs, errors.New("analysis.min_words must be >= 0"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("analysis.concurrency must be > 0"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("analysis.timeout must be > 0"))
	}
	if c.InputCostPerMillion < 0 || c.OutputCostPerMillion < 0 {
		errs = append(errs, errors.New("analysis cost per million must be >= 0"))
	}
	return errs
}

func (c ExportConfig) validate() []error {
	switch c.Backend {
	case ExportMemory:
	case ExportLocal:
		if c.LocalDir == "" {
			return []error{errors.New("export.local_dir is required for the local backend")}
		}
	case ExportGCS:
		if c.GCSBucket == "" {
			return []error{errors.New("export.gcs_bucket is required for the gcs backend")}
		}
	default:
		return []error{fmt.Errorf("export.backend %q is not supported", c.Backend)}
	}
	return nil
}

// PageTTL converts the configured page lifetime into a duration.
func (c CacheConfig) PageTTL() time.Duration {
	return time.Duration(c.PageTTLDays) * 24 * time.Hour
}

// AnalysisTTL converts the configured analysis lifetime into a duration.
func (c CacheConfig) AnalysisTTL() time.Duration {
	return time.Duration(c.AnalysisTTLDays) * 24 * time.Hour
}

// AIEnabled reports whether a provider is configured.
func (c AnalysisConfig) AIEnabled() bool {
	return c.Provider != ProviderNone
}
