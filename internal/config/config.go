// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Dedupe     DedupeConfig     `mapstructure:"dedupe"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Blob       BlobConfig       `mapstructure:"blob"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PipelineConfig governs worker and extraction behavior.
type PipelineConfig struct {
	Workers           int    `mapstructure:"workers"`
	QueueDepth        int    `mapstructure:"queue_depth"`
	MaxPagesDefault   int    `mapstructure:"max_pages_default"`
	JobTimeoutSeconds int    `mapstructure:"job_timeout_seconds"`
	UserAgent         string `mapstructure:"user_agent"`
	SnapshotPages     bool   `mapstructure:"snapshot_pages"`
}

// HTTPConfig configures the rate-limited fetcher.
type HTTPConfig struct {
	TimeoutSeconds        int `mapstructure:"timeout_seconds"`
	MaxRetries            int `mapstructure:"max_retries"`
	BackoffInitialMs      int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int `mapstructure:"backoff_max_ms"`
	DomainIntervalSeconds int `mapstructure:"domain_interval_seconds"`
	MaxBodyBytes          int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the chromedp escape hatch for JS-rendered pages.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// DedupeConfig tunes the fuzzy-match threshold.
type DedupeConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// SchedulerConfig controls the cron loop and failure backoff.
type SchedulerConfig struct {
	TickSeconds       int `mapstructure:"tick_seconds"`
	MaxBackoffSeconds int `mapstructure:"max_backoff_seconds"`
}

// ComplianceConfig identifies the crawler to site owners.
type ComplianceConfig struct {
	ContactEmail string `mapstructure:"contact_email"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// repository.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig controls the optional redis-backed job queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BlobConfig sets the raw page snapshot destination.
type BlobConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for job summary events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.max_pages_default", 10)
	v.SetDefault("pipeline.job_timeout_seconds", 600)
	v.SetDefault("pipeline.user_agent", "harvester-bot/0.1")
	v.SetDefault("pipeline.snapshot_pages", false)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 2000)
	v.SetDefault("http.backoff_max_ms", 60000)
	v.SetDefault("http.domain_interval_seconds", 2)
	v.SetDefault("http.max_body_bytes", 5_000_000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("dedupe.threshold", 0.85)
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("scheduler.max_backoff_seconds", 86400)
	v.SetDefault("compliance.contact_email", "crawler@openlistings.example")
	v.SetDefault("metrics.port", 9090)

	// Registered empty so AutomaticEnv can populate them.
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 0)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("blob.local_dir", "")
	v.SetDefault("blob.prefix", "pages")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Dedupe.Threshold <= 0 || c.Dedupe.Threshold > 1 {
		return fmt.Errorf("dedupe.threshold must be in (0, 1]")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	return nil
}

// JobTimeout is the wall-clock budget for one job.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Pipeline.JobTimeoutSeconds) * time.Second
}

// DomainInterval is the minimum gap between requests to one domain.
func (c Config) DomainInterval() time.Duration {
	return time.Duration(c.HTTP.DomainIntervalSeconds) * time.Second
}
