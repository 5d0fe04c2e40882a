// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Queue       QueueConfig       `mapstructure:"queue"`
	DB          DBConfig          `mapstructure:"db"`
	GitHub      GitHubConfig      `mapstructure:"github"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// QueueConfig tunes the job queue. Backend is "memory" or "postgres".
type QueueConfig struct {
	Backend         string        `mapstructure:"backend"`
	Schema          string        `mapstructure:"schema"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	DefaultPriority int           `mapstructure:"default_priority"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// GitHubConfig configures the repository crawler.
type GitHubConfig struct {
	Token    string `mapstructure:"token"`
	BaseURL  string `mapstructure:"base_url"`
	MaxFiles int    `mapstructure:"max_files"`
}

// ScraperConfig bounds documentation site crawls.
type ScraperConfig struct {
	MaxPages       int           `mapstructure:"max_pages"`
	MaxDepth       int           `mapstructure:"max_depth"`
	Delay          time.Duration `mapstructure:"delay"`
	MaxLinks       int           `mapstructure:"max_links"`
	UserAgent      string        `mapstructure:"user_agent"`
	Markdown       bool          `mapstructure:"markdown"`
	ValidateTarget bool          `mapstructure:"validate_target"`
}

// HTTPConfig configures outbound HTTP.
type HTTPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	PromotionThresh int           `mapstructure:"promotion_threshold"`
	ExecPath        string        `mapstructure:"exec_path"`
}

// StorageConfig selects where result bundles are written. Backend is
// "memory", "local" or "gcs".
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds the result event destination. An empty project uses
// the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MaintenanceConfig schedules stats logging and job cleanup.
type MaintenanceConfig struct {
	StatsInterval   time.Duration `mapstructure:"stats_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Retention       time.Duration `mapstructure:"retention"`
}

// Load builds a Config from an optional file plus CRAWLER_* environment
// variables.
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "docindex-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.schema", "crawler_jobs")
	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "2s")
	v.SetDefault("queue.backoff_max", "0s")
	v.SetDefault("queue.default_priority", 10)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.max_files", 50)
	v.SetDefault("scraper.max_pages", 200)
	v.SetDefault("scraper.max_depth", 5)
	v.SetDefault("scraper.delay", "500ms")
	v.SetDefault("scraper.max_links", 20)
	v.SetDefault("scraper.user_agent", "docindex-crawler/1.0")
	v.SetDefault("scraper.markdown", true)
	v.SetDefault("scraper.validate_target", false)
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_body_size", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.promotion_threshold", 200)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.prefix", "crawls")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "crawl-results")
	v.SetDefault("maintenance.stats_interval", "60s")
	v.SetDefault("maintenance.cleanup_interval", "1h")
	v.SetDefault("maintenance.retention", "24h")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when queue.backend is postgres")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or postgres, got %q", c.Queue.Backend)
	}
	if c.Scraper.MaxPages <= 0 {
		return fmt.Errorf("scraper.max_pages must be > 0")
	}
	if c.Scraper.MaxDepth < 0 {
		return fmt.Errorf("scraper.max_depth must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	return nil
}
