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
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Index     IndexConfig     `mapstructure:"index"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlConfig governs the crawl orchestrator.
type CrawlConfig struct {
	SiteBaseURL     string  `mapstructure:"site_base_url"`
	Workers         int     `mapstructure:"workers"`
	PerDomainRPS    float64 `mapstructure:"per_domain_rps"`
	PerDomainBurst  int     `mapstructure:"per_domain_burst"`
	StoreMaxRetries int     `mapstructure:"store_max_retries"`
	SkipKnownLinks  bool    `mapstructure:"skip_known_links"`
	RebuildEvery    int     `mapstructure:"rebuild_every"`
}

// FetchConfig configures the HTTP fetcher's retry behavior.
type FetchConfig struct {
	UserAgents       []string `mapstructure:"user_agents"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	MaxRetries       int      `mapstructure:"max_retries"`
	BackoffInitialMs int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int      `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int      `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the browser fallback fetcher.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// DatabaseConfig controls persistence. Provider is "postgres" or "memory".
type DatabaseConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// IndexConfig tunes the similarity index.
type IndexConfig struct {
	DefaultK int `mapstructure:"default_k"`
	MaxK     int `mapstructure:"max_k"`
}

// ArchiveConfig sets raw-page blob persistence. Provider is "gcs", "local",
// or "noop".
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig holds the decision-event publisher settings. Provider is
// "pubsub" or "noop".
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSDEDUP")
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
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("crawl.site_base_url", "https://www.inform.kz")
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.per_domain_rps", 1.0)
	v.SetDefault("crawl.per_domain_burst", 2)
	v.SetDefault("crawl.store_max_retries", 3)
	v.SetDefault("crawl.skip_known_links", true)
	v.SetDefault("crawl.rebuild_every", 256)
	v.SetDefault("fetch.user_agents", []string{"newsdedup-bot/0.1"})
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("database.provider", "memory")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.migrate", true)
	v.SetDefault("index.default_k", 10)
	v.SetDefault("index.max_k", 100)
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. The error names
// the first offending key.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.PerDomainRPS <= 0 {
		return fmt.Errorf("crawl.per_domain_rps must be > 0")
	}
	if c.Crawl.StoreMaxRetries < 0 {
		return fmt.Errorf("crawl.store_max_retries must be >= 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if len(c.Fetch.UserAgents) == 0 {
		return fmt.Errorf("fetch.user_agents must not be empty")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Database.Provider {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("database.provider must be postgres or memory")
	}
	if c.Index.DefaultK <= 0 || c.Index.DefaultK > c.Index.MaxK {
		return fmt.Errorf("index.default_k must be in (0, index.max_k]")
	}
	switch c.Archive.Provider {
	case "noop":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs provider")
		}
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local provider")
		}
	default:
		return fmt.Errorf("archive.provider must be gcs, local, or noop")
	}
	switch c.Publisher.Provider {
	case "noop":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicName == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_name are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("publisher.provider must be pubsub or noop")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// ServerTimeout converts the server request timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
