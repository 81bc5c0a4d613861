// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/codedox/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Health     HealthConfig     `mapstructure:"health"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the job store. An empty DSN uses the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// CrawlerConfig governs the fetcher, the extraction pipeline and the orchestrator.
type CrawlerConfig struct {
	Workers          int           `mapstructure:"workers"`
	BatchSize        int           `mapstructure:"batch_size"`
	StatusCheckEvery int           `mapstructure:"status_check_every"`
	ProgressEvery    int           `mapstructure:"progress_every"`
	CancelTimeout    time.Duration `mapstructure:"cancel_timeout"`
	MaxDepthDefault  int           `mapstructure:"max_depth_default"`
	MaxPagesDefault  int           `mapstructure:"max_pages_default"`
	UserAgent        string        `mapstructure:"user_agent"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	Parallelism      int           `mapstructure:"parallelism"`
	Delay            time.Duration `mapstructure:"delay"`
	// ForbiddenThreshold blocks a host for the rest of a crawl after this
	// many 403/429 responses.
	ForbiddenThreshold int            `mapstructure:"forbidden_threshold"`
	Headless           HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig controls rendering pages in headless Chrome.
//   - Mode: never, auto (render pages whose static markdown looks like an
//     empty application shell) or always.
type HeadlessConfig struct {
	Mode              string        `mapstructure:"mode"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Settle            time.Duration `mapstructure:"settle"`
	MinMarkdownChars  int           `mapstructure:"min_markdown_chars"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// TelemetryConfig controls OpenTelemetry tracing. Spans are exported to
// Cloud Trace when ProjectID is set.
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// HealthConfig tunes stall detection.
type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	StallThreshold   time.Duration `mapstructure:"stall_threshold"`
	WarningThreshold time.Duration `mapstructure:"warning_threshold"`
}

// ProgressConfig tunes heartbeats and the notification hub.
type ProgressConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BufferSize        int           `mapstructure:"buffer_size"`
	Batch             BatchConfig   `mapstructure:"batch"`
	SinkTimeoutMs     int           `mapstructure:"sink_timeout_ms"`
	LogEnabled        bool          `mapstructure:"log_enabled"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
}

// BatchConfig controls hub batching.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// NotifyConfig enables optional external notification sinks.
type NotifyConfig struct {
	Redis  RedisConfig  `mapstructure:"redis"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// RedisConfig enables the Redis PUBLISH sink when Addr is set.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// PubSubConfig enables the Pub/Sub sink when ProjectID and Topic are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ExtractionConfig selects the code extraction backend.
type ExtractionConfig struct {
	Provider          string        `mapstructure:"provider"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	RPS               float64       `mapstructure:"rps"`
	Burst             int           `mapstructure:"burst"`
	MaxMarkdownChars  int           `mapstructure:"max_markdown_chars"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ClassifierEnabled bool          `mapstructure:"classifier_enabled"`
}

// StorageConfig selects the page archive.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DedupConfig selects the content hasher.
type DedupConfig struct {
	Hash string `mapstructure:"hash"`
}

// Extraction providers.
const (
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

// Archive backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Headless render modes.
const (
	RenderNever  = "never"
	RenderAuto   = "auto"
	RenderAlways = "always"
)

// Content hashers.
const (
	HashSHA256 = "sha256"
	HashXXHash = "xxhash"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CODEDOX")
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
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("crawler.workers", 5)
	v.SetDefault("crawler.batch_size", 10)
	v.SetDefault("crawler.status_check_every", 5)
	v.SetDefault("crawler.progress_every", 3)
	v.SetDefault("crawler.cancel_timeout", "5s")
	v.SetDefault("crawler.max_depth_default", 1)
	v.SetDefault("crawler.max_pages_default", 0)
	v.SetDefault("crawler.user_agent", "codedox-bot/0.1")
	v.SetDefault("crawler.request_timeout", "15s")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.parallelism", 4)
	v.SetDefault("crawler.delay", "0s")
	v.SetDefault("crawler.forbidden_threshold", 3)
	v.SetDefault("crawler.headless.mode", RenderNever)
	v.SetDefault("crawler.headless.max_parallel", 2)
	v.SetDefault("crawler.headless.navigation_timeout", "45s")
	v.SetDefault("crawler.headless.settle", "500ms")
	v.SetDefault("crawler.headless.min_markdown_chars", 200)
	v.SetDefault("crawler.headless.exec_path", "")
	v.SetDefault("health.interval", "10s")
	v.SetDefault("health.stall_threshold", "60s")
	v.SetDefault("health.warning_threshold", "30s")
	v.SetDefault("progress.heartbeat_interval", "5s")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)
	v.SetDefault("notify.redis.addr", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel_prefix", "codedox:jobs:")
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic", "")
	v.SetDefault("extraction.provider", ProviderGemini)
	v.SetDefault("extraction.api_key", "")
	v.SetDefault("extraction.model", "gemini-2.5-flash")
	v.SetDefault("extraction.rps", 2)
	v.SetDefault("extraction.burst", 2)
	v.SetDefault("extraction.max_markdown_chars", 60000)
	v.SetDefault("extraction.max_attempts", 3)
	v.SetDefault("extraction.retry_delay", "500ms")
	v.SetDefault("extraction.classifier_enabled", true)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.local.base_dir", "data/pages")
	v.SetDefault("dedup.hash", HashSHA256)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "codedox")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Health.StallThreshold <= 0 {
		return fmt.Errorf("health.stall_threshold must be > 0")
	}
	switch c.Extraction.Provider {
	case ProviderGemini:
		if c.Extraction.APIKey == "" {
			return fmt.Errorf("extraction.api_key must be set for provider %q", ProviderGemini)
		}
	case ProviderNone:
	default:
		return fmt.Errorf("extraction.provider %q is not supported", c.Extraction.Provider)
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Dedup.Hash {
	case HashSHA256, HashXXHash:
	default:
		return fmt.Errorf("dedup.hash %q is not supported", c.Dedup.Hash)
	}
	switch c.Crawler.Headless.Mode {
	case "", RenderNever, RenderAuto, RenderAlways:
	default:
		return fmt.Errorf("crawler.headless.mode %q is not supported", c.Crawler.Headless.Mode)
	}
	if c.Crawler.Headless.MaxParallel < 0 {
		return fmt.Errorf("crawler.headless.max_parallel must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if (c.Notify.PubSub.ProjectID == "") != (c.Notify.PubSub.Topic == "") {
		return fmt.Errorf("notify.pubsub.project_id and notify.pubsub.topic must be set together")
	}
	return nil
}

// HubBatchWait converts the hub batching window to a duration.
func (c ProgressConfig) HubBatchWait() time.Duration {
	return time.Duration(c.Batch.MaxWaitMs) * time.Millisecond
}

// HubSinkTimeout converts the per-sink timeout to a duration.
func (c ProgressConfig) HubSinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutMs) * time.Millisecond
}
