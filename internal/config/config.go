// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/archive-pipeline/internal/health"
	"github.com/JakeFAU/archive-pipeline/internal/upload"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Health      HealthConfig      `mapstructure:"health"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig guards the admin API's mutating routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CoordinatorConfig points at the tracker that hands out batches.
type CoordinatorConfig struct {
	URL             string `mapstructure:"url"`
	Project         string `mapstructure:"project"`
	Downloader      string `mapstructure:"downloader"`
	MultiItemSize   int    `mapstructure:"multi_item_size"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	MaxRetrySeconds int    `mapstructure:"max_retry_seconds"`
	IdleSeconds     int    `mapstructure:"idle_seconds"`
	// ClaimsPerSecond paces claims across loops. Zero is unpaced.
	ClaimsPerSecond float64 `mapstructure:"claims_per_second"`
}

// PipelineConfig governs batch execution.
type PipelineConfig struct {
	Version           string `mapstructure:"version"`
	DataDir           string `mapstructure:"data_dir"`
	WarcPrefix        string `mapstructure:"warc_prefix"`
	ConcurrentItems   int    `mapstructure:"concurrent_items"`
	UploadConcurrency int    `mapstructure:"upload_concurrency"`
	KeepOnAbort       bool   `mapstructure:"keep_on_abort"`
}

// FetcherConfig configures the external fetcher process.
type FetcherConfig struct {
	Binary         string `mapstructure:"binary"`
	LuaScript      string `mapstructure:"lua_script"`
	Cookies        string `mapstructure:"cookies"`
	UserAgent      string `mapstructure:"user_agent"`
	ClientVersion  string `mapstructure:"client_version"`
	BindAddress    string `mapstructure:"bind_address"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HealthConfig tunes the DNS interference check.
type HealthConfig struct {
	Hosts    []string `mapstructure:"hosts"`
	Interval int      `mapstructure:"interval"`
}

// StorageConfig selects where uploaded artifacts land.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// DBConfig controls the optional Postgres audit ledger.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for completion event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig tunes batch tracing.
type TelemetryConfig struct {
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment and validates it.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read builds a Config from disk/environment without validating it. Offline
// commands use it because they never contact the coordinator.
func Read(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("coordinator.url", "http://legacy-api.arpa.li")
	v.SetDefault("coordinator.project", "youtube-discussions")
	v.SetDefault("coordinator.downloader", "")
	v.SetDefault("coordinator.multi_item_size", 200)
	v.SetDefault("coordinator.timeout_seconds", 60)
	v.SetDefault("coordinator.max_retry_seconds", 600)
	v.SetDefault("coordinator.idle_seconds", 30)
	v.SetDefault("pipeline.version", "20211011.01")
	v.SetDefault("pipeline.data_dir", "data")
	v.SetDefault("pipeline.warc_prefix", "youtube-discussions")
	v.SetDefault("pipeline.concurrent_items", 1)
	v.SetDefault("pipeline.upload_concurrency", upload.DefaultCeiling)
	v.SetDefault("pipeline.keep_on_abort", false)
	v.SetDefault("fetcher.binary", "wget-at")
	v.SetDefault("fetcher.lua_script", "youtube.lua")
	v.SetDefault("fetcher.cookies", "cookies.txt")
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:93.0) Gecko/20100101 Firefox/93.0")
	v.SetDefault("fetcher.client_version", "2.20211008.01.00")
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("health.hosts", health.DefaultHosts)
	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "uploads")
	v.SetDefault("db.table", "batch_transitions")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Coordinator.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Pipeline.DataDir) == "" {
		return fmt.Errorf("pipeline.data_dir is required")
	}
	if strings.ContainsAny(c.Pipeline.WarcPrefix, `/\`) || c.Pipeline.WarcPrefix == "" {
		return fmt.Errorf("pipeline.warc_prefix must be a non-empty file name prefix")
	}
	if c.Pipeline.ConcurrentItems <= 0 {
		return fmt.Errorf("pipeline.concurrent_items must be > 0")
	}
	if err := upload.ValidateCeiling(c.Pipeline.UploadConcurrency); err != nil {
		return fmt.Errorf("pipeline.upload_concurrency: %w", err)
	}
	if c.Fetcher.Binary == "" {
		return fmt.Errorf("fetcher.binary is required")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Health.Interval < 0 {
		return fmt.Errorf("health.interval must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory; got %q", c.Storage.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return nil
}

func (c CoordinatorConfig) validate() error {
	parsed, err := url.Parse(c.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("coordinator.url must be an http(s) URL, got %q", c.URL)
	}
	if c.Project == "" {
		return fmt.Errorf("coordinator.project is required")
	}
	if strings.TrimSpace(c.Downloader) == "" {
		return fmt.Errorf("coordinator.downloader is required")
	}
	if c.MultiItemSize <= 0 {
		return fmt.Errorf("coordinator.multi_item_size must be > 0")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("coordinator.timeout_seconds must be > 0")
	}
	if c.ClaimsPerSecond < 0 {
		return fmt.Errorf("coordinator.claims_per_second must be >= 0")
	}
	return nil
}

// CoordinatorTimeout is the per-request coordinator timeout.
func (c Config) CoordinatorTimeout() time.Duration {
	return time.Duration(c.Coordinator.TimeoutSeconds) * time.Second
}

// CoordinatorRetryBudget bounds the total time spent retrying one call.
func (c Config) CoordinatorRetryBudget() time.Duration {
	return time.Duration(c.Coordinator.MaxRetrySeconds) * time.Second
}

// IdleDelay is the pause after an empty claim.
func (c Config) IdleDelay() time.Duration {
	return time.Duration(c.Coordinator.IdleSeconds) * time.Second
}

// FetchTimeout is the fetcher's per-attempt network timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}
