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
	DB        DBConfig        `mapstructure:"db"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Processor ProcessorConfig `mapstructure:"processor"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                     int `mapstructure:"port"`
	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Database backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// DBConfig selects and tunes the task store.
type DBConfig struct {
	Backend                string `mapstructure:"backend"`
	DSN                    string `mapstructure:"dsn"`
	SQLitePath             string `mapstructure:"sqlite_path"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// WorkerConfig governs the capture workers.
type WorkerConfig struct {
	Concurrency    int     `mapstructure:"concurrency"`
	PollIntervalMs int     `mapstructure:"poll_interval_ms"`
	Browser        string  `mapstructure:"browser"`
	UserAgent      string  `mapstructure:"user_agent"`
	ViewportWidth  int64   `mapstructure:"viewport_width"`
	ViewportHeight int64   `mapstructure:"viewport_height"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// Capture modes.
const (
	CaptureHeadless = "headless"
	CaptureHTTP     = "http"
)

// CaptureConfig configures how a target is captured.
type CaptureConfig struct {
	Mode              string `mapstructure:"mode"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// Storage backends.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// StorageConfig sets where captured artifacts are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// ProcessorConfig controls post-processing of completed tasks.
type ProcessorConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	InstanceID     string `mapstructure:"instance_id"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	Topic          string `mapstructure:"topic"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
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
	v.SetEnvPrefix("BASSHUNTER")
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
	v.SetDefault("server.read_header_timeout_seconds", 10)
	v.SetDefault("db.backend", BackendSQLite)
	v.SetDefault("db.sqlite_path", "bass-hunter.db")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("worker.viewport_width", 1366)
	v.SetDefault("worker.viewport_height", 728)
	v.SetDefault("worker.rate_per_second", 0.5)
	v.SetDefault("worker.burst", 1)
	v.SetDefault("capture.mode", CaptureHeadless)
	v.SetDefault("capture.nav_timeout_seconds", 25)
	v.SetDefault("capture.max_parallel", 2)
	v.SetDefault("capture.timeout_seconds", 15)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.base_dir", "captures")
	v.SetDefault("storage.prefix", "images")
	v.SetDefault("processor.enabled", true)
	v.SetDefault("processor.poll_interval_ms", 2000)
	v.SetDefault("processor.topic", "bass-hunter-analysis")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	switch c.DB.Backend {
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case BackendSQLite:
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("db.sqlite_path must be set for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("db.backend %q is not supported", c.DB.Backend)
	}
	switch c.Storage.Backend {
	case StorageLocal, StorageMemory:
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Capture.Mode {
	case CaptureHeadless:
		if c.Capture.MaxParallel <= 0 {
			return fmt.Errorf("capture.max_parallel must be > 0 in headless mode")
		}
	case CaptureHTTP:
	default:
		return fmt.Errorf("capture.mode %q is not supported", c.Capture.Mode)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// WorkerPollInterval is the idle wait between empty fetches.
func (c Config) WorkerPollInterval() time.Duration {
	return millis(c.Worker.PollIntervalMs, time.Second)
}

// ProcessorPollInterval is the idle wait between empty processing claims.
func (c Config) ProcessorPollInterval() time.Duration {
	return millis(c.Processor.PollIntervalMs, 2*time.Second)
}

// CaptureBudget bounds a single capture.
func (c Config) CaptureBudget() time.Duration {
	if c.Capture.Mode == CaptureHeadless {
		return seconds(c.Capture.NavTimeoutSeconds, 25*time.Second)
	}
	return seconds(c.Capture.TimeoutSeconds, 15*time.Second)
}

func millis(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
