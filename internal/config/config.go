// Package config loads and validates refresher configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// PoolConfig bounds the browser tab pool.
type PoolConfig struct {
	MaxSize                int `mapstructure:"max_size"`
	MaxAgeMinutes          int `mapstructure:"max_age_minutes"`
	MaxUsage               int `mapstructure:"max_usage"`
	JanitorIntervalSeconds int `mapstructure:"janitor_interval_seconds"`
}

// BrowserConfig configures headless Chrome.
type BrowserConfig struct {
	UserAgent             string  `mapstructure:"user_agent"`
	Headless              bool    `mapstructure:"headless"`
	NoSandbox             bool    `mapstructure:"no_sandbox"`
	NavTimeoutSeconds     int     `mapstructure:"nav_timeout_seconds"`
	StartupTimeoutSeconds int     `mapstructure:"startup_timeout_seconds"`
	SettleMs              int     `mapstructure:"settle_ms"`
	HostQPS               float64 `mapstructure:"host_qps"`
}

// QueueConfig tunes retries and result caching.
type QueueConfig struct {
	MaxRetries            int `mapstructure:"max_retries"`
	AttemptTimeoutSeconds int `mapstructure:"attempt_timeout_seconds"`
	BackoffBaseMs         int `mapstructure:"backoff_base_ms"`
	CacheTTLSeconds       int `mapstructure:"cache_ttl_seconds"`
}

// SchedulerConfig tunes batch runs.
type SchedulerConfig struct {
	MinBatch           int `mapstructure:"min_batch"`
	MaxBatch           int `mapstructure:"max_batch"`
	BatchPauseMs       int `mapstructure:"batch_pause_ms"`
	SkipWindowSeconds  int `mapstructure:"skip_window_seconds"`
	JoinTimeoutSeconds int `mapstructure:"join_timeout_seconds"`
}

// FallbackConfig tunes the fallback chain.
type FallbackConfig struct {
	MinValues  int                          `mapstructure:"min_values"`
	ValueNames []string                     `mapstructure:"value_names"`
	Aliases    map[string][]string          `mapstructure:"aliases"`
	Defaults   map[string]map[string]string `mapstructure:"defaults"`
}

// TriggerConfig schedules RunAll inside serve.
type TriggerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Schedule   string `mapstructure:"schedule"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// HTTPConfig configures the collector used by config-driven extractors.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// StorageConfig sets where batch reports are archived.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for batch notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SourceConfig describes a source scraped with CSS selectors. A zero ID
// asks for the next free id at startup.
type SourceConfig struct {
	ID           int               `mapstructure:"id"`
	Name         string            `mapstructure:"name"`
	Location     string            `mapstructure:"location"`
	URL          string            `mapstructure:"url"`
	DateSelector string            `mapstructure:"date_selector"`
	Selectors    map[string]string `mapstructure:"selectors"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REFRESHER")
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
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("pool.max_size", 2)
	v.SetDefault("pool.max_age_minutes", 30)
	v.SetDefault("pool.max_usage", 50)
	v.SetDefault("pool.janitor_interval_seconds", 60)
	v.SetDefault("browser.user_agent", "timetable-refresher/0.1")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.startup_timeout_seconds", 30)
	v.SetDefault("browser.settle_ms", 500)
	v.SetDefault("browser.host_qps", 1.0)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.attempt_timeout_seconds", 30)
	v.SetDefault("queue.backoff_base_ms", 2000)
	v.SetDefault("queue.cache_ttl_seconds", 300)
	v.SetDefault("scheduler.min_batch", 2)
	v.SetDefault("scheduler.max_batch", 8)
	v.SetDefault("scheduler.batch_pause_ms", 2000)
	v.SetDefault("scheduler.skip_window_seconds", 60)
	v.SetDefault("scheduler.join_timeout_seconds", 120)
	v.SetDefault("fallback.min_values", 3)
	v.SetDefault("fallback.value_names", []string{"fajr", "dhuhr", "asr", "maghrib", "isha"})
	v.SetDefault("trigger.enabled", true)
	v.SetDefault("trigger.schedule", "0 3 * * *")
	v.SetDefault("trigger.run_on_start", false)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "timetable-refresher/0.1")
	v.SetDefault("storage.prefix", "reports")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Pool.MaxSize <= 0 {
		errs = append(errs, errors.New("pool.max_size must be > 0"))
	}
	if c.Queue.MaxRetries <= 0 {
		errs = append(errs, errors.New("queue.max_retries must be > 0"))
	}
	if c.Queue.AttemptTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("queue.attempt_timeout_seconds must be > 0"))
	}
	if c.Queue.BackoffBaseMs < 0 {
		errs = append(errs, errors.New("queue.backoff_base_ms must be >= 0"))
	}
	if c.Scheduler.BatchPauseMs < 0 {
		errs = append(errs, errors.New("scheduler.batch_pause_ms must be >= 0"))
	}
	if c.Scheduler.MinBatch <= 0 || c.Scheduler.MaxBatch < c.Scheduler.MinBatch {
		errs = append(errs, fmt.Errorf("scheduler batch bounds invalid: min=%d max=%d", c.Scheduler.MinBatch, c.Scheduler.MaxBatch))
	}
	if len(c.Fallback.ValueNames) == 0 {
		errs = append(errs, errors.New("fallback.value_names must not be empty"))
	}
	if c.Fallback.MinValues <= 0 || c.Fallback.MinValues > len(c.Fallback.ValueNames) {
		errs = append(errs, fmt.Errorf("fallback.min_values must be in [1, %d]", len(c.Fallback.ValueNames)))
	}
	if c.Trigger.Enabled && strings.TrimSpace(c.Trigger.Schedule) == "" {
		errs = append(errs, errors.New("trigger.schedule must be set when the trigger is enabled"))
	}
	seen := make(map[int]bool)
	for i, src := range c.Sources {
		if strings.TrimSpace(src.Name) == "" || strings.TrimSpace(src.URL) == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name and url are required", i))
		}
		if len(src.Selectors) == 0 {
			errs = append(errs, fmt.Errorf("sources[%d]: at least one selector is required", i))
		}
		if src.ID < 0 {
			errs = append(errs, fmt.Errorf("sources[%d]: id must be >= 0", i))
		}
		if src.ID > 0 {
			if seen[src.ID] {
				errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %d", i, src.ID))
			}
			seen[src.ID] = true
		}
	}
	return errors.Join(errs...)
}

// ShutdownTimeout is the grace period for HTTP shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// MaxAge is the tab recycle age.
func (c PoolConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}

// JanitorInterval is how often idle tabs are swept.
func (c PoolConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalSeconds) * time.Second
}

// NavTimeout bounds a single browser action.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// StartupTimeout bounds browser startup.
func (c BrowserConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSeconds) * time.Second
}

// SettleDelay is the pause after navigation before reading the page.
func (c BrowserConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// AttemptTimeout bounds one extraction attempt.
func (c QueueConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// BackoffBase is multiplied by the attempt number between retries.
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// CacheTTL is how long a result stays fresh.
func (c QueueConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// BatchPause is the wait between batches.
func (c SchedulerConfig) BatchPause() time.Duration {
	return time.Duration(c.BatchPauseMs) * time.Millisecond
}

// SkipWindow skips jobs cached more recently than this.
func (c SchedulerConfig) SkipWindow() time.Duration {
	return time.Duration(c.SkipWindowSeconds) * time.Second
}

// JoinTimeout bounds the end-of-run wait.
func (c SchedulerConfig) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}

// Timeout bounds a config-driven HTTP extraction.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
