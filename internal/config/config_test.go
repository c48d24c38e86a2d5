package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
pool:
  max_size: 4
queue:
  max_retries: 5
  attempt_timeout_seconds: 10
  backoff_base_ms: 250
  cache_ttl_seconds: 60
scheduler:
  min_batch: 1
  max_batch: 3
fallback:
  min_values: 2
  defaults:
    north:
      fajr: "05:00"
trigger:
  schedule: "*/15 * * * *"
sources:
  - id: 4
    name: North Hall
    location: north
    url: https://north.example.com/times
    selectors:
      fajr: "td.fajr"
  - name: South Hall
    url: https://south.example.com
    selectors:
      isha: ".isha"
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Pool.MaxSize != 4 || cfg.Queue.MaxRetries != 5 {
		t.Fatalf("expected pool/queue overrides to apply: %+v %+v", cfg.Pool, cfg.Queue)
	}
	if got := cfg.Queue.BackoffBase(); got != 250*time.Millisecond {
		t.Fatalf("expected backoff 250ms, got %v", got)
	}
	if got := cfg.Queue.CacheTTL(); got != time.Minute {
		t.Fatalf("expected cache ttl 1m, got %v", got)
	}
	if cfg.Fallback.Defaults["north"]["fajr"] != "05:00" {
		t.Fatalf("expected fallback defaults to load: %+v", cfg.Fallback.Defaults)
	}
	if len(cfg.Sources) != 2 || cfg.Sources[0].ID != 4 || cfg.Sources[1].ID != 0 {
		t.Fatalf("expected two sources, got %+v", cfg.Sources)
	}
	if cfg.Sources[0].Selectors["fajr"] != "td.fajr" {
		t.Fatalf("expected selectors to load: %+v", cfg.Sources[0])
	}
	if cfg.Trigger.Schedule != "*/15 * * * *" {
		t.Fatalf("expected schedule override, got %q", cfg.Trigger.Schedule)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.MaxRetries != 3 || cfg.Queue.AttemptTimeout() != 30*time.Second {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.BackoffBase() != 2*time.Second || cfg.Queue.CacheTTL() != 5*time.Minute {
		t.Fatalf("unexpected retry/cache defaults: %+v", cfg.Queue)
	}
	if cfg.Pool.MaxSize != 2 || cfg.Pool.MaxAge() != 30*time.Minute || cfg.Pool.MaxUsage != 50 {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Pool)
	}
	if cfg.Fallback.MinValues != 3 || len(cfg.Fallback.ValueNames) != 5 {
		t.Fatalf("unexpected fallback defaults: %+v", cfg.Fallback)
	}
	if cfg.Trigger.Schedule != "0 3 * * *" {
		t.Fatalf("unexpected trigger schedule %q", cfg.Trigger.Schedule)
	}
	if cfg.Browser.NavTimeout() != 45*time.Second || cfg.Browser.SettleDelay() != 500*time.Millisecond {
		t.Fatalf("unexpected browser defaults: %+v", cfg.Browser)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("REFRESHER_SERVER_PORT", "7070")
	t.Setenv("REFRESHER_QUEUE_MAX_RETRIES", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Queue.MaxRetries != 4 {
		t.Fatalf("expected env retries 4, got %d", cfg.Queue.MaxRetries)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"pool", func(c *Config) { c.Pool.MaxSize = 0 }, "pool.max_size"},
		{"batch", func(c *Config) { c.Scheduler.MaxBatch = 1; c.Scheduler.MinBatch = 2 }, "batch bounds"},
		{"min values", func(c *Config) { c.Fallback.MinValues = 9 }, "fallback.min_values"},
		{"schedule", func(c *Config) { c.Trigger.Schedule = " " }, "trigger.schedule"},
		{"backoff", func(c *Config) { c.Queue.BackoffBaseMs = -1 }, "queue.backoff_base_ms"},
		{"batch pause", func(c *Config) { c.Scheduler.BatchPauseMs = -5 }, "scheduler.batch_pause_ms"},
		{"source fields", func(c *Config) { c.Sources = []SourceConfig{{Name: "x"}} }, "name and url"},
		{"duplicate source", func(c *Config) {
			src := SourceConfig{ID: 2, Name: "x", URL: "https://x", Selectors: map[string]string{"fajr": ".f"}}
			c.Sources = []SourceConfig{src, src}
		}, "duplicate id 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateAcceptsZeroDelays(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Queue.BackoffBaseMs = 0
	cfg.Scheduler.BatchPauseMs = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Queue.BackoffBase() != 0 || cfg.Scheduler.BatchPause() != 0 {
		t.Fatalf("expected zero delays, got %v and %v", cfg.Queue.BackoffBase(), cfg.Scheduler.BatchPause())
	}
}
