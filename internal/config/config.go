// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package config defines the Trackd configuration model and its loader.
//
// Configuration is layered via Koanf v2 (highest priority wins):
//  1. Built-in defaults
//  2. YAML config file (config.yaml, or CONFIG_PATH)
//  3. TRACKD_* environment variables
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration for the tracking agent.
type Config struct {
	Tracking TrackingConfig `koanf:"tracking"`
	Sync     SyncConfig     `koanf:"sync"`
	Database DatabaseConfig `koanf:"database"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// TrackingConfig controls the sampler and the state machine.
type TrackingConfig struct {
	// SampleInterval is the cadence of location samples and of the periodic
	// sync drain while checked in.
	SampleInterval time.Duration `koanf:"sample_interval"`

	// FixTimeout bounds the wait for a fresh location fix. On expiry the
	// sampler falls back to the most recent known fix, flagged stale.
	FixTimeout time.Duration `koanf:"fix_timeout"`

	// BatteryCriticalLevel is the percentage at or below which an emergency
	// checkout with reason BATTERY_DRAIN is triggered.
	BatteryCriticalLevel int `koanf:"battery_critical_level"`

	// BatteryCheckInterval is how often the emergency watcher polls the
	// battery level while a session is active.
	BatteryCheckInterval time.Duration `koanf:"battery_check_interval"`

	// MaxSessionDuration auto-closes a session with reason AUTOMATIC once
	// exceeded. Zero disables the limit.
	MaxSessionDuration time.Duration `koanf:"max_session_duration"`

	// ProviderPath is the reading file maintained by the platform shim.
	ProviderPath string `koanf:"provider_path"`

	// ProviderMaxAge rejects shim readings older than this as having no fix.
	ProviderMaxAge time.Duration `koanf:"provider_max_age"`
}

// SyncConfig controls delivery of buffered records to the attendance service.
type SyncConfig struct {
	// RemoteURL is the base URL of the remote attendance service.
	RemoteURL string `koanf:"remote_url"`

	// APIToken is sent as a bearer token on delivery requests. The agent
	// does not issue or refresh tokens; identity is handled upstream.
	APIToken string `koanf:"api_token"`

	// RecordTimeout bounds each delivery request. On expiry the batch stays
	// pending and the drain advances.
	RecordTimeout time.Duration `koanf:"record_timeout"`

	// BatchSize caps samples per location-batch request.
	BatchSize int `koanf:"batch_size"`

	// RequestsPerSecond rate-limits outbound delivery requests.
	// Zero means unlimited.
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// Retention is how long synced samples are kept before the housekeeping
	// pass prunes them. Zero disables pruning.
	Retention time.Duration `koanf:"retention"`

	// HousekeepingInterval is the cadence of the retention pruning pass.
	HousekeepingInterval time.Duration `koanf:"housekeeping_interval"`
}

// DatabaseConfig controls the embedded DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = use runtime.NumCPU()
}

// SnapshotConfig controls the BadgerDB crash journal.
type SnapshotConfig struct {
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// ServerConfig controls the local HTTP API consumed by the UI layer.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Tracking: TrackingConfig{
			SampleInterval:       5 * time.Minute,
			FixTimeout:           15 * time.Second,
			BatteryCriticalLevel: 5,
			BatteryCheckInterval: 30 * time.Second,
			MaxSessionDuration:   16 * time.Hour,
			ProviderPath:         "/data/platform/reading.json",
			ProviderMaxAge:       2 * time.Minute,
		},
		Sync: SyncConfig{
			RemoteURL:            "",
			APIToken:             "",
			RecordTimeout:        10 * time.Second,
			BatchSize:            100,
			RequestsPerSecond:    5,
			Retention:            7 * 24 * time.Hour,
			HousekeepingInterval: time.Hour,
		},
		Database: DatabaseConfig{
			Path:      "/data/trackd.duckdb",
			MaxMemory: "512MB",
			Threads:   0,
		},
		Snapshot: SnapshotConfig{
			Path:       "/data/trackd-journal",
			SyncWrites: true,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            4326,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the loaded configuration for values the agent cannot run
// with. It returns the first problem found, wrapped with its config path.
func (c *Config) Validate() error {
	if c.Tracking.SampleInterval < time.Second {
		return fmt.Errorf("tracking.sample_interval: must be at least 1s, got %v", c.Tracking.SampleInterval)
	}
	if c.Tracking.FixTimeout <= 0 || c.Tracking.FixTimeout >= c.Tracking.SampleInterval {
		return fmt.Errorf("tracking.fix_timeout: must be positive and shorter than the sample interval, got %v", c.Tracking.FixTimeout)
	}
	if c.Tracking.BatteryCriticalLevel < 0 || c.Tracking.BatteryCriticalLevel > 100 {
		return fmt.Errorf("tracking.battery_critical_level: must be in [0,100], got %d", c.Tracking.BatteryCriticalLevel)
	}
	if c.Tracking.BatteryCheckInterval <= 0 {
		return fmt.Errorf("tracking.battery_check_interval: must be positive, got %v", c.Tracking.BatteryCheckInterval)
	}
	if c.Tracking.MaxSessionDuration < 0 {
		return fmt.Errorf("tracking.max_session_duration: must not be negative, got %v", c.Tracking.MaxSessionDuration)
	}
	if c.Tracking.ProviderPath == "" {
		return fmt.Errorf("tracking.provider_path: must not be empty")
	}
	if c.Tracking.ProviderMaxAge < 0 {
		return fmt.Errorf("tracking.provider_max_age: must not be negative, got %v", c.Tracking.ProviderMaxAge)
	}

	if c.Sync.RemoteURL != "" {
		u, err := url.Parse(c.Sync.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sync.remote_url: must be a valid http(s) URL, got %q", c.Sync.RemoteURL)
		}
	}
	if c.Sync.RecordTimeout <= 0 {
		return fmt.Errorf("sync.record_timeout: must be positive, got %v", c.Sync.RecordTimeout)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size: must be at least 1, got %d", c.Sync.BatchSize)
	}
	if c.Sync.RequestsPerSecond < 0 {
		return fmt.Errorf("sync.requests_per_second: must not be negative, got %v", c.Sync.RequestsPerSecond)
	}
	if c.Sync.Retention < 0 {
		return fmt.Errorf("sync.retention: must not be negative, got %v", c.Sync.Retention)
	}
	if c.Sync.Retention > 0 && c.Sync.HousekeepingInterval <= 0 {
		return fmt.Errorf("sync.housekeeping_interval: must be positive when retention is enabled, got %v", c.Sync.HousekeepingInterval)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path: must not be empty")
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path: must not be empty")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: must be in [1,65535], got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout: must be positive, got %v", c.Server.Timeout)
	}

	return nil
}

// SyncEnabled reports whether a remote attendance service is configured.
// Without one the agent buffers locally and every drain pass fails soft.
func (c *Config) SyncEnabled() bool {
	return c.Sync.RemoteURL != ""
}
