// Package config loads grid settings from GRID_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jdziat/simple-grid/pkg/security"
)

// Prefix is prepended to every variable name.
const Prefix = "GRID"

// Database selects the GORM driver.
type Database struct {
	// Driver is "sqlite" or "postgres".
	Driver string `envconfig:"DRIVER" default:"sqlite"`

	// DSN is the driver data source name.
	DSN string `envconfig:"DSN" default:"grid.db"`
}

// Redis configures the optional Redis code store and host locker.
// An empty Addr keeps both in the database.
type Redis struct {
	Addr     string `envconfig:"ADDR"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
}

// Config holds submitter and worker settings.
type Config struct {
	// Queue is the queue calls are enqueued on and workers poll.
	Queue string `envconfig:"QUEUE" default:"grid"`

	Database Database `envconfig:"DB"`
	Redis    Redis    `envconfig:"REDIS"`

	// SourceRoots are packaged on submit, relative to BaseDir.
	SourceRoots []string `envconfig:"SOURCE_ROOTS"`

	// BaseDir anchors archive member names. Defaults to the working directory.
	BaseDir string `envconfig:"BASE_DIR"`

	// ExcludeDirs replaces the default packager excludes when set.
	ExcludeDirs []string `envconfig:"EXCLUDE_DIRS"`

	// CodeDir holds materialized trees on a worker host.
	CodeDir string `envconfig:"CODE_DIR"`

	// EnvelopeDir holds settings, call, result and error envelopes.
	EnvelopeDir string `envconfig:"ENVELOPE_DIR"`

	// HostID names this host for the host lock. Defaults to the hostname.
	HostID string `envconfig:"HOST_ID"`

	LockWait    time.Duration `envconfig:"LOCK_WAIT" default:"5s"`
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"5m"`
	TaskTimeout time.Duration `envconfig:"TASK_TIMEOUT" default:"60s"`
	Concurrency int           `envconfig:"CONCURRENCY" default:"4"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// SweepSchedule is the cron expression of the envelope janitor.
	SweepSchedule string        `envconfig:"SWEEP_SCHEDULE" default:"*/10 * * * *"`
	SweepMaxAge   time.Duration `envconfig:"SWEEP_MAX_AGE" default:"1h"`
	StaleLockAge  time.Duration `envconfig:"STALE_LOCK_AGE" default:"5m"`
}

// Load reads the environment, fills derived defaults and validates.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return cfg, fmt.Errorf("config load failed: %w", err)
	}

	if cfg.HostID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			cfg.HostID = hostname
		} else {
			cfg.HostID = "host-1"
		}
	}
	if cfg.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("config load failed: %w", err)
		}
		cfg.BaseDir = wd
	}
	if cfg.CodeDir == "" {
		cfg.CodeDir = filepath.Join(os.TempDir(), "grid", "code")
	}
	if cfg.EnvelopeDir == "" {
		cfg.EnvelopeDir = filepath.Join(os.TempDir(), "grid", "envelopes")
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := security.ValidateQueueName(c.Queue); err != nil {
		return fmt.Errorf("GRID_QUEUE: %w", err)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("GRID_DB_DRIVER: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("GRID_DB_DSN: must be set")
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("GRID_LOCK_WAIT: must be positive")
	}
	if c.LockTTL < c.LockWait {
		return fmt.Errorf("GRID_LOCK_TTL: must be at least GRID_LOCK_WAIT")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("GRID_TASK_TIMEOUT: must be positive")
	}
	if c.Concurrency != security.ClampConcurrency(c.Concurrency) {
		return fmt.Errorf("GRID_CONCURRENCY: must be between 1 and %d", security.MaxConcurrency)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("GRID_LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("GRID_LOG_FORMAT: unsupported format %q", c.LogFormat)
	}
	return nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger() *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.ToUpper(s)))
	return level, err
}
