// Package instance loads the YAML instance configuration that selects an
// event log backend, overlays LOGEION_* environment variables, and opens
// the configured store.
//
// Example:
//
//	cfg, err := instance.Load("/etc/logeion/logeion.yaml")
//	if err != nil {
//		return err
//	}
//	store, err := cfg.OpenEventLog(ctx, slog.Default())
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package instance

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in the config file and LOGEION_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Backends lists the valid backend names.
func Backends() []string {
	return []string{BackendMemory, BackendPebble, BackendPostgres}
}

// Fsync policy names accepted for the pebble backend.
const (
	FsyncAlways   = "always"
	FsyncInterval = "interval"
	FsyncNever    = "never"
)

// Config is the top-level instance configuration.
type Config struct {
	EventLog EventLogConfig `yaml:"event_log_storage"`
}

// EventLogConfig selects and configures the event log backend.
type EventLogConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	Pebble   PebbleConfig   `yaml:"pebble"`
}

// PostgresConfig holds settings for the postgres backend.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// PebbleConfig holds settings for the pebble backend.
type PebbleConfig struct {
	DataDir string `yaml:"data_dir"`
	// Fsync is one of "always", "interval", or "never". Empty picks the
	// backend default (interval group commit).
	Fsync string `yaml:"fsync"`
}

// Default returns the built-in defaults: an in-memory event log.
func Default() Config {
	return Config{
		EventLog: EventLogConfig{Backend: BackendMemory},
	}
}

// Load reads the config file at path, overlays LOGEION_* environment
// variables, and validates the result. An empty or missing path yields the
// defaults, so an instance works without any configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	FromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv overlays LOGEION_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("LOGEION_BACKEND"); v != "" {
		cfg.EventLog.Backend = v
	}
	if v := os.Getenv("LOGEION_POSTGRES_URL"); v != "" {
		cfg.EventLog.Postgres.URL = v
	}
	if v := os.Getenv("LOGEION_PEBBLE_DIR"); v != "" {
		cfg.EventLog.Pebble.DataDir = v
	}
	if v := os.Getenv("LOGEION_PEBBLE_FSYNC"); v != "" {
		cfg.EventLog.Pebble.Fsync = v
	}
}

// Validate rejects unknown backend names and incomplete backend settings.
func (c Config) Validate() error {
	switch c.EventLog.Backend {
	case BackendMemory, "":
	case BackendPebble:
		if c.EventLog.Pebble.DataDir == "" {
			return fmt.Errorf("pebble backend requires event_log_storage.pebble.data_dir")
		}
		switch c.EventLog.Pebble.Fsync {
		case "", FsyncAlways, FsyncInterval, FsyncNever:
		default:
			return fmt.Errorf("unknown fsync policy %q (valid: %s, %s, %s)",
				c.EventLog.Pebble.Fsync, FsyncAlways, FsyncInterval, FsyncNever)
		}
	case BackendPostgres:
		if c.EventLog.Postgres.URL == "" {
			return fmt.Errorf("postgres backend requires event_log_storage.postgres.url")
		}
	default:
		return fmt.Errorf("unknown event log backend %q (valid: %s)",
			c.EventLog.Backend, strings.Join(Backends(), ", "))
	}
	return nil
}
