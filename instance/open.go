package instance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lirancohen/logeion/eventlog"
	"github.com/lirancohen/logeion/eventlog/memory"
	"github.com/lirancohen/logeion/eventlog/pebblestore"
	"github.com/lirancohen/logeion/eventlog/pgstore"
)

// OpenEventLog opens the configured event log backend. The postgres
// backend is migrated to the current schema first, so a fresh database
// works without a separate migrate step.
func (c Config) OpenEventLog(ctx context.Context, logger *slog.Logger) (eventlog.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch c.EventLog.Backend {
	case BackendMemory, "":
		return memory.New(memory.WithLogger(logger)), nil

	case BackendPebble:
		mode, err := pebbleFsyncMode(c.EventLog.Pebble.Fsync)
		if err != nil {
			return nil, err
		}
		return pebblestore.Open(pebblestore.Options{
			DataDir: c.EventLog.Pebble.DataDir,
			Fsync:   mode,
			Logger:  logger,
		})

	case BackendPostgres:
		url := c.EventLog.Postgres.URL
		if url == "" {
			return nil, fmt.Errorf("postgres backend requires event_log_storage.postgres.url")
		}
		if err := pgstore.Migrate(url); err != nil {
			return nil, fmt.Errorf("migrate event log schema: %w", err)
		}
		return pgstore.Open(ctx, url, pgstore.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unknown event log backend %q (valid: %s)",
			c.EventLog.Backend, strings.Join(Backends(), ", "))
	}
}

func pebbleFsyncMode(name string) (pebblestore.FsyncMode, error) {
	switch name {
	case "":
		return pebblestore.FsyncModeUnspecified, nil
	case FsyncAlways:
		return pebblestore.FsyncModeAlways, nil
	case FsyncInterval:
		return pebblestore.FsyncModeInterval, nil
	case FsyncNever:
		return pebblestore.FsyncModeNever, nil
	default:
		return pebblestore.FsyncModeUnspecified, fmt.Errorf("unknown fsync policy %q (valid: %s, %s, %s)",
			name, FsyncAlways, FsyncInterval, FsyncNever)
	}
}
