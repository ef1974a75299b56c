package instance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lirancohen/logeion/eventlog"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.EventLog.Backend != BackendMemory {
		t.Fatalf("default backend = %q, want %q", cfg.EventLog.Backend, BackendMemory)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "logeion.yaml")
	data := []byte(`
event_log_storage:
  backend: pebble
  pebble:
    data_dir: /var/lib/logeion
    fsync: always
`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EventLog.Backend != BackendPebble {
		t.Errorf("backend = %q, want %q", cfg.EventLog.Backend, BackendPebble)
	}
	if cfg.EventLog.Pebble.DataDir != "/var/lib/logeion" {
		t.Errorf("data_dir = %q, want /var/lib/logeion", cfg.EventLog.Pebble.DataDir)
	}
	if cfg.EventLog.Pebble.Fsync != FsyncAlways {
		t.Errorf("fsync = %q, want %q", cfg.EventLog.Pebble.Fsync, FsyncAlways)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EventLog.Backend != BackendMemory {
		t.Errorf("backend = %q, want %q", cfg.EventLog.Backend, BackendMemory)
	}
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "logeion.yaml")
	data := []byte("event_log_storage:\n  backend: etcd\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil || !strings.Contains(err.Error(), "etcd") {
		t.Errorf("Load with unknown backend = %v, want error naming the backend", err)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("LOGEION_BACKEND", BackendPostgres)
	t.Setenv("LOGEION_POSTGRES_URL", "postgres://localhost/logeion")
	t.Setenv("LOGEION_PEBBLE_DIR", "/data/logeion")
	t.Setenv("LOGEION_PEBBLE_FSYNC", FsyncNever)

	FromEnv(&cfg)
	if cfg.EventLog.Backend != BackendPostgres {
		t.Errorf("backend = %q, want %q", cfg.EventLog.Backend, BackendPostgres)
	}
	if cfg.EventLog.Postgres.URL != "postgres://localhost/logeion" {
		t.Errorf("url = %q", cfg.EventLog.Postgres.URL)
	}
	if cfg.EventLog.Pebble.DataDir != "/data/logeion" {
		t.Errorf("data_dir = %q", cfg.EventLog.Pebble.DataDir)
	}
	if cfg.EventLog.Pebble.Fsync != FsyncNever {
		t.Errorf("fsync = %q", cfg.EventLog.Pebble.Fsync)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "memory needs nothing",
			cfg:  Config{EventLog: EventLogConfig{Backend: BackendMemory}},
		},
		{
			name: "empty backend falls back to memory",
			cfg:  Config{},
		},
		{
			name: "pebble without data dir",
			cfg: Config{EventLog: EventLogConfig{
				Backend: BackendPebble,
			}},
			wantErr: "data_dir",
		},
		{
			name: "pebble with bad fsync",
			cfg: Config{EventLog: EventLogConfig{
				Backend: BackendPebble,
				Pebble:  PebbleConfig{DataDir: "/data", Fsync: "sometimes"},
			}},
			wantErr: "sometimes",
		},
		{
			name: "postgres without url",
			cfg: Config{EventLog: EventLogConfig{
				Backend: BackendPostgres,
			}},
			wantErr: "url",
		},
		{
			name: "unknown backend",
			cfg: Config{EventLog: EventLogConfig{
				Backend: "etcd",
			}},
			wantErr: "etcd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOpenEventLog_Memory(t *testing.T) {
	store, err := Default().OpenEventLog(context.Background(), slog.Default())
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	defer store.Close()

	if store.IsPersistent() {
		t.Error("memory backend should not report persistent")
	}
	_, err = store.Append(context.Background(), eventlog.Entry{
		RunID:     "run-1",
		Type:      eventlog.EventRunStarted,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Errorf("Append through opened store: %v", err)
	}
}

func TestOpenEventLog_Pebble(t *testing.T) {
	cfg := Config{EventLog: EventLogConfig{
		Backend: BackendPebble,
		Pebble:  PebbleConfig{DataDir: t.TempDir(), Fsync: FsyncNever},
	}}
	store, err := cfg.OpenEventLog(context.Background(), slog.Default())
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	defer store.Close()

	if !store.IsPersistent() {
		t.Error("pebble backend should report persistent")
	}
}

func TestOpenEventLog_UnknownBackend(t *testing.T) {
	cfg := Config{EventLog: EventLogConfig{Backend: "etcd"}}
	if _, err := cfg.OpenEventLog(context.Background(), nil); err == nil {
		t.Error("OpenEventLog with unknown backend should fail")
	}
}
