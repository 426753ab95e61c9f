package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gamesync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.HeartbeatInterval != 5*time.Second || cfg.Sync.HeartbeatTimeout != 10*time.Second {
		t.Errorf("unexpected heartbeat defaults %s/%s", cfg.Sync.HeartbeatInterval, cfg.Sync.HeartbeatTimeout)
	}
	if cfg.Sync.ReconnectInterval != 15*time.Second {
		t.Errorf("unexpected reconnect default %s", cfg.Sync.ReconnectInterval)
	}
	if got := cfg.VideoConfig().Drift.Tolerance; got != 1500*time.Millisecond {
		t.Errorf("unexpected drift tolerance %s", got)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", cfg.Level())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
nats:
  url: nats://nats.venue:4222
database:
  enabled: true
  host: pg.venue
  database: finals
sync:
  heartbeat_interval: 2s
  heartbeat_timeout: 6s
  subject_prefix: venue1
video:
  autoplay_delay: 250ms
`)
	t.Setenv("RECONNECT_INTERVAL", "30s")
	t.Setenv("DB_NAME", "override")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Level() != zerolog.DebugLevel {
		t.Errorf("expected debug, got %s", cfg.Level())
	}
	if cfg.NATSConfig().URL != "nats://nats.venue:4222" {
		t.Errorf("unexpected nats url %s", cfg.NATSConfig().URL)
	}
	if !cfg.Database.Enabled || cfg.Database.Host != "pg.venue" || cfg.Database.Database != "override" {
		t.Errorf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("default port lost, got %d", cfg.Database.Port)
	}

	hc := cfg.HostSyncConfig()
	if hc.Monitor.HeartbeatInterval != 2*time.Second || hc.Monitor.Timeout != 6*time.Second {
		t.Errorf("unexpected monitor config %+v", hc.Monitor)
	}
	if hc.Remote.SubjectPrefix != "venue1" {
		t.Errorf("unexpected subject prefix %s", hc.Remote.SubjectPrefix)
	}
	if got := cfg.TeamEventsConfig().ReconnectInterval; got != 30*time.Second {
		t.Errorf("env override not applied, reconnect %s", got)
	}
	if got := cfg.VideoConfig().AutoPlayDelay; got != 250*time.Millisecond {
		t.Errorf("unexpected autoplay delay %s", got)
	}
	if got := cfg.PresentationConfig().ReadyDelay; got != 500*time.Millisecond {
		t.Errorf("default ready delay lost, got %s", got)
	}
}

func TestLoadRejectsInvalidTimings(t *testing.T) {
	tests := map[string]string{
		"timeout below interval": "sync:\n  heartbeat_interval: 10s\n  heartbeat_timeout: 5s\n",
		"zero reconnect":         "sync:\n  reconnect_interval: 0s\n",
		"seek below tolerance":   "video:\n  seek_threshold: 1s\n",
		"bad log level":          "log_level: loud\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if err == nil || !strings.Contains(err.Error(), "invalid config") {
				t.Errorf("expected invalid config error, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
