package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/professor2004h/meetscribe/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
database:
  postgres_dsn: postgres://u:p@localhost:5432/meetscribe
bot:
  gateway_url: https://meetbot.internal:9090
  api_key: secret
status:
  push_backoff: 1s
  push_max_backoff: 5s
  push_max_retries: 5
  poll_max_backoff: 10s
  staleness_threshold: 30s
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Bot.GatewayURL != "https://meetbot.internal:9090" || cfg.Bot.APIKey != "secret" {
		t.Errorf("bot = %+v", cfg.Bot)
	}
	if cfg.Status.PushBackoff != time.Second || cfg.Status.StalenessThreshold != 30*time.Second {
		t.Errorf("status = %+v", cfg.Status)
	}
	if cfg.Status.PushMaxRetries != 5 {
		t.Errorf("push_max_retries = %d", cfg.Status.PushMaxRetries)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adress: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_InvalidValuesRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\n"))
	if err == nil || !strings.Contains(err.Error(), "server.log_level") {
		t.Fatalf("error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.PostgresDSN == "" {
		t.Error("postgres_dsn not loaded")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
