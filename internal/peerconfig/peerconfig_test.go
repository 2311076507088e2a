package peerconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != defaultDataDir {
		t.Fatalf("expected default data dir %s, got %s", defaultDataDir, cfg.DataDir)
	}
	if cfg.RelayURL != defaultRelayURL {
		t.Fatalf("expected default relay url %s, got %s", defaultRelayURL, cfg.RelayURL)
	}
}

func TestLoadWithFileAndBareDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
relay_url: "http://relay.file:8080"
log_level: "debug"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONCORD_DATA_DIR", "/tmp/concord-env")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "/tmp/concord-env" {
		t.Fatalf("expected bare CONCORD_DATA_DIR override, got %s", cfg.DataDir)
	}
	if cfg.RelayURL != "http://relay.file:8080" {
		t.Fatalf("expected relay url from file, got %s", cfg.RelayURL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
}
