package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/contentstore/pkg/log"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/contentstore
min_blob_size: 8192
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/contentstore" {
		t.Fatalf("expected overridden data_dir, got %s", cfg.DataDir)
	}
	if cfg.MinBlobSize != 8192 {
		t.Fatalf("expected overridden min_blob_size, got %d", cfg.MinBlobSize)
	}
	if cfg.CacheSize != defaultCacheSize {
		t.Fatalf("expected default cache_size to survive, got %d", cfg.CacheSize)
	}
}

func TestLoadRejectsNonPositiveCacheSize(t *testing.T) {
	path := writeConfig(t, "cache_size: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a non-positive cache_size")
	}
}

func TestLoadRejectsNegativeMinBlobSize(t *testing.T) {
	path := writeConfig(t, "min_blob_size: -1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a negative min_blob_size")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLogConfigTranslation(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	logCfg := cfg.LogConfig()
	if logCfg.Level != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", logCfg.Level)
	}
	if !logCfg.JSONOutput {
		t.Fatal("expected JSON output enabled")
	}
}
