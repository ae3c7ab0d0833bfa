package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Type != "sqlite" {
		t.Fatalf("db.type=%s want sqlite", cfg.DB.Type)
	}
	if cfg.Gateway.Timeout != 5*time.Second {
		t.Fatalf("gateway.timeout=%s want 5s", cfg.Gateway.Timeout)
	}
	if cfg.Rollover.MaxRetries != 3 {
		t.Fatalf("rollover.max_retries=%d want 3", cfg.Rollover.MaxRetries)
	}
	if cfg.Arbiter.SnapshotMaxAge != 30*time.Second {
		t.Fatalf("arbiter.snapshot_max_age=%s want 30s", cfg.Arbiter.SnapshotMaxAge)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("rollover:\n  max_retries: 7\nkey_lock:\n  type: redis\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POLAR_GATEWAY_TIMEOUT", "2s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Rollover.MaxRetries != 7 {
		t.Fatalf("max_retries=%d want 7", cfg.Rollover.MaxRetries)
	}
	if cfg.KeyLock.Type != "redis" {
		t.Fatalf("key_lock.type=%s want redis", cfg.KeyLock.Type)
	}
	if cfg.Gateway.Timeout != 2*time.Second {
		t.Fatalf("gateway.timeout=%s want 2s", cfg.Gateway.Timeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Fatalf("http_addr=%s", cfg.Server.HTTPAddr)
	}
}

func TestValidateRejectsUnknownDB(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DB.Type = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported db type")
	}
}
