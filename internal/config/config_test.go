package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: s3cret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %q", cfg.Server.Port)
	}
	if cfg.Microsoft.Tenant != "common" {
		t.Fatalf("tenant = %q", cfg.Microsoft.Tenant)
	}
	if cfg.Sync.MaxResults != 500 {
		t.Fatalf("max results = %d", cfg.Sync.MaxResults)
	}
	if cfg.StaleAfter() != 30*time.Minute {
		t.Fatalf("stale after = %v", cfg.StaleAfter())
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadOverridesFromFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
sync:
  max_results: 100
  stale_after_minutes: 5
`)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Fatalf("env override lost, port = %q", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Sync.MaxResults != 100 || cfg.StaleAfter() != 5*time.Minute {
		t.Fatalf("sync config = %+v", cfg.Sync)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
