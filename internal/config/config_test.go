package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	envVars := []string{
		"SWITCHYARD_PORT", "SWITCHYARD_METRICS_PORT", "SWITCHYARD_ADMIN_TOKEN",
		"SWITCHYARD_DATABASE_URL", "SWITCHYARD_EVENTS_URL", "SWITCHYARD_DIRECTORY_URL",
		"SWITCHYARD_DIRECTORY_TOKEN", "SWITCHYARD_DEFAULT_TIMEOUT_MS",
		"SWITCHYARD_MAX_RETRIES", "SWITCHYARD_EXPERIMENTS_AUTO_COMPLETE", "SWITCHYARD_LOG_LEVEL",
	}
	for _, k := range envVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8700 {
		t.Errorf("expected port 8700, got %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort != 8701 {
		t.Errorf("expected metrics port 8701, got %d", cfg.Server.MetricsPort)
	}
	if cfg.Events.URL != "nats://localhost:4222" {
		t.Errorf("expected nats URL, got %s", cfg.Events.URL)
	}
	if cfg.Directory.URL != "http://localhost:8083" {
		t.Errorf("expected directory URL, got %s", cfg.Directory.URL)
	}
	if cfg.Dispatch.MaxRetries != 2 {
		t.Errorf("expected max retries 2, got %d", cfg.Dispatch.MaxRetries)
	}
	if cfg.Health.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", cfg.Health.FailureThreshold)
	}
	if cfg.Experiments.AutoComplete {
		t.Error("expected auto_complete disabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected log format 'json', got '%s'", cfg.Logging.Format)
	}

	if cfg.DefaultTimeout() != 30*time.Second {
		t.Errorf("expected DefaultTimeout 30s, got %v", cfg.DefaultTimeout())
	}
	if cfg.DirectoryCacheTTL() != 15*time.Second {
		t.Errorf("expected DirectoryCacheTTL 15s, got %v", cfg.DirectoryCacheTTL())
	}
	if cfg.BreakerCoolDown() != 30*time.Second {
		t.Errorf("expected BreakerCoolDown 30s, got %v", cfg.BreakerCoolDown())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SWITCHYARD_PORT", "9100")
	t.Setenv("SWITCHYARD_METRICS_PORT", "9101")
	t.Setenv("SWITCHYARD_ADMIN_TOKEN", "secret-token")
	t.Setenv("SWITCHYARD_DATABASE_URL", "postgres://localhost/switchyard_test")
	t.Setenv("SWITCHYARD_EVENTS_URL", "nats://nats:4222")
	t.Setenv("SWITCHYARD_DIRECTORY_URL", "http://directory:8083")
	t.Setenv("SWITCHYARD_DIRECTORY_TOKEN", "dir-secret")
	t.Setenv("SWITCHYARD_DEFAULT_TIMEOUT_MS", "60000")
	t.Setenv("SWITCHYARD_MAX_RETRIES", "4")
	t.Setenv("SWITCHYARD_EXPERIMENTS_AUTO_COMPLETE", "true")
	t.Setenv("SWITCHYARD_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Server.AdminToken != "secret-token" {
		t.Errorf("expected admin token 'secret-token', got '%s'", cfg.Server.AdminToken)
	}
	if cfg.Database.URL != "postgres://localhost/switchyard_test" {
		t.Errorf("expected database URL, got '%s'", cfg.Database.URL)
	}
	if cfg.Events.URL != "nats://nats:4222" {
		t.Errorf("expected events URL, got '%s'", cfg.Events.URL)
	}
	if cfg.Directory.URL != "http://directory:8083" {
		t.Errorf("expected directory URL, got '%s'", cfg.Directory.URL)
	}
	if cfg.Directory.Token != "dir-secret" {
		t.Errorf("expected directory token, got '%s'", cfg.Directory.Token)
	}
	if cfg.Dispatch.DefaultTimeoutMs != 60000 {
		t.Errorf("expected timeout 60000, got %d", cfg.Dispatch.DefaultTimeoutMs)
	}
	if cfg.Dispatch.MaxRetries != 4 {
		t.Errorf("expected max retries 4, got %d", cfg.Dispatch.MaxRetries)
	}
	if !cfg.Experiments.AutoComplete {
		t.Error("expected auto_complete enabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level 'debug', got '%s'", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 8800
dispatch:
  default_timeout_ms: 45000
  max_retries: 1
experiments:
  auto_complete: true
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8800 {
		t.Errorf("expected port 8800, got %d", cfg.Server.Port)
	}
	// Unset fields keep their defaults.
	if cfg.Server.MetricsPort != 8701 {
		t.Errorf("expected metrics port 8701, got %d", cfg.Server.MetricsPort)
	}
	if cfg.Dispatch.DefaultTimeoutMs != 45000 {
		t.Errorf("expected timeout 45000, got %d", cfg.Dispatch.DefaultTimeoutMs)
	}
	if cfg.Dispatch.MaxRetries != 1 {
		t.Errorf("expected max retries 1, got %d", cfg.Dispatch.MaxRetries)
	}
	if !cfg.Experiments.AutoComplete {
		t.Error("expected auto_complete enabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
