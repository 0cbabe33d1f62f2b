package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsUsable(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Transport.RetryAttempts <= 0 {
		t.Fatal("expected positive default retry attempts")
	}
	if cfg.Bundle.MaxResolveDepth != 50 {
		t.Fatalf("expected default max resolve depth 50, got %d", cfg.Bundle.MaxResolveDepth)
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overlay to apply, got %q", cfg.Logging.Level)
	}
	if cfg.Transport.RetryAttempts != DefaultConfig().Transport.RetryAttempts {
		t.Fatal("expected untouched fields to keep their defaults")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("FTL_LOG_LEVEL", "warn")
	t.Setenv("FTL_ORCHESTRATOR_FAIL_FAST", "0")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected env override, got %q", cfg.Logging.Level)
	}
	if cfg.Orchestrator.FailFast {
		t.Fatal("expected FailFast to be overridden to false")
	}
}
