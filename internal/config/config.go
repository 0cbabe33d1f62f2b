// Package config holds this engine's configuration: the daemon/driver
// settings, transport defaults, and the observability knobs (tracing,
// metrics, logging) carried as ambient infrastructure regardless of
// which feature areas a given run touches.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// TransportConfig holds SSH connection defaults (internal/transport).
type TransportConfig struct {
	ConnectTimeout time.Duration `json:"connect_timeout"`
	CommandTimeout time.Duration `json:"command_timeout"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryBackoff   time.Duration `json:"retry_backoff"`
	HostKeyPolicy  string        `json:"host_key_policy"` // strict, lenient, disabled
	KnownHostsFile string        `json:"known_hosts_file"`
	DefaultInterp  string        `json:"default_interpreter"`
}

// GateConfig holds gate build/deploy settings (internal/gatebuild,
// internal/gatelife).
type GateConfig struct {
	CacheDir       string        `json:"cache_dir"`
	RemoteDir      string        `json:"remote_dir"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	HandshakeLimit time.Duration `json:"handshake_limit"`
}

// BundleConfig holds module bundle build/cache settings
// (internal/bundle, internal/depscan).
type BundleConfig struct {
	CacheDir        string   `json:"cache_dir"`
	MaxResolveDepth int      `json:"max_resolve_depth"`
	ModulesDir      string   `json:"modules_dir"`       // built-in module source directory
	ModUtilRoots    []string `json:"modutil_roots"`     // depscan.Config.SearchRoots
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // otlp-http, otlp-grpc, stdout
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// AuditConfig holds audit journal settings (internal/audit).
type AuditConfig struct {
	JournalPath string `json:"journal_path"`
	Redact      bool   `json:"redact"`
}

// OrchestratorConfig holds pipeline-level defaults (internal/orchestrator).
type OrchestratorConfig struct {
	FailFast    bool `json:"fail_fast"`
	Parallelism int  `json:"parallelism"`
	// AsyncModules lists module names dispatched via the in-process
	// fast path (FTLModule) rather than the subprocess-isolated path
	// (Module). A module not listed here is treated as non-async.
	AsyncModules []string `json:"async_modules"`
	// StagingDir holds temporary bundle archives staged for a local
	// subprocess-isolated invocation (mirrors Dispatcher.StagingDir on
	// the remote side).
	StagingDir string `json:"staging_dir"`
}

// Config is the root configuration document.
type Config struct {
	Transport    TransportConfig    `json:"transport"`
	Gate         GateConfig         `json:"gate"`
	Bundle       BundleConfig       `json:"bundle"`
	Tracing      TracingConfig      `json:"tracing"`
	Metrics      MetricsConfig      `json:"metrics"`
	Logging      LoggingConfig      `json:"logging"`
	Audit        AuditConfig        `json:"audit"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	InventoryPath string            `json:"inventory_path"`
	PolicyPath    string            `json:"policy_path"`
	StatePath     string            `json:"state_path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			ConnectTimeout: 30 * time.Second,
			CommandTimeout: 5 * time.Minute,
			RetryAttempts:  3,
			RetryBackoff:   2 * time.Second,
			HostKeyPolicy:  "strict",
			KnownHostsFile: "~/.ssh/known_hosts",
			DefaultInterp:  "/usr/bin/env ftlgate",
		},
		Gate: GateConfig{
			CacheDir:       "~/.ftl/gate-cache",
			RemoteDir:      "~/.ftl",
			IdleTimeout:    10 * time.Minute,
			HandshakeLimit: 10 * time.Second,
		},
		Bundle: BundleConfig{
			CacheDir:        "~/.ftl/bundle-cache",
			MaxResolveDepth: 50,
			ModulesDir:      "./modules",
			ModUtilRoots:    []string{"./modutil"},
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "ftl",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "ftl",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditConfig{
			JournalPath: "~/.ftl/journal.json",
			Redact:      true,
		},
		Orchestrator: OrchestratorConfig{
			FailFast:     true,
			Parallelism:  0, // 0 means unbounded (errgroup with no limit)
			AsyncModules: []string{"ping"},
			StagingDir:   "~/.ftl/staging",
		},
		InventoryPath: "./inventory.yml",
		PolicyPath:    "",
		StatePath:     "~/.ftl/state.json",
	}
}

// LoadFromFile loads configuration from a JSON file, applied on top of
// DefaultConfig so an incomplete file still yields a usable config.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadProfile loads a named config profile from ~/.ftl/profiles/<name>.json.
// Profile management (creating/editing profiles) is out of scope; this
// is load-only, per SPEC_FULL.md's supplemented-features section.
func LoadProfile(name string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return LoadFromFile(home + "/.ftl/profiles/" + name + ".json")
}

// LoadFromEnv applies FTL_-prefixed environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FTL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FTL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FTL_INVENTORY_PATH"); v != "" {
		cfg.InventoryPath = v
	}
	if v := os.Getenv("FTL_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("FTL_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("FTL_AUDIT_JOURNAL_PATH"); v != "" {
		cfg.Audit.JournalPath = v
	}
	if v := os.Getenv("FTL_AUDIT_REDACT"); v != "" {
		cfg.Audit.Redact = v == "true" || v == "1"
	}
	if v := os.Getenv("FTL_GATE_CACHE_DIR"); v != "" {
		cfg.Gate.CacheDir = v
	}
	if v := os.Getenv("FTL_BUNDLE_CACHE_DIR"); v != "" {
		cfg.Bundle.CacheDir = v
	}
	if v := os.Getenv("FTL_TRANSPORT_HOST_KEY_POLICY"); v != "" {
		cfg.Transport.HostKeyPolicy = v
	}
	if v := os.Getenv("FTL_TRANSPORT_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.RetryAttempts = n
		}
	}
	if v := os.Getenv("FTL_ORCHESTRATOR_FAIL_FAST"); v != "" {
		cfg.Orchestrator.FailFast = v == "true" || v == "1"
	}
	if v := os.Getenv("FTL_ORCHESTRATOR_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.Parallelism = n
		}
	}
	if v := os.Getenv("FTL_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FTL_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("FTL_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FTL_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
}
