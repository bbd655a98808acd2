// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates maestrod configuration from a YAML
// file, environment variables, and built-in defaults. Environment
// variables take precedence over the file; the file takes precedence
// over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/maestro/internal/policy"
	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/scheduler"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete maestrod configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Policy    policy.Config   `yaml:"policy"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Watch     WatchConfig     `yaml:"watch"`
	MCP       MCPConfig       `yaml:"mcp"`

	// DataDir is the directory for daemon data (store, secrets).
	// Environment: MAESTRO_DATA_DIR
	// Default: $XDG_DATA_HOME/maestro (or ~/.maestro/data)
	DataDir string `yaml:"data_dir,omitempty"`
}

// ServerConfig configures the daemon's HTTP listener.
type ServerConfig struct {
	// Addr is the TCP address to bind (e.g., ":9876", "127.0.0.1:9876").
	// Environment: MAESTRO_ADDR
	// Default: 127.0.0.1:9876
	Addr string `yaml:"addr"`

	// ShutdownTimeout is the maximum duration to wait for in-flight
	// requests during graceful shutdown.
	// Environment: MAESTRO_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ReadHeaderTimeout bounds how long the server waits for request
	// headers.
	// Default: 10s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`
}

// StoreConfig configures the checkpoint store backend.
type StoreConfig struct {
	// Type is the backend type: "memory" or "sqlite".
	// Environment: MAESTRO_STORE
	// Default: sqlite
	Type string `yaml:"type,omitempty"`

	// Path is the SQLite database path (for type=sqlite).
	// Environment: MAESTRO_STORE_PATH
	// Default: <data_dir>/maestro.db
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging for the SQLite backend.
	// Default: true
	WAL bool `yaml:"wal"`

	// BusyTimeout is how long SQLite waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty"`
}

// EngineConfig configures run execution behavior.
type EngineConfig struct {
	// Owner identifies this node for checkpoint leases. Empty means a
	// generated owner ID.
	// Environment: MAESTRO_OWNER
	Owner string `yaml:"owner,omitempty"`

	// LeaseTTL is the checkpoint lease duration. Runs whose lease
	// lapses are eligible for recovery by another node.
	// Default: 15s
	LeaseTTL time.Duration `yaml:"lease_ttl,omitempty"`

	// GracePeriod is how long a cancelled handler may run before its
	// slot is reclaimed.
	// Default: 2s
	GracePeriod time.Duration `yaml:"grace_period,omitempty"`

	// DrainTimeout is the maximum duration to wait for active runs
	// during shutdown.
	// Environment: MAESTRO_DRAIN_TIMEOUT
	// Default: 10s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// SchedulerConfig configures tenant quotas. TenantLimits comes from
// pkg/scheduler so the YAML shape and the runtime shape stay in sync.
type SchedulerConfig struct {
	// GlobalMaxSteps caps in-flight steps across all tenants.
	// Environment: MAESTRO_GLOBAL_MAX_STEPS
	// Default: 256
	GlobalMaxSteps int `yaml:"global_max_steps,omitempty"`

	// Defaults applies to tenants without an explicit entry.
	Defaults scheduler.TenantLimits `yaml:"defaults,omitempty"`

	// Tenants holds per-tenant overrides keyed by tenant ID.
	Tenants map[string]scheduler.TenantLimits `yaml:"tenants,omitempty"`
}

// Build converts the section into a scheduler.Config.
func (s SchedulerConfig) Build() scheduler.Config {
	return scheduler.Config{
		GlobalMaxSteps: s.GlobalMaxSteps,
		Defaults:       s.Defaults,
		Tenants:        s.Tenants,
	}
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Enabled controls whether bearer tokens are required.
	// Environment: MAESTRO_AUTH_ENABLED
	// Default: false (local daemon)
	Enabled bool `yaml:"enabled"`

	// Algorithm is the token signature algorithm: "HS256" or "EdDSA".
	// Default: HS256
	Algorithm string `yaml:"algorithm,omitempty"`

	// Secret is the HS256 signing secret. Prefer SecretRef over
	// configuring the secret inline.
	// Environment: MAESTRO_AUTH_SECRET
	Secret string `yaml:"secret,omitempty"`

	// SecretRef names a secret to resolve through the secrets provider
	// chain (e.g., "MAESTRO_SIGNING_KEY"). Takes precedence over
	// Secret when both are set.
	SecretRef string `yaml:"secret_ref,omitempty"`

	// PublicKeyFile is the path to a PEM Ed25519 public key
	// (for algorithm=EdDSA).
	PublicKeyFile string `yaml:"public_key_file,omitempty"`

	// Leeway tolerates clock skew when validating exp/nbf claims.
	// Default: 30s
	Leeway time.Duration `yaml:"leeway,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: MAESTRO_LOG_LEVEL, LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled exposes GET /metrics on the API listener.
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// TracingConfig configures the OpenTelemetry pipeline.
type TracingConfig struct {
	// Enabled activates span export.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Exporter selects the span exporter: "otlp-grpc", "otlp-http",
	// or "stdout".
	// Environment: MAESTRO_TRACE_EXPORTER
	// Default: otlp-grpc
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP receiver address (host:port for grpc,
	// URL host for http).
	// Environment: MAESTRO_OTLP_ENDPOINT
	// Default: localhost:4317
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on the exporter connection.
	// Default: true (local collector)
	Insecure bool `yaml:"insecure"`

	// SampleRate is the fraction of runs to sample (0.0 - 1.0).
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`

	// ServiceName identifies this process in traces.
	// Default: maestrod
	ServiceName string `yaml:"service_name,omitempty"`
}

// WatchConfig configures filesystem-triggered workflow submission.
type WatchConfig struct {
	// Enabled starts the watch service.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Watches defines the watched paths and their workflows.
	Watches []WatchEntry `yaml:"watches,omitempty"`
}

// WatchEntry maps a filesystem pattern to a workflow submission.
type WatchEntry struct {
	// Name is the unique watch identifier.
	Name string `yaml:"name"`

	// Path is the directory to watch.
	Path string `yaml:"path"`

	// Pattern is a doublestar glob matched against paths relative to
	// Path. Empty matches everything.
	Pattern string `yaml:"pattern,omitempty"`

	// Workflow is the workflow file to submit on a match.
	Workflow string `yaml:"workflow"`

	// TenantID attributes the triggered runs. Empty means "default".
	TenantID string `yaml:"tenant_id,omitempty"`

	// Inputs are fixed inputs merged with the file context.
	Inputs map[string]any `yaml:"inputs,omitempty"`

	// Debounce coalesces bursts of events per path.
	// Default: 500ms
	Debounce time.Duration `yaml:"debounce,omitempty"`

	// RatePerMinute caps triggered submissions (0 = unlimited).
	RatePerMinute float64 `yaml:"rate_per_minute,omitempty"`
}

// MCPConfig configures the MCP tool surface.
type MCPConfig struct {
	// Enabled allows serving MCP tools over stdio when maestrod runs
	// with --mcp. Set false to forbid the surface entirely.
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:9876",
			ShutdownTimeout:   30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Type:        "sqlite",
			Path:        filepath.Join(dataDir, "maestro.db"),
			WAL:         true,
			BusyTimeout: 5 * time.Second,
		},
		Engine: EngineConfig{
			LeaseTTL:     15 * time.Second,
			GracePeriod:  2 * time.Second,
			DrainTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			GlobalMaxSteps: 256,
		},
		Auth: AuthConfig{
			Enabled:   false,
			Algorithm: "HS256",
			Leeway:    30 * time.Second,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-grpc",
				Endpoint:    "localhost:4317",
				Insecure:    true,
				SampleRate:  1.0,
				ServiceName: "maestrod",
			},
		},
		Watch: WatchConfig{Enabled: false},
		MCP:   MCPConfig{Enabled: true},

		DataDir: dataDir,
	}
}

// Load loads configuration from defaults, an optional YAML file, and
// environment variables, then validates the result. If configPath is
// empty, only defaults and environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &maestroerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Fill zero values left by minimal config files.
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &maestroerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills in zero values with sensible defaults so minimal
// config files work without specifying everything.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = defaults.Server.ReadHeaderTimeout
	}

	if c.Store.Type == "" {
		c.Store.Type = defaults.Store.Type
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "maestro.db")
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = defaults.Store.BusyTimeout
	}

	if c.Engine.LeaseTTL == 0 {
		c.Engine.LeaseTTL = defaults.Engine.LeaseTTL
	}
	if c.Engine.GracePeriod == 0 {
		c.Engine.GracePeriod = defaults.Engine.GracePeriod
	}
	if c.Engine.DrainTimeout == 0 {
		c.Engine.DrainTimeout = defaults.Engine.DrainTimeout
	}

	if c.Scheduler.GlobalMaxSteps == 0 {
		c.Scheduler.GlobalMaxSteps = defaults.Scheduler.GlobalMaxSteps
	}

	if c.Auth.Algorithm == "" {
		c.Auth.Algorithm = defaults.Auth.Algorithm
	}
	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = defaults.Auth.Leeway
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Telemetry.Tracing.Exporter == "" {
		c.Telemetry.Tracing.Exporter = defaults.Telemetry.Tracing.Exporter
	}
	if c.Telemetry.Tracing.Endpoint == "" {
		c.Telemetry.Tracing.Endpoint = defaults.Telemetry.Tracing.Endpoint
	}
	if c.Telemetry.Tracing.SampleRate == 0 {
		c.Telemetry.Tracing.SampleRate = defaults.Telemetry.Tracing.SampleRate
	}
	if c.Telemetry.Tracing.ServiceName == "" {
		c.Telemetry.Tracing.ServiceName = defaults.Telemetry.Tracing.ServiceName
	}

	for i := range c.Watch.Watches {
		if c.Watch.Watches[i].Debounce == 0 {
			c.Watch.Watches[i].Debounce = 500 * time.Millisecond
		}
		if c.Watch.Watches[i].TenantID == "" {
			c.Watch.Watches[i].TenantID = "default"
		}
	}
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("MAESTRO_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("MAESTRO_SHUTDOWN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = duration
		}
	}

	if val := os.Getenv("MAESTRO_DATA_DIR"); val != "" {
		c.DataDir = val
		// Re-derive the store path unless it was set explicitly.
		if os.Getenv("MAESTRO_STORE_PATH") == "" && filepath.Dir(c.Store.Path) != val {
			c.Store.Path = filepath.Join(val, "maestro.db")
		}
	}
	if val := os.Getenv("MAESTRO_STORE"); val != "" {
		c.Store.Type = strings.ToLower(val)
	}
	if val := os.Getenv("MAESTRO_STORE_PATH"); val != "" {
		c.Store.Path = val
	}

	if val := os.Getenv("MAESTRO_OWNER"); val != "" {
		c.Engine.Owner = val
	}
	if val := os.Getenv("MAESTRO_LEASE_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Engine.LeaseTTL = duration
		}
	}
	if val := os.Getenv("MAESTRO_DRAIN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Engine.DrainTimeout = duration
		}
	}

	if val := os.Getenv("MAESTRO_GLOBAL_MAX_STEPS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Scheduler.GlobalMaxSteps = n
		}
	}

	if val := os.Getenv("MAESTRO_AUTH_ENABLED"); val != "" {
		c.Auth.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MAESTRO_AUTH_SECRET"); val != "" {
		c.Auth.Secret = val
	}

	if val := os.Getenv("MAESTRO_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("MAESTRO_TRACE_EXPORTER"); val != "" {
		c.Telemetry.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("MAESTRO_OTLP_ENDPOINT"); val != "" {
		c.Telemetry.Tracing.Endpoint = val
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	invalid := func(field, message, suggestion string) {
		errs = append(errs, &maestroerrors.ValidationError{
			Field:      field,
			Message:    message,
			Suggestion: suggestion,
		})
	}

	if c.Server.Addr == "" {
		invalid("server.addr", "listen address is required", "set server.addr, e.g. 127.0.0.1:9876")
	}
	if c.Server.ShutdownTimeout <= 0 {
		invalid("server.shutdown_timeout", fmt.Sprintf("must be positive, got %v", c.Server.ShutdownTimeout), "")
	}

	switch c.Store.Type {
	case "memory", "sqlite":
	default:
		invalid("store.type", fmt.Sprintf("must be one of [memory, sqlite], got %q", c.Store.Type), "")
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		invalid("store.path", "database path is required for the sqlite store", "set store.path or data_dir")
	}

	if c.Engine.LeaseTTL <= 0 {
		invalid("engine.lease_ttl", fmt.Sprintf("must be positive, got %v", c.Engine.LeaseTTL), "")
	}
	if c.Engine.GracePeriod < 0 {
		invalid("engine.grace_period", fmt.Sprintf("must be non-negative, got %v", c.Engine.GracePeriod), "")
	}

	if c.Scheduler.GlobalMaxSteps <= 0 {
		invalid("scheduler.global_max_steps", fmt.Sprintf("must be positive, got %d", c.Scheduler.GlobalMaxSteps), "")
	}
	for id, limits := range c.Scheduler.Tenants {
		if limits.Weight < 0 {
			invalid(fmt.Sprintf("scheduler.tenants.%s.weight", id), "must be non-negative", "")
		}
		if limits.SubmitRate < 0 {
			invalid(fmt.Sprintf("scheduler.tenants.%s.submit_rate", id), "must be non-negative", "")
		}
	}

	if c.Auth.Enabled {
		switch c.Auth.Algorithm {
		case "HS256":
			if c.Auth.Secret == "" && c.Auth.SecretRef == "" {
				invalid("auth.secret", "HS256 requires a signing secret", "set auth.secret_ref or MAESTRO_AUTH_SECRET")
			}
		case "EdDSA":
			if c.Auth.PublicKeyFile == "" {
				invalid("auth.public_key_file", "EdDSA requires a public key file", "")
			}
		default:
			invalid("auth.algorithm", fmt.Sprintf("must be one of [HS256, EdDSA], got %q", c.Auth.Algorithm), "")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		invalid("log.level", fmt.Sprintf("must be one of [debug, info, warn, warning, error], got %q", c.Log.Level), "")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		invalid("log.format", fmt.Sprintf("must be one of [json, text], got %q", c.Log.Format), "")
	}

	if c.Telemetry.Tracing.Enabled {
		switch c.Telemetry.Tracing.Exporter {
		case "otlp-grpc", "otlp-http", "stdout":
		default:
			invalid("telemetry.tracing.exporter", fmt.Sprintf("must be one of [otlp-grpc, otlp-http, stdout], got %q", c.Telemetry.Tracing.Exporter), "")
		}
		if rate := c.Telemetry.Tracing.SampleRate; rate < 0 || rate > 1 {
			invalid("telemetry.tracing.sample_rate", fmt.Sprintf("must be within [0, 1], got %v", rate), "")
		}
	}

	if c.Watch.Enabled {
		names := make(map[string]bool)
		for i, w := range c.Watch.Watches {
			if w.Name == "" {
				invalid(fmt.Sprintf("watch.watches[%d].name", i), "name is required", "")
			} else if names[w.Name] {
				invalid(fmt.Sprintf("watch.watches[%d].name", i), fmt.Sprintf("duplicate watch name %q", w.Name), "")
			}
			names[w.Name] = true
			if w.Path == "" {
				invalid(fmt.Sprintf("watch.watches[%d].path", i), "path is required", "")
			}
			if w.Workflow == "" {
				invalid(fmt.Sprintf("watch.watches[%d].workflow", i), "workflow is required", "")
			}
			if w.RatePerMinute < 0 {
				invalid(fmt.Sprintf("watch.watches[%d].rate_per_minute", i), "must be non-negative", "")
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}
