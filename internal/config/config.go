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

// Package config loads and validates daemon configuration from YAML files
// and environment variables. Environment variables take precedence over the
// file; defaults fill anything left unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/grinder/internal/gate"
	grindererrors "github.com/tombee/grinder/pkg/errors"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete grinderd configuration.
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Log         LogConfig       `yaml:"log"`
	Workspace   WorkspaceConfig `yaml:"workspace"`
	Store       StoreConfig     `yaml:"store"`
	Auth        AuthConfig      `yaml:"auth"`
	Concurrency gate.Limits     `yaml:"concurrency"`
	LLM         LLMConfig       `yaml:"llm"`
	Solver      SolverConfig    `yaml:"solver"`
	Events      EventsConfig    `yaml:"events"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Tracing     TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address the API server binds to: a TCP host:port or
	// a unix:///path socket.
	// Environment: GRINDER_LISTEN
	// Default: 127.0.0.1:8642
	Listen string `yaml:"listen"`

	// AllowRemote permits binding TCP to non-loopback addresses. Off by
	// default: the API carries credentials and should stay local unless
	// the deployment fronts it with TLS.
	// Environment: GRINDER_ALLOW_REMOTE
	AllowRemote bool `yaml:"allow_remote"`

	// ShutdownGrace is how long a draining daemon waits for in-flight
	// problems before forcing exit.
	// Environment: GRINDER_SHUTDOWN_GRACE
	// Default: 30s
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: GRINDER_LOG_LEVEL, LOG_LEVEL
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

// WorkspaceConfig configures per-problem artifact storage.
type WorkspaceConfig struct {
	// Root is the directory holding per-user, per-problem workspaces.
	// Environment: GRINDER_WORKSPACE_ROOT
	// Default: <data_dir>/workspaces
	Root string `yaml:"root"`

	// ZipExcludes are doublestar globs excluded from workspace downloads
	// (e.g. "logs/**"). Empty means exclude nothing.
	ZipExcludes []string `yaml:"zip_excludes,omitempty"`
}

// StoreConfig configures the embedded SQLite store.
type StoreConfig struct {
	// Path is the SQLite database file.
	// Environment: GRINDER_DB_PATH
	// Default: <data_dir>/grinder.db
	Path string `yaml:"path"`

	// BusyTimeout is the SQLite busy_timeout applied to every connection.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// SecretKey seeds the HKDF derivation of the credential encryption key.
	// It is never read from the config file.
	// Environment: GRINDER_SECRET_KEY
	SecretKey string `yaml:"-"`
}

// AuthConfig configures user authentication.
type AuthConfig struct {
	// JWTSecret signs session tokens. When empty a random secret is
	// generated at startup, which invalidates sessions across restarts.
	// Environment: GRINDER_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// TokenTTL is the lifetime of issued session tokens.
	// Environment: GRINDER_TOKEN_TTL
	// Default: 24h
	TokenTTL time.Duration `yaml:"token_ttl"`

	// BcryptCost is the work factor for password hashing.
	// Default: 10
	BcryptCost int `yaml:"bcrypt_cost"`

	// LoginPerMinute caps login attempts per username per minute.
	// Default: 5
	LoginPerMinute int `yaml:"login_per_minute"`
}

// LLMConfig configures LLM provider transport settings. Provider
// credentials live in the store, not here.
type LLMConfig struct {
	// RequestTimeout is the maximum duration of a single completion call.
	// Environment: GRINDER_LLM_TIMEOUT
	// Default: 5m
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is the retry budget for retryable provider errors.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffBase is the initial backoff delay between retries.
	// Default: 1s
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// GenTemperature is the starting sampling temperature for generator
	// scripts. Stage retries cool it down from here.
	// Default: 0.3
	GenTemperature float64 `yaml:"gen_temperature"`

	// SolutionTemperature is the starting sampling temperature for
	// solutions.
	// Default: 0.3
	SolutionTemperature float64 `yaml:"solution_temperature"`
}

// SolverConfig configures the local compile-and-run toolchain used by the
// generate and solve stages.
type SolverConfig struct {
	// CXX is the C++ compiler binary.
	// Environment: GRINDER_SOLVER_CXX
	// Default: g++
	CXX string `yaml:"cxx"`

	// CXXFlags are the compiler flags, space separated.
	// Default: -O2 -std=c++17
	CXXFlags string `yaml:"cxx_flags"`

	// Python is the interpreter used to run generator scripts.
	// Environment: GRINDER_SOLVER_PYTHON
	// Default: python3
	Python string `yaml:"python"`

	// RunTimeLimit bounds a single test-case execution.
	// Default: 1s
	RunTimeLimit time.Duration `yaml:"run_time_limit"`

	// CompileTimeout bounds a compiler invocation.
	// Default: 30s
	CompileTimeout time.Duration `yaml:"compile_timeout"`

	// GenTimeout bounds one generator script invocation.
	// Default: 60s
	GenTimeout time.Duration `yaml:"gen_timeout"`

	// GenCases is the number of test cases the generate stage produces.
	// Default: 10
	GenCases int `yaml:"gen_cases"`

	// GenFloor is the minimum number of usable cases for the generate
	// stage to succeed. Below the floor the stage fails.
	// Default: 5
	GenFloor int `yaml:"gen_floor"`
}

// EventsConfig configures the in-process progress bus.
type EventsConfig struct {
	// Backlog is the per-subscriber channel capacity. A subscriber that
	// falls further behind than this is dropped.
	// Default: 100
	Backlog int `yaml:"backlog"`
}

// MetricsConfig configures Prometheus metrics exposure.
type MetricsConfig struct {
	// Enabled serves /metrics on the API listener.
	// Environment: GRINDER_METRICS_ENABLED
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	// Enabled activates tracing.
	// Environment: GRINDER_TRACING_ENABLED
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Exporter is one of stdout, otlp-grpc, otlp-http.
	// Default: stdout
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP receiver address. Required for otlp exporters.
	// Environment: GRINDER_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// ServiceName identifies this process in traces.
	// Default: grinderd
	ServiceName string `yaml:"service_name,omitempty"`

	// SampleRate is the fraction of traces recorded (0.0 - 1.0].
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Server: ServerConfig{
			Listen:        "127.0.0.1:8642",
			ShutdownGrace: 30 * time.Second,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Workspace: WorkspaceConfig{
			Root:        filepath.Join(dataDir, "workspaces"),
			ZipExcludes: nil,
		},
		Store: StoreConfig{
			Path:        filepath.Join(dataDir, "grinder.db"),
			BusyTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:       24 * time.Hour,
			BcryptCost:     10,
			LoginPerMinute: 5,
		},
		Concurrency: gate.DefaultLimits(),
		LLM: LLMConfig{
			RequestTimeout:      5 * time.Minute,
			MaxRetries:          3,
			RetryBackoffBase:    time.Second,
			GenTemperature:      0.3,
			SolutionTemperature: 0.3,
		},
		Solver: SolverConfig{
			CXX:            "g++",
			CXXFlags:       "-O2 -std=c++17",
			Python:         "python3",
			RunTimeLimit:   time.Second,
			CompileTimeout: 30 * time.Second,
			GenTimeout:     60 * time.Second,
			GenCases:       10,
			GenFloor:       5,
		},
		Events: EventsConfig{
			Backlog: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "grinderd",
			SampleRate:  1.0,
		},
	}
}

// Load loads configuration from an optional YAML file, applies defaults to
// anything unset, overlays environment variables, and validates the result.
// An empty configPath uses defaults plus environment only.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &grindererrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &grindererrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// ConfigPath returns the default config file location, honoring
// XDG_CONFIG_HOME. The directory is created if missing.
func ConfigPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	dir := filepath.Join(base, "grinder")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
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

// applyDefaults fills zero values so minimal config files work without
// spelling out every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = defaults.Server.Listen
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = defaults.Server.ShutdownGrace
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Workspace.Root == "" {
		c.Workspace.Root = defaults.Workspace.Root
	}

	if c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = defaults.Store.BusyTimeout
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = defaults.Auth.TokenTTL
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = defaults.Auth.BcryptCost
	}
	if c.Auth.LoginPerMinute == 0 {
		c.Auth.LoginPerMinute = defaults.Auth.LoginPerMinute
	}

	c.Concurrency = c.Concurrency.WithDefaults()

	if c.LLM.RequestTimeout == 0 {
		c.LLM.RequestTimeout = defaults.LLM.RequestTimeout
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = defaults.LLM.MaxRetries
	}
	if c.LLM.RetryBackoffBase == 0 {
		c.LLM.RetryBackoffBase = defaults.LLM.RetryBackoffBase
	}
	if c.LLM.GenTemperature == 0 {
		c.LLM.GenTemperature = defaults.LLM.GenTemperature
	}
	if c.LLM.SolutionTemperature == 0 {
		c.LLM.SolutionTemperature = defaults.LLM.SolutionTemperature
	}

	if c.Solver.CXX == "" {
		c.Solver.CXX = defaults.Solver.CXX
	}
	if c.Solver.CXXFlags == "" {
		c.Solver.CXXFlags = defaults.Solver.CXXFlags
	}
	if c.Solver.Python == "" {
		c.Solver.Python = defaults.Solver.Python
	}
	if c.Solver.RunTimeLimit == 0 {
		c.Solver.RunTimeLimit = defaults.Solver.RunTimeLimit
	}
	if c.Solver.CompileTimeout == 0 {
		c.Solver.CompileTimeout = defaults.Solver.CompileTimeout
	}
	if c.Solver.GenTimeout == 0 {
		c.Solver.GenTimeout = defaults.Solver.GenTimeout
	}
	if c.Solver.GenCases == 0 {
		c.Solver.GenCases = defaults.Solver.GenCases
	}
	if c.Solver.GenFloor == 0 {
		c.Solver.GenFloor = defaults.Solver.GenFloor
	}

	if c.Events.Backlog == 0 {
		c.Events.Backlog = defaults.Events.Backlog
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = defaults.Tracing.SampleRate
	}
}

// loadFromEnv overlays environment variables onto the configuration.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("GRINDER_LISTEN"); val != "" {
		c.Server.Listen = val
	}
	if val := os.Getenv("GRINDER_ALLOW_REMOTE"); val != "" {
		c.Server.AllowRemote = val == "1" || strings.EqualFold(val, "true")
	}
	if val := os.Getenv("GRINDER_SHUTDOWN_GRACE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownGrace = d
		}
	}

	if val := os.Getenv("GRINDER_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.EqualFold(val, "true")
	}

	if val := os.Getenv("GRINDER_WORKSPACE_ROOT"); val != "" {
		c.Workspace.Root = val
	}
	if val := os.Getenv("GRINDER_DB_PATH"); val != "" {
		c.Store.Path = val
	}
	c.Store.SecretKey = os.Getenv("GRINDER_SECRET_KEY")

	if val := os.Getenv("GRINDER_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}
	if val := os.Getenv("GRINDER_TOKEN_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Auth.TokenTTL = d
		}
	}

	if val := os.Getenv("GRINDER_GLOBAL_TASKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Concurrency.GlobalTasks = n
		}
	}
	if val := os.Getenv("GRINDER_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Concurrency.QueueSize = n
		}
	}
	if val := os.Getenv("GRINDER_TASK_TIMEOUT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Concurrency.TaskTimeoutSeconds = n
		}
	}

	if val := os.Getenv("GRINDER_LLM_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.LLM.RequestTimeout = d
		}
	}

	if val := os.Getenv("GRINDER_SOLVER_CXX"); val != "" {
		c.Solver.CXX = val
	}
	if val := os.Getenv("GRINDER_SOLVER_PYTHON"); val != "" {
		c.Solver.Python = val
	}

	if val := os.Getenv("GRINDER_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = val == "1" || strings.EqualFold(val, "true")
	}
	if val := os.Getenv("GRINDER_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.EqualFold(val, "true")
	}
	if val := os.Getenv("GRINDER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen must not be empty")
	}
	if c.Server.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_grace must be positive, got %v", c.Server.ShutdownGrace))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Workspace.Root == "" {
		errs = append(errs, "workspace.root must not be empty")
	}

	if c.Store.Path == "" {
		errs = append(errs, "store.path must not be empty")
	}
	if c.Store.BusyTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("store.busy_timeout must be positive, got %v", c.Store.BusyTimeout))
	}

	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, fmt.Sprintf("auth.token_ttl must be positive, got %v", c.Auth.TokenTTL))
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = append(errs, fmt.Sprintf("auth.bcrypt_cost must be between 4 and 31, got %d", c.Auth.BcryptCost))
	}
	if c.Auth.LoginPerMinute <= 0 {
		errs = append(errs, fmt.Sprintf("auth.login_per_minute must be positive, got %d", c.Auth.LoginPerMinute))
	}

	if err := c.Concurrency.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.LLM.RequestTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("llm.request_timeout must be positive, got %v", c.LLM.RequestTimeout))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("llm.max_retries must be non-negative, got %d", c.LLM.MaxRetries))
	}
	if c.LLM.RetryBackoffBase <= 0 {
		errs = append(errs, fmt.Sprintf("llm.retry_backoff_base must be positive, got %v", c.LLM.RetryBackoffBase))
	}

	if c.Solver.RunTimeLimit <= 0 {
		errs = append(errs, fmt.Sprintf("solver.run_time_limit must be positive, got %v", c.Solver.RunTimeLimit))
	}
	if c.Solver.CompileTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("solver.compile_timeout must be positive, got %v", c.Solver.CompileTimeout))
	}
	if c.Solver.GenTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("solver.gen_timeout must be positive, got %v", c.Solver.GenTimeout))
	}
	if c.Solver.GenCases < 1 {
		errs = append(errs, fmt.Sprintf("solver.gen_cases must be at least 1, got %d", c.Solver.GenCases))
	}
	if c.Solver.GenFloor < 1 || c.Solver.GenFloor > c.Solver.GenCases {
		errs = append(errs, fmt.Sprintf("solver.gen_floor must be between 1 and gen_cases (%d), got %d", c.Solver.GenCases, c.Solver.GenFloor))
	}

	if c.Events.Backlog < 1 {
		errs = append(errs, fmt.Sprintf("events.backlog must be at least 1, got %d", c.Events.Backlog))
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{"stdout": true, "otlp-grpc": true, "otlp-http": true}
		if !validExporters[c.Tracing.Exporter] {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [stdout, otlp-grpc, otlp-http], got %q", c.Tracing.Exporter))
		}
		if strings.HasPrefix(c.Tracing.Exporter, "otlp") && c.Tracing.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("tracing.endpoint is required for exporter %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("tracing.sample_rate must be in (0.0, 1.0], got %v", c.Tracing.SampleRate))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// CXXFlagList splits the configured compiler flags for exec.Command.
func (c *SolverConfig) CXXFlagList() []string {
	return strings.Fields(c.CXXFlags)
}

// defaultDataDir returns the default data directory, honoring XDG_DATA_HOME.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "grinder")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/grinder-data"
	}

	return filepath.Join(homeDir, ".grinder", "data")
}
