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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Listen != "127.0.0.1:8642" {
		t.Errorf("expected listen 127.0.0.1:8642, got %q", cfg.Server.Listen)
	}
	if cfg.Server.ShutdownGrace != 30*time.Second {
		t.Errorf("expected shutdown grace 30s, got %v", cfg.Server.ShutdownGrace)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %q", cfg.Log.Format)
	}

	if cfg.Workspace.Root == "" {
		t.Error("expected non-empty workspace root")
	}
	if filepath.Base(cfg.Store.Path) != "grinder.db" {
		t.Errorf("expected store path ending in grinder.db, got %q", cfg.Store.Path)
	}

	if cfg.Concurrency.GlobalTasks != 50 {
		t.Errorf("expected global_tasks 50, got %d", cfg.Concurrency.GlobalTasks)
	}
	if cfg.Concurrency.LLMTotal != 8 {
		t.Errorf("expected llm_total 8, got %d", cfg.Concurrency.LLMTotal)
	}
	if cfg.Concurrency.TaskTimeoutSeconds != 600 {
		t.Errorf("expected task timeout 600s, got %d", cfg.Concurrency.TaskTimeoutSeconds)
	}

	if cfg.LLM.RequestTimeout != 5*time.Minute {
		t.Errorf("expected llm request timeout 5m, got %v", cfg.LLM.RequestTimeout)
	}
	if cfg.LLM.MaxRetries != 3 {
		t.Errorf("expected llm max retries 3, got %d", cfg.LLM.MaxRetries)
	}

	if cfg.Solver.CXX != "g++" {
		t.Errorf("expected solver cxx g++, got %q", cfg.Solver.CXX)
	}
	if cfg.Solver.CXXFlags != "-O2 -std=c++17" {
		t.Errorf("expected default cxx flags, got %q", cfg.Solver.CXXFlags)
	}
	if cfg.Solver.Python != "python3" {
		t.Errorf("expected solver python python3, got %q", cfg.Solver.Python)
	}
	if cfg.Solver.RunTimeLimit != time.Second {
		t.Errorf("expected run time limit 1s, got %v", cfg.Solver.RunTimeLimit)
	}
	if cfg.Solver.CompileTimeout != 30*time.Second {
		t.Errorf("expected compile timeout 30s, got %v", cfg.Solver.CompileTimeout)
	}
	if cfg.Solver.GenCases != 10 || cfg.Solver.GenFloor != 5 {
		t.Errorf("expected gen cases 10 floor 5, got %d/%d", cfg.Solver.GenCases, cfg.Solver.GenFloor)
	}

	if cfg.Events.Backlog != 100 {
		t.Errorf("expected events backlog 100, got %d", cfg.Events.Backlog)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled by default")
	}
	if cfg.Tracing.Enabled {
		t.Error("expected tracing disabled by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errText string
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty listen",
			modify: func(c *Config) {
				c.Server.Listen = ""
			},
			wantErr: true,
			errText: "server.listen must not be empty",
		},
		{
			name: "invalid shutdown grace",
			modify: func(c *Config) {
				c.Server.ShutdownGrace = 0
			},
			wantErr: true,
			errText: "shutdown_grace must be positive",
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "loud"
			},
			wantErr: true,
			errText: "log.level must be one of [debug, info, warn, warning, error]",
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
			errText: "log.format must be one of [json, text]",
		},
		{
			name: "negative gate limit",
			modify: func(c *Config) {
				c.Concurrency.GlobalTasks = -1
			},
			wantErr: true,
			errText: "global_tasks",
		},
		{
			name: "invalid llm request timeout",
			modify: func(c *Config) {
				c.LLM.RequestTimeout = 0
			},
			wantErr: true,
			errText: "llm.request_timeout must be positive",
		},
		{
			name: "gen floor above gen cases",
			modify: func(c *Config) {
				c.Solver.GenCases = 4
				c.Solver.GenFloor = 5
			},
			wantErr: true,
			errText: "solver.gen_floor must be between 1 and gen_cases",
		},
		{
			name: "zero events backlog",
			modify: func(c *Config) {
				c.Events.Backlog = 0
			},
			wantErr: true,
			errText: "events.backlog must be at least 1",
		},
		{
			name: "unknown tracing exporter",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: true,
			errText: "tracing.exporter must be one of [stdout, otlp-grpc, otlp-http]",
		},
		{
			name: "otlp exporter without endpoint",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp-grpc"
				c.Tracing.Endpoint = ""
			},
			wantErr: true,
			errText: "tracing.endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if tt.wantErr && err != nil && !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("expected error to contain %q, got %q", tt.errText, err.Error())
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  listen: "0.0.0.0:9100"
concurrency:
  global_tasks: 3
  llm_total: 2
solver:
  cxx: clang++
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9100" {
		t.Errorf("expected listen from file, got %q", cfg.Server.Listen)
	}
	if cfg.Concurrency.GlobalTasks != 3 {
		t.Errorf("expected global_tasks 3, got %d", cfg.Concurrency.GlobalTasks)
	}
	if cfg.Concurrency.LLMTotal != 2 {
		t.Errorf("expected llm_total 2, got %d", cfg.Concurrency.LLMTotal)
	}
	if cfg.Solver.CXX != "clang++" {
		t.Errorf("expected solver cxx clang++, got %q", cfg.Solver.CXX)
	}

	// Unset fields fall back to defaults.
	if cfg.Concurrency.StageFetch != 10 {
		t.Errorf("expected default stage_fetch 10, got %d", cfg.Concurrency.StageFetch)
	}
	if cfg.Events.Backlog != 100 {
		t.Errorf("expected default events backlog 100, got %d", cfg.Events.Backlog)
	}
	if cfg.Solver.Python != "python3" {
		t.Errorf("expected default solver python, got %q", cfg.Solver.Python)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GRINDER_LISTEN", "127.0.0.1:7001")
	t.Setenv("GRINDER_SHUTDOWN_GRACE", "45s")
	t.Setenv("GRINDER_LOG_LEVEL", "debug")
	t.Setenv("GRINDER_GLOBAL_TASKS", "7")
	t.Setenv("GRINDER_LLM_TIMEOUT", "90s")
	t.Setenv("GRINDER_SECRET_KEY", "test-secret")
	t.Setenv("GRINDER_SOLVER_CXX", "g++-13")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:7001" {
		t.Errorf("expected listen from env, got %q", cfg.Server.Listen)
	}
	if cfg.Server.ShutdownGrace != 45*time.Second {
		t.Errorf("expected shutdown grace 45s, got %v", cfg.Server.ShutdownGrace)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Log.Level)
	}
	if cfg.Concurrency.GlobalTasks != 7 {
		t.Errorf("expected global_tasks 7, got %d", cfg.Concurrency.GlobalTasks)
	}
	if cfg.LLM.RequestTimeout != 90*time.Second {
		t.Errorf("expected llm timeout 90s, got %v", cfg.LLM.RequestTimeout)
	}
	if cfg.Store.SecretKey != "test-secret" {
		t.Errorf("expected secret key from env, got %q", cfg.Store.SecretKey)
	}
	if cfg.Solver.CXX != "g++-13" {
		t.Errorf("expected solver cxx from env, got %q", cfg.Solver.CXX)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := "server:\n  listen: \"127.0.0.1:9999\"\n"
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("GRINDER_LISTEN", "127.0.0.1:7002")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:7002" {
		t.Errorf("expected env to override file, got %q", cfg.Server.Listen)
	}
}

func TestCXXFlagList(t *testing.T) {
	s := SolverConfig{CXXFlags: "-O2 -std=c++17"}
	flags := s.CXXFlagList()
	if len(flags) != 2 || flags[0] != "-O2" || flags[1] != "-std=c++17" {
		t.Errorf("unexpected flag list: %v", flags)
	}

	s.CXXFlags = ""
	if got := s.CXXFlagList(); len(got) != 0 {
		t.Errorf("expected empty flag list, got %v", got)
	}
}
