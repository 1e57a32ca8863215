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

// Package harness boots a full grinderd in-process for end-to-end tests:
// a real daemon on an ephemeral port, an SDK client logged in as admin,
// a scripted OpenAI-compatible LLM backend, and an in-memory target
// judge. Everything lives under t.TempDir and is torn down by t.Cleanup.
package harness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/grinder/internal/config"
	"github.com/tombee/grinder/internal/daemon"
	"github.com/tombee/grinder/sdk"
)

// Credentials the harness seeds and logs in with.
const (
	AdminUser     = "admin"
	AdminPassword = "e2e-admin-password"
)

// ProviderID is the catalogue provider the harness points at its
// scripted LLM backend.
const ProviderID = "openai"

// Harness is one running daemon plus the fakes around it.
type Harness struct {
	T        *testing.T
	Daemon   *daemon.Daemon
	Client   *sdk.Client
	LLM      *LLMServer
	Mem      *MemJudge
	Identity *sdk.Identity

	cfg    *config.Config
	cancel context.CancelFunc
	done   chan error
}

type options struct {
	genCases  int
	configure []func(*config.Config)
}

// Option adjusts harness construction.
type Option func(*options)

// WithGenCases sets how many test cases the generate stage asks for
// (and the scripted generator writes).
func WithGenCases(n int) Option {
	return func(o *options) { o.genCases = n }
}

// WithConfig edits the daemon config before the daemon is built.
func WithConfig(fn func(*config.Config)) Option {
	return func(o *options) { o.configure = append(o.configure, fn) }
}

// Start boots a daemon and blocks until it serves and the admin session
// is established. The LLM provider is configured and enabled against
// the scripted backend before Start returns.
func Start(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	o := options{genCases: 3}
	for _, opt := range opts {
		opt(&o)
	}

	dir := t.TempDir()
	llm := newLLMServer(o.genCases)
	t.Cleanup(llm.Close)

	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ShutdownGrace = 5 * time.Second
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	cfg.Workspace.Root = filepath.Join(dir, "workspaces")
	cfg.Store.Path = filepath.Join(dir, "grinder.db")
	cfg.Store.SecretKey = "e2e-store-secret"
	cfg.Auth.JWTSecret = "e2e-jwt-secret"
	cfg.Auth.BcryptCost = 4
	cfg.Solver.Python = "/bin/sh"
	cfg.Solver.GenCases = o.genCases
	cfg.Solver.GenFloor = 1
	cfg.Solver.GenTimeout = 20 * time.Second
	cfg.LLM.RequestTimeout = 30 * time.Second
	cfg.LLM.MaxRetries = 1
	cfg.LLM.RetryBackoffBase = 10 * time.Millisecond
	cfg.Metrics.Enabled = false
	for _, fn := range o.configure {
		fn(cfg)
	}

	t.Setenv("GRINDER_ADMIN_PASSWORD", AdminPassword)

	d, err := daemon.New(cfg, daemon.Options{Version: "e2e", Commit: "none", BuildDate: "none"})
	require.NoError(t, err, "daemon construction")

	mem := NewMemJudge()
	require.NoError(t, d.Registry().Register(mem))

	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{
		T:      t,
		Daemon: d,
		LLM:    llm,
		Mem:    mem,
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- d.Start(ctx) }()
	t.Cleanup(h.stop)

	addr := h.waitForListener()
	client, err := sdk.New(sdk.WithBaseURL("http://" + addr))
	require.NoError(t, err)
	h.Client = client
	h.waitHealthy()

	sess, err := client.Login(context.Background(), AdminUser, AdminPassword)
	require.NoError(t, err, "admin login")
	client.SetToken(sess.Token)

	ident, err := client.AuthCheck(context.Background())
	require.NoError(t, err)
	h.Identity = ident

	enabled := true
	err = client.SaveProvider(context.Background(), ProviderID, sdk.ProviderUpdate{
		APIKey:  "e2e-api-key",
		BaseURL: llm.URL(),
		Enabled: &enabled,
	})
	require.NoError(t, err, "provider configuration")

	return h
}

// Config exposes the daemon's configuration (read-only by convention).
func (h *Harness) Config() *config.Config { return h.cfg }

// LocalJudgeRoot is the directory tree the built-in local judge serves.
func (h *Harness) LocalJudgeRoot() string {
	return h.cfg.Workspace.Root + "-localjudge"
}

// WaitTask polls the task until it leaves "running" or the deadline
// passes, and returns the final detail.
func (h *Harness) WaitTask(taskID string, timeout time.Duration) *sdk.TaskDetail {
	h.T.Helper()
	deadline := time.Now().Add(timeout)
	for {
		detail, err := h.Client.Task(context.Background(), taskID)
		require.NoError(h.T, err)
		if detail.Task.Status != "running" {
			return detail
		}
		if time.Now().After(deadline) {
			h.T.Fatalf("task %s still %s after %s", taskID, detail.Task.Status, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (h *Harness) waitForListener() string {
	h.T.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if addr := h.Daemon.Addr(); addr != nil {
			return addr.String()
		}
		select {
		case err := <-h.done:
			h.T.Fatalf("daemon exited before listening: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			h.T.Fatal("daemon never bound its listener")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (h *Harness) waitHealthy() {
	h.T.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if err := h.Client.Ping(context.Background()); err == nil {
			return
		} else if time.Now().After(deadline) {
			h.T.Fatalf("daemon never became healthy: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (h *Harness) stop() {
	h.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := h.Daemon.Shutdown(ctx); err != nil {
		h.T.Logf("daemon shutdown: %v", err)
	}
	select {
	case <-h.done:
	case <-time.After(15 * time.Second):
		h.T.Log("daemon did not exit within the grace period")
	}
}

// LocalTask builds a single-problem create request sourced from the
// built-in local judge.
func LocalTask(id, target string) sdk.CreateTaskRequest {
	return sdk.CreateTaskRequest{
		Problems:      []string{id},
		SourceAdapter: "local",
		TargetAdapter: target,
	}
}
