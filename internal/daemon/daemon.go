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

// Package daemon assembles and runs the grinderd process: store,
// workspaces, judge registry, gates, LLM pool, pipeline, task service
// and the HTTP API.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tombee/grinder/internal/auth"
	"github.com/tombee/grinder/internal/config"
	"github.com/tombee/grinder/internal/events"
	"github.com/tombee/grinder/internal/gate"
	"github.com/tombee/grinder/internal/judges/localjudge"
	llmpool "github.com/tombee/grinder/internal/llm"
	internallog "github.com/tombee/grinder/internal/log"
	"github.com/tombee/grinder/internal/metrics"
	"github.com/tombee/grinder/internal/pipeline"
	"github.com/tombee/grinder/internal/server"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/task"
	"github.com/tombee/grinder/internal/toolchain"
	"github.com/tombee/grinder/internal/tracing"
	"github.com/tombee/grinder/internal/workspace"
	"github.com/tombee/grinder/pkg/judge"
	pkgllm "github.com/tombee/grinder/pkg/llm"
)

// gateSyncInterval is how often gate gauges are pushed to the metrics
// registry.
const gateSyncInterval = 5 * time.Second

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath, when set, is watched for changes; concurrency limits
	// reload without a restart.
	ConfigPath string
}

// Daemon is the grinderd process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store      *store.Store
	workspaces *workspace.Store
	registry   *judge.Registry
	gates      *gate.Controller
	pool       *llmpool.Pool
	bus        *events.Bus
	runner     *pipeline.Runner
	tasks      *task.Service
	auth       *auth.Service

	server   *http.Server
	ln       net.Listener
	tracer   *tracing.Provider
	watcher  *config.Watcher
	syncStop chan struct{}

	mu      sync.Mutex
	started bool
}

// New wires a daemon from configuration. Nothing is listening yet;
// Start binds and serves.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout,
		SecretKey:   cfg.Store.SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	workspaces, err := workspace.NewStore(cfg.Workspace.Root,
		workspace.WithZipExcludes(cfg.Workspace.ZipExcludes))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open workspace root: %w", err)
	}

	// Persisted limits win over the config file: the admin set them at
	// runtime on purpose.
	limits := cfg.Concurrency
	if saved, err := st.LoadConcurrencyLimits(context.Background()); err != nil {
		logger.Warn("failed to load persisted concurrency limits", internallog.Error(err))
	} else if saved != nil {
		limits = *saved
		logger.Info("using persisted concurrency limits")
	}
	gates := gate.NewController(limits, gate.WithLogger(logger))

	solver := toolchain.New(cfg.Solver, logger)

	registry := judge.NewRegistry()
	local, err := localjudge.New(localJudgeRoot(cfg), solver, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize local judge: %w", err)
	}
	if err := registry.Register(local); err != nil {
		st.Close()
		return nil, err
	}

	llmRegistry := pkgllm.NewRegistry()
	if err := pkgllm.RegisterBuiltins(llmRegistry); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to register llm providers: %w", err)
	}
	pool, err := llmpool.NewPool(llmRegistry, gates, st, cfg.LLM, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	bus := events.NewBus(cfg.Events.Backlog, logger)

	runner, err := pipeline.New(pipeline.Deps{
		Store:      st,
		Workspaces: workspaces,
		Registry:   registry,
		LLM:        pool,
		Gates:      gates,
		Solver:     solver,
		SolverCfg:  cfg.Solver,
		LLMCfg:     cfg.LLM,
		Bus:        bus,
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	tasks, err := task.New(task.Deps{
		Store:      st,
		Workspaces: workspaces,
		Registry:   registry,
		Runner:     runner,
		Gates:      gates,
		Bus:        bus,
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	authSvc, err := auth.NewService(st, cfg.Auth, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		store:      st,
		workspaces: workspaces,
		registry:   registry,
		gates:      gates,
		pool:       pool,
		bus:        bus,
		runner:     runner,
		tasks:      tasks,
		auth:       authSvc,
	}, nil
}

// Registry exposes the judge registry so deployments can register extra
// adapters before Start.
func (d *Daemon) Registry() *judge.Registry { return d.registry }

// Addr returns the bound listen address, nil before Start binds.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// localJudgeRoot places the local judge tree beside the workspaces.
func localJudgeRoot(cfg *config.Config) string {
	return cfg.Workspace.Root + "-localjudge"
}

// Start brings the daemon up and blocks until ctx is cancelled or the
// server fails. A bind or bootstrap failure returns an error, which the
// caller turns into a non-zero exit.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	tracer, err := tracing.Init(ctx, d.cfg.Tracing, d.opts.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	d.tracer = tracer

	if err := d.seedAdminUser(ctx); err != nil {
		return err
	}

	if err := d.pool.ActivateAll(ctx); err != nil {
		d.logger.Warn("provider activation incomplete", internallog.Error(err))
	}

	// Reclaim problems an earlier process left mid-flight.
	if err := d.tasks.Resume(ctx); err != nil {
		d.logger.Warn("failed to resume interrupted tasks", internallog.Error(err))
	}

	ln, err := newListener(d.cfg.Server.Listen, d.cfg.Server.AllowRemote)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	srv := server.New(server.Config{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	}, server.Deps{
		Tasks:    d.tasks,
		Store:    d.store,
		Registry: d.registry,
		Pool:     d.pool,
		Gates:    d.gates,
		Bus:      d.bus,
		Auth:     d.auth,
		Logger:   d.logger,
		Metrics:  d.cfg.Metrics.Enabled,
	})

	d.server = &http.Server{
		Handler: d.auth.Wrap(srv.Handler()),
		// No WriteTimeout: the event stream holds its response open for
		// the life of the subscription.
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	d.watchConfig(ctx)
	d.startGateSync()

	d.logger.Info("grinderd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("db", d.cfg.Store.Path),
		slog.String("workspaces", d.cfg.Workspace.Root))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains in-flight problems and closes everything down. Called
// after Start's context is cancelled.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated",
		slog.Duration("grace", d.cfg.Server.ShutdownGrace))

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	drainCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownGrace)
	defer cancel()
	if err := d.tasks.Drain(drainCtx); err != nil {
		d.logger.Warn("drain incomplete, in-flight problems persist for resume",
			internallog.Error(err))
	} else {
		d.logger.Info("all problems settled during drain")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("config watcher stop error", internallog.Error(err))
		}
	}
	if d.syncStop != nil {
		close(d.syncStop)
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http server shutdown error", internallog.Error(err))
		}
	}

	if d.tracer != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.tracer.Shutdown(flushCtx); err != nil {
			d.logger.Warn("tracer shutdown error", internallog.Error(err))
		}
	}

	err := d.store.Close()
	d.started = false
	d.logger.Info("grinderd stopped")
	return err
}

// seedAdminUser creates the first account on an empty store. The password
// comes from GRINDER_ADMIN_PASSWORD, or is generated and logged once.
func (d *Daemon) seedAdminUser(ctx context.Context) error {
	n, err := d.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if n > 0 {
		return nil
	}

	password := os.Getenv("GRINDER_ADMIN_PASSWORD")
	generated := password == ""
	if generated {
		raw := make([]byte, 12)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("failed to generate admin password: %w", err)
		}
		password = hex.EncodeToString(raw)
	}

	hash, err := d.auth.HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := d.store.CreateUser(ctx, "admin", hash, true); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}

	if generated {
		// Logged once on first boot; rotate it after logging in.
		d.logger.Warn("seeded admin user with generated password",
			slog.String("username", "admin"),
			slog.String("password", password))
	} else {
		d.logger.Info("seeded admin user", slog.String("username", "admin"))
	}
	return nil
}

// watchConfig reloads concurrency limits when the config file changes.
func (d *Daemon) watchConfig(ctx context.Context) {
	if d.opts.ConfigPath == "" {
		return
	}
	w, err := config.Watch(d.opts.ConfigPath, func(next *config.Config) {
		if err := d.gates.Reconfigure(next.Concurrency); err != nil {
			d.logger.Warn("config reload: concurrency rejected", internallog.Error(err))
			return
		}
		d.logger.Info("concurrency limits reloaded from config")
	})
	if err != nil {
		d.logger.Warn("config watcher unavailable", internallog.Error(err))
		return
	}
	if err := w.Start(ctx); err != nil {
		d.logger.Warn("config watcher failed to start", internallog.Error(err))
		return
	}
	d.watcher = w
}

// startGateSync mirrors gate occupancy into the metrics gauges.
func (d *Daemon) startGateSync() {
	d.syncStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(gateSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.syncStop:
				return
			case <-ticker.C:
				metrics.SyncGates(d.gates.Snapshot())
			}
		}
	}()
}
