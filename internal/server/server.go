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

// Package server provides the HTTP API for the daemon.
package server

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/tombee/grinder/internal/auth"
	"github.com/tombee/grinder/internal/events"
	"github.com/tombee/grinder/internal/gate"
	llmpool "github.com/tombee/grinder/internal/llm"
	"github.com/tombee/grinder/internal/metrics"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/task"
	"github.com/tombee/grinder/internal/tracing"
	"github.com/tombee/grinder/pkg/judge"
)

// Config identifies the build behind /v1/version.
type Config struct {
	Version   string
	Commit    string
	BuildDate string
}

// Deps are the server's collaborators. Tasks, Store, Registry, Gates
// and Auth are required; Pool and Bus may be nil in reduced deployments
// (provider and event endpoints then report accordingly).
type Deps struct {
	Tasks    *task.Service
	Store    *store.Store
	Registry *judge.Registry
	Pool     *llmpool.Pool
	Gates    *gate.Controller
	Bus      *events.Bus
	Auth     *auth.Service
	Logger   *slog.Logger

	// Metrics exposes GET /metrics when true.
	Metrics bool
}

// Server routes the /v1 API onto its collaborators.
type Server struct {
	mux      *http.ServeMux
	cfg      Config
	tasks    *task.Service
	store    *store.Store
	registry *judge.Registry
	pool     *llmpool.Pool
	gates    *gate.Controller
	bus      *events.Bus
	auth     *auth.Service
	logger   *slog.Logger
	started  time.Time
}

// New builds the server and registers every route.
func New(cfg Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mux:      http.NewServeMux(),
		cfg:      cfg,
		tasks:    d.Tasks,
		store:    d.Store,
		registry: d.Registry,
		pool:     d.Pool,
		gates:    d.Gates,
		bus:      d.Bus,
		auth:     d.Auth,
		logger:   logger.With("component", "server"),
		started:  time.Now(),
	}

	s.mux.HandleFunc("GET /", s.handleRoot)
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/version", s.handleVersion)

	s.mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /v1/auth/check", s.handleAuthCheck)
	s.mux.HandleFunc("POST /v1/auth/logout", s.handleLogout)

	s.mux.HandleFunc("POST /v1/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("POST /v1/tasks/{id}/retry", s.handleTaskRetry)
	s.mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleTaskCancel)
	s.mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleTaskDelete)
	s.mux.HandleFunc("GET /v1/tasks/{id}/download", s.handleTaskDownload)

	s.mux.HandleFunc("GET /v1/adapters", s.handleAdapterList)
	s.mux.HandleFunc("PUT /v1/adapters/{name}/config", s.handleAdapterSaveConfig)

	s.mux.HandleFunc("GET /v1/providers", s.handleProviderList)
	s.mux.HandleFunc("PUT /v1/providers/{name}", s.handleProviderSave)
	s.mux.HandleFunc("POST /v1/providers/{name}/test", s.handleProviderTest)

	s.mux.HandleFunc("GET /v1/concurrency", s.handleConcurrencyGet)
	s.mux.HandleFunc("PUT /v1/concurrency", s.handleConcurrencySet)
	s.mux.HandleFunc("GET /v1/concurrency/queue", s.handleQueueStats)
	s.mux.HandleFunc("GET /v1/concurrency/presets", s.handlePresetList)
	s.mux.HandleFunc("POST /v1/concurrency/presets/{name}", s.handlePresetApply)

	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /v1/activity", s.handleActivity)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)

	if d.Metrics {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}

	return s
}

// Handler returns the routed handler with request logging applied.
// Authentication is the daemon's wrap, outside this handler.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Mux returns the underlying ServeMux for registering extra routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// logRequests logs one line per completed request. It also adopts (or
// mints) the request's correlation id so outbound adapter and provider
// calls carry the same id the client sees in the response header.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		corrID := tracing.FromRequest(r)
		r = r.WithContext(tracing.ToContext(r.Context(), corrID))
		w.Header().Set(tracing.HeaderCorrelationID, corrID.String())

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"correlation_id", corrID.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so SSE streaming survives the
// logging wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// handleRoot handles GET / for basic connectivity.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "grinderd",
		"version": s.cfg.Version,
	})
}

// handleHealth handles GET /v1/health. Unauthenticated; load balancers
// poll it, so it exposes nothing beyond liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion handles GET /v1/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    s.cfg.Version,
		"commit":     s.cfg.Commit,
		"build_date": s.cfg.BuildDate,
		"go":         runtime.Version(),
	})
}
