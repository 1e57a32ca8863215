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

package server

import (
	"net/http"

	"github.com/tombee/grinder/internal/gate"
)

// handleConcurrencyGet handles GET /v1/concurrency: effective limits plus
// live per-gate stats.
func (s *Server) handleConcurrencyGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"limits": s.gates.Limits(),
		"gates":  s.gates.Snapshot(),
	})
}

// handleConcurrencySet handles PUT /v1/concurrency. Admin only. The new
// limits apply to in-flight gates immediately and persist across restarts.
func (s *Server) handleConcurrencySet(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	var limits gate.Limits
	if !decodeBody(w, r, &limits) {
		return
	}

	if err := s.gates.Reconfigure(limits); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveConcurrencyLimits(r.Context(), limits); err != nil {
		writeErr(w, err)
		return
	}

	_ = s.store.AppendActivity(r.Context(), id.UserID, "concurrency.set", "")
	writeJSON(w, http.StatusOK, map[string]any{"limits": s.gates.Limits()})
}

// handleQueueStats handles GET /v1/concurrency/queue: task counts by
// status plus the gate snapshot, the daemon's load dashboard.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}

	counts, err := s.store.CountTasksByStatus(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": counts,
		"total": total,
		"gates": s.gates.Snapshot(),
	})
}

// handlePresetList handles GET /v1/concurrency/presets.
func (s *Server) handlePresetList(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}

	names := gate.Presets()
	out := make(map[string]gate.Limits, len(names))
	for _, name := range names {
		limits, err := gate.Preset(name)
		if err != nil {
			continue
		}
		out[name] = limits
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": out})
}

// handlePresetApply handles POST /v1/concurrency/presets/{name}. Admin
// only; applies and persists the named preset.
func (s *Server) handlePresetApply(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	name := r.PathValue("name")
	limits, err := s.gates.ApplyPreset(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveConcurrencyLimits(r.Context(), limits); err != nil {
		writeErr(w, err)
		return
	}

	_ = s.store.AppendActivity(r.Context(), id.UserID, "concurrency.preset", name)
	writeJSON(w, http.StatusOK, map[string]any{"preset": name, "limits": limits})
}
