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
	"time"
)

// handleStats handles GET /v1/stats: a daemon-wide overview.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}

	tasks, err := s.store.CountTasksByStatus(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	users, err := s.store.CountUsers(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	subscribers := 0
	if s.bus != nil {
		subscribers = s.bus.SubscriberCount()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":             tasks,
		"users":             users,
		"event_subscribers": subscribers,
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"version":           s.cfg.Version,
	})
}

// handleActivity handles GET /v1/activity?limit=N: the caller's recent
// audit entries, newest first.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := s.store.ListActivity(r.Context(), id.UserID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}
