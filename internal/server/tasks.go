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
	"fmt"
	"net/http"
	"strconv"

	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/task"
)

// handleTaskCreate handles POST /v1/tasks.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var spec task.CreateSpec
	if !decodeBody(w, r, &spec) {
		return
	}

	created, err := s.tasks.Create(r.Context(), id.UserID, spec)
	if err != nil {
		writeErr(w, err)
		return
	}

	// Clients get the same task+problems shape as a GET, so they can
	// track the admitted problem rows right away.
	detail, err := s.tasks.Get(r.Context(), id.UserID, created.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

// handleTaskList handles GET /v1/tasks with status/search/source/target
// filters and limit/offset paging.
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := store.TaskFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Source: q.Get("source"),
		Target: q.Get("target"),
	}
	var err error
	if filter.Limit, err = queryInt(q.Get("limit"), 50); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	summaries, err := s.tasks.List(r.Context(), id.UserID, filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": summaries})
}

// handleTaskGet handles GET /v1/tasks/{id}.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	detail, err := s.tasks.Get(r.Context(), id.UserID, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type retryRequest struct {
	Stage string `json:"stage"`
}

// handleTaskRetry handles POST /v1/tasks/{id}/retry. The body names the
// stage to re-run from; empty or "all" means from scratch.
func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req retryRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Stage == "" {
		req.Stage = task.RetryAll
	}

	n, err := s.tasks.Retry(r.Context(), id.UserID, r.PathValue("id"), req.Stage)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"redispatched": n})
}

// handleTaskCancel handles POST /v1/tasks/{id}/cancel.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	if err := s.tasks.Cancel(r.Context(), id.UserID, r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleTaskDelete handles DELETE /v1/tasks/{id}.
func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	if err := s.tasks.Delete(r.Context(), id.UserID, r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskDownload handles GET /v1/tasks/{id}/download, streaming the
// task workspace as a zip.
func (s *Server) handleTaskDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	taskID := r.PathValue("id")
	// Resolve ownership before the first body write so missing tasks
	// still get a JSON 404 instead of a truncated zip.
	if _, err := s.tasks.Get(r.Context(), id.UserID, taskID); err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", taskID+".zip"))

	if err := s.tasks.DownloadWorkspace(r.Context(), id.UserID, taskID, w); err != nil {
		// Headers are already out; log rather than double-write.
		s.logger.Error("workspace download failed", "task", taskID, "error", err)
	}
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}
