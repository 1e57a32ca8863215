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

	"github.com/tombee/grinder/internal/store"
	llmspec "github.com/tombee/grinder/pkg/llm"
)

// providerInfo joins a provider spec with its stored configuration. The
// API key never appears in responses; HasKey says one is stored.
type providerInfo struct {
	ID           string               `json:"id"`
	DisplayName  string               `json:"display_name"`
	Description  string               `json:"description,omitempty"`
	Capabilities []llmspec.Capability `json:"capabilities"`
	Selectable   bool                 `json:"selectable"`
	Configured   bool                 `json:"configured"`
	Enabled      bool                 `json:"enabled"`
	HasKey       bool                 `json:"has_key"`
	BaseURL      string               `json:"base_url,omitempty"`
	Model        string               `json:"model,omitempty"`
	SummaryModel string               `json:"summary_model,omitempty"`
	UpdatedAt    *time.Time           `json:"updated_at,omitempty"`
}

// handleProviderList handles GET /v1/providers: every known provider spec,
// merged with stored rows where they exist.
func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}

	rows, err := s.store.ListProviders(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	stored := make(map[string]*store.Provider, len(rows))
	for _, row := range rows {
		stored[row.Name] = row
	}

	specs := llmspec.Specs()
	out := make([]providerInfo, 0, len(specs))
	for _, spec := range specs {
		info := providerInfo{
			ID:           spec.ID,
			DisplayName:  spec.DisplayName,
			Description:  spec.Description,
			Capabilities: spec.Capabilities,
			Selectable:   spec.UserSelectable,
		}
		if row, ok := stored[spec.ID]; ok {
			info.Configured = true
			info.Enabled = row.Enabled
			info.HasKey = row.APIKey != ""
			info.BaseURL = row.BaseURL
			info.Model = row.Model
			info.SummaryModel = row.SummaryModel
			if !row.UpdatedAt.IsZero() {
				t := row.UpdatedAt
				info.UpdatedAt = &t
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

type providerSaveRequest struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
	SummaryModel string `json:"summary_model"`
	Enabled      *bool  `json:"enabled"`
}

// handleProviderSave handles PUT /v1/providers/{name}. Admin only; keys
// are credentials for the whole daemon. An empty api_key keeps the stored
// one so admins can toggle or re-model without re-entering it.
func (s *Server) handleProviderSave(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	name := r.PathValue("name")
	if _, err := llmspec.SpecFor(name); err != nil {
		writeErr(w, err)
		return
	}

	var req providerSaveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	row := &store.Provider{
		Name:         name,
		APIKey:       req.APIKey,
		BaseURL:      req.BaseURL,
		Model:        req.Model,
		SummaryModel: req.SummaryModel,
		Enabled:      true,
	}
	if existing, err := s.store.GetProvider(r.Context(), name); err == nil {
		if row.APIKey == "" {
			row.APIKey = existing.APIKey
		}
		row.Enabled = existing.Enabled
	}
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}

	if err := s.store.SaveProvider(r.Context(), row); err != nil {
		writeErr(w, err)
		return
	}

	if s.pool != nil {
		if row.Enabled {
			if err := s.pool.Activate(r.Context(), name); err != nil {
				s.logger.Warn("provider saved but activation failed", "provider", name, "error", err)
			}
		} else {
			s.pool.Deactivate(name)
		}
	}

	_ = s.store.AppendActivity(r.Context(), id.UserID, "provider.save", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handleProviderTest handles POST /v1/providers/{name}/test. ?full=true
// performs a live round-trip; the default only checks configuration shape.
func (s *Server) handleProviderTest(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "llm pool not available")
		return
	}

	full := r.URL.Query().Get("full") == "true"
	result, err := s.pool.Test(r.Context(), r.PathValue("name"), full)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
