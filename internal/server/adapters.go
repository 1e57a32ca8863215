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

	"github.com/tombee/grinder/pkg/judge"
)

// adapterInfo is one adapter in the GET /v1/adapters response.
type adapterInfo struct {
	Name         string              `json:"name"`
	DisplayName  string              `json:"display_name"`
	Version      string              `json:"version"`
	Capabilities []judge.Capability  `json:"capabilities"`
	ConfigSchema []judge.ConfigField `json:"config_schema"`
	Configured   bool                `json:"configured"`
	Default      bool                `json:"default,omitempty"`
}

// handleAdapterList handles GET /v1/adapters. Configured is per-caller:
// whether this user has stored credentials for the adapter.
func (s *Server) handleAdapterList(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	configured, err := s.store.ConfiguredAdapters(r.Context(), id.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	haveConfig := make(map[string]bool, len(configured))
	for _, name := range configured {
		haveConfig[name] = true
	}

	var defaultName string
	if def, err := s.registry.Default(); err == nil {
		defaultName = def.Name()
	}

	adapters := s.registry.All()
	out := make([]adapterInfo, 0, len(adapters))
	for _, a := range adapters {
		schema := a.ConfigSchema()
		if schema == nil {
			schema = []judge.ConfigField{}
		}
		out = append(out, adapterInfo{
			Name:         a.Name(),
			DisplayName:  a.DisplayName(),
			Version:      a.Version(),
			Capabilities: a.Capabilities(),
			ConfigSchema: schema,
			Configured:   haveConfig[a.Name()],
			Default:      a.Name() == defaultName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": out})
}

// handleAdapterSaveConfig handles PUT /v1/adapters/{name}/config. The body
// is a flat field map validated against the adapter's schema; values are
// encrypted at rest by the store.
func (s *Server) handleAdapterSaveConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	name := r.PathValue("name")
	adapter, err := s.registry.Get(name)
	if err != nil {
		writeErr(w, err)
		return
	}

	var config map[string]string
	if !decodeBody(w, r, &config) {
		return
	}

	if err := validateAdapterConfig(adapter.ConfigSchema(), config); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveAdapterConfig(r.Context(), id.UserID, name, config); err != nil {
		writeErr(w, err)
		return
	}

	_ = s.store.AppendActivity(r.Context(), id.UserID, "adapter.configure", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// validateAdapterConfig checks required schema fields are present and no
// unknown fields sneak in.
func validateAdapterConfig(schema []judge.ConfigField, config map[string]string) error {
	known := make(map[string]bool, len(schema))
	for _, field := range schema {
		known[field.Name] = true
		if field.Required && config[field.Name] == "" {
			return fmt.Errorf("field %q is required", field.Name)
		}
	}
	for key := range config {
		if !known[key] {
			return fmt.Errorf("unknown field %q", key)
		}
	}
	return nil
}
