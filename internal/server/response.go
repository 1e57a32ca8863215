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
	"encoding/json"
	"net/http"

	"github.com/tombee/grinder/internal/auth"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/task"
	grinderrors "github.com/tombee/grinder/pkg/errors"
)

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps a service error onto an HTTP status and writes it.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeError(w, status, err.Error())
}

// statusFor maps service errors onto HTTP statuses. Typed errors and sentinels
// first, then the kind taxonomy, then 500.
func statusFor(err error) int {
	var validation *grinderrors.ValidationError
	if grinderrors.As(err, &validation) {
		return http.StatusBadRequest
	}
	var notFound *grinderrors.NotFoundError
	if grinderrors.As(err, &notFound) {
		return http.StatusNotFound
	}

	switch {
	case grinderrors.Is(err, store.ErrTaskNotFound),
		grinderrors.Is(err, store.ErrProblemNotFound),
		grinderrors.Is(err, store.ErrProviderNotFound),
		grinderrors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound
	case grinderrors.Is(err, task.ErrQueueFull),
		grinderrors.Is(err, task.ErrDraining):
		return http.StatusServiceUnavailable
	case grinderrors.Is(err, auth.ErrInvalidCredentials),
		grinderrors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case grinderrors.Is(err, auth.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	}

	switch grinderrors.KindOf(err) {
	case grinderrors.KindAuth:
		return http.StatusUnauthorized
	case grinderrors.KindForbidden:
		return http.StatusForbidden
	case grinderrors.KindNotFound:
		return http.StatusNotFound
	case grinderrors.KindParse, grinderrors.KindBadData:
		return http.StatusBadRequest
	case grinderrors.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// identity pulls the authenticated caller from the request context. The auth
// middleware guarantees it for every non-public path; a miss means the route
// was wired outside the middleware, which is a 401 rather than a panic.
func identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return id, true
}

// requireAdmin rejects non-admin callers with 403.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := identity(w, r)
	if !ok {
		return nil, false
	}
	if !id.IsAdmin {
		writeError(w, http.StatusForbidden, "admin privileges required")
		return nil, false
	}
	return id, true
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
