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

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller attached to request contexts.
type Identity struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

// IdentityFromContext extracts the authenticated caller from the
// request context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// ContextWithIdentity returns a context carrying the caller. Handlers
// under the middleware never need this; tests do.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// publicPaths are reachable without a session token.
var publicPaths = map[string]bool{
	"/v1/health":     true,
	"/v1/version":    true,
	"/v1/auth/login": true,
	"/metrics":       true,
}

// Wrap enforces bearer authentication on every path outside the public
// set and attaches the token's identity to the request context.
func (s *Service) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearer(r)
		if token == "" {
			unauthorized(w, "authentication required")
			return
		}

		claims, err := s.Validate(token)
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}

		identity := &Identity{
			UserID:   claims.UserID,
			Username: claims.Subject,
			IsAdmin:  claims.IsAdmin,
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// extractBearer pulls the token from the Authorization header. Query
// parameter tokens are deliberately not supported: they end up in
// access logs.
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// unauthorized sends a 401 with the challenge header.
func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
