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

// Package auth provides session authentication for the daemon API:
// bcrypt password verification, HS256 session tokens, and the bearer
// middleware that attaches the acting user to request contexts.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tombee/grinder/internal/config"
	"github.com/tombee/grinder/internal/store"
)

// tokenIssuer is the iss claim stamped on every session token.
const tokenIssuer = "grinderd"

// clockSkew is the leeway allowed when validating exp/nbf claims.
const clockSkew = 30 * time.Second

var (
	// ErrInvalidCredentials is returned for unknown users and wrong
	// passwords alike, so callers cannot probe for account existence.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrTooManyAttempts is returned when a username exceeds its login
	// rate budget.
	ErrTooManyAttempts = errors.New("too many login attempts, try again later")

	// ErrInvalidToken is returned for malformed, forged, or expired
	// session tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// dummyHash keeps login timing flat when the username does not exist:
// the failed path still pays one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("grinder-no-such-user"), bcrypt.MinCost)

// Claims is the session token payload. Subject carries the username;
// UserID and IsAdmin are snapshots taken at issue time.
type Claims struct {
	jwt.RegisteredClaims
	UserID  int64 `json:"uid"`
	IsAdmin bool  `json:"adm,omitempty"`
}

// Service issues and validates session tokens against the user table.
type Service struct {
	store  *store.Store
	secret []byte
	ttl    time.Duration
	cost   int
	logins *loginLimiter
	logger *slog.Logger
}

// NewService builds the auth service from configuration. An empty
// jwt_secret gets a random per-process secret, which means sessions do
// not survive a daemon restart; deployments that want stable sessions
// set GRINDER_JWT_SECRET.
func NewService(st *store.Store, cfg config.AuthConfig, logger *slog.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("auth: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("auth: failed to generate session secret: %w", err)
		}
		logger.Warn("no jwt_secret configured, sessions will not survive restart")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	return &Service{
		store:  st,
		secret: secret,
		ttl:    ttl,
		cost:   cost,
		logins: newLoginLimiter(cfg.LoginPerMinute),
		logger: logger.With("component", "auth"),
	}, nil
}

// HashPassword returns the bcrypt hash to store for a new password.
func (s *Service) HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("auth: password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("auth: failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Login verifies the credentials and returns a signed session token
// with the matching user. Failed and unknown-user attempts both burn a
// token from the username's rate budget and return ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	if !s.logins.allow(username) {
		s.logger.Warn("login rate limited", "username", username)
		return "", nil, ErrTooManyAttempts
	}

	user, err := s.store.GetUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("auth: failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn("login failed", "username", username)
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info("login succeeded", "username", username, "user_id", user.ID)
	return token, user, nil
}

// IssueToken signs a fresh session token for the user.
func (s *Service) IssueToken(user *store.User) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		UserID:  user.ID,
		IsAdmin: user.IsAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a session token, returning its claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
