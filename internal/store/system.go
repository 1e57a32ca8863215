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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tombee/grinder/internal/gate"
)

// concurrencyKey is the system_config row holding admin-tuned gate limits.
// Limits saved here override the config file on the next daemon start.
const concurrencyKey = "concurrency_config"

// SetSystemConfig upserts one key/value pair.
func (s *Store) SetSystemConfig(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("store: system config key is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: failed to set system config: %w", err)
	}
	return nil
}

// GetSystemConfig returns the value for key, or "" when unset.
func (s *Store) GetSystemConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to get system config: %w", err)
	}
	return value, nil
}

// SaveConcurrencyLimits persists admin-tuned gate limits so a restart
// comes back with the tuned values rather than the config file's.
func (s *Store) SaveConcurrencyLimits(ctx context.Context, limits gate.Limits) error {
	data, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("store: failed to marshal concurrency limits: %w", err)
	}
	return s.SetSystemConfig(ctx, concurrencyKey, string(data))
}

// LoadConcurrencyLimits returns the persisted gate limits, or (nil, nil)
// when none were ever saved.
func (s *Store) LoadConcurrencyLimits(ctx context.Context) (*gate.Limits, error) {
	value, err := s.GetSystemConfig(ctx, concurrencyKey)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}

	var limits gate.Limits
	if err := json.Unmarshal([]byte(value), &limits); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal concurrency limits: %w", err)
	}
	return &limits, nil
}
