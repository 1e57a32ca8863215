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
	"time"
)

// SaveAdapterConfig encrypts and upserts a user's credential map for one
// judge adapter. An empty map deletes the stored configuration.
func (s *Store) SaveAdapterConfig(ctx context.Context, userID int64, adapter string, config map[string]string) error {
	if adapter == "" {
		return fmt.Errorf("store: adapter name is required")
	}

	if len(config) == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM adapter_configs WHERE user_id = ? AND adapter = ?`, userID, adapter)
		if err != nil {
			return fmt.Errorf("store: failed to delete adapter config: %w", err)
		}
		return nil
	}

	plain, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("store: failed to marshal adapter config: %w", err)
	}
	encrypted, err := s.encryptor.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("store: failed to encrypt adapter config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO adapter_configs (user_id, adapter, config_encrypted, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, adapter) DO UPDATE SET
		   config_encrypted = excluded.config_encrypted,
		   updated_at = excluded.updated_at`,
		userID, adapter, encrypted, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: failed to save adapter config: %w", err)
	}
	return nil
}

// AdapterConfig returns the decrypted credential map a user stored for
// the named adapter. A missing configuration yields an empty map so that
// adapters, not the store, decide which absent fields are fatal. This is
// the judge.CredentialSource contract: a fresh read on every call means
// credential changes apply to the next adapter call without restarts.
func (s *Store) AdapterConfig(ctx context.Context, userID int64, adapter string) (map[string]string, error) {
	var encrypted []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT config_encrypted FROM adapter_configs WHERE user_id = ? AND adapter = ?`,
		userID, adapter,
	).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load adapter config: %w", err)
	}

	plain, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("store: failed to decrypt adapter config: %w", err)
	}

	config := make(map[string]string)
	if err := json.Unmarshal(plain, &config); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal adapter config: %w", err)
	}
	return config, nil
}

// ConfiguredAdapters lists the adapter names a user has credentials for.
func (s *Store) ConfiguredAdapters(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT adapter FROM adapter_configs WHERE user_id = ? ORDER BY adapter`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list adapter configs: %w", err)
	}
	defer rows.Close()

	var adapters []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: failed to scan adapter name: %w", err)
		}
		adapters = append(adapters, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating adapter configs: %w", err)
	}
	return adapters, nil
}
