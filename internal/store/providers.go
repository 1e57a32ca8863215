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
	"errors"
	"fmt"
	"time"
)

// Provider is a configured LLM backend. Overrides left empty fall back to
// the provider's built-in defaults; the API key never leaves the store
// unencrypted except through this struct.
type Provider struct {
	Name         string
	APIKey       string
	BaseURL      string
	Model        string
	SummaryModel string
	Enabled      bool
	UpdatedAt    time.Time
}

// SaveProvider encrypts the API key and upserts the provider row.
func (s *Store) SaveProvider(ctx context.Context, p *Provider) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("store: provider name is required")
	}
	if p.APIKey == "" {
		return fmt.Errorf("store: provider api key is required")
	}

	encrypted, err := s.encryptor.Encrypt([]byte(p.APIKey))
	if err != nil {
		return fmt.Errorf("store: failed to encrypt api key: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (name, api_key_encrypted, base_url, model, summary_model, enabled, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   api_key_encrypted = excluded.api_key_encrypted,
		   base_url = excluded.base_url,
		   model = excluded.model,
		   summary_model = excluded.summary_model,
		   enabled = excluded.enabled,
		   updated_at = excluded.updated_at`,
		p.Name, encrypted, p.BaseURL, p.Model, p.SummaryModel, boolToInt(p.Enabled), fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: failed to save provider: %w", err)
	}
	return nil
}

// GetProvider returns one provider with its API key decrypted.
func (s *Store) GetProvider(ctx context.Context, name string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, api_key_encrypted, base_url, model, summary_model, enabled, updated_at
		 FROM providers WHERE name = ?`, name)
	return s.scanProvider(row)
}

// ListProviders returns all configured providers, keys decrypted.
func (s *Store) ListProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, api_key_encrypted, base_url, model, summary_model, enabled, updated_at
		 FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating providers: %w", err)
	}
	return providers, nil
}

// SetProviderEnabled flips the enabled flag without touching credentials.
func (s *Store) SetProviderEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET enabled = ?, updated_at = ? WHERE name = ?`,
		boolToInt(enabled), fmtTime(time.Now()), name,
	)
	if err != nil {
		return fmt.Errorf("store: failed to update provider: %w", err)
	}
	return requireRow(res, ErrProviderNotFound)
}

// DeleteProvider removes a provider and its stored key.
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: failed to delete provider: %w", err)
	}
	return requireRow(res, ErrProviderNotFound)
}

func (s *Store) scanProvider(sc rowScanner) (*Provider, error) {
	var p Provider
	var encrypted []byte
	var enabled int
	var updatedAt string

	err := sc.Scan(&p.Name, &encrypted, &p.BaseURL, &p.Model, &p.SummaryModel, &enabled, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("store: failed to scan provider: %w", err)
	}

	plain, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("store: failed to decrypt api key for %s: %w", p.Name, err)
	}
	p.APIKey = string(plain)
	p.Enabled = enabled != 0
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
