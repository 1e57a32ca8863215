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

// Package store is the persistence layer: users, tasks, problems, adapter
// credentials, LLM provider records, the activity log, and system settings,
// all in a single embedded SQLite database. Credentials are encrypted at
// rest with AES-256-GCM under a key derived from GRINDER_SECRET_KEY.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors for entity lookups and ownership conflicts.
var (
	ErrUserExists      = errors.New("store: user already exists")
	ErrUserNotFound    = errors.New("store: user not found")
	ErrTaskNotFound    = errors.New("store: task not found")
	ErrProblemNotFound = errors.New("store: problem not found")
	ErrProblemClaimed  = errors.New("store: problem claimed by another worker")
	ErrNotOwner        = errors.New("store: worker does not own problem")
	ErrProviderNotFound = errors.New("store: provider not found")
)

// Config configures the store.
type Config struct {
	// Path is the SQLite database file. Parent directories are created.
	Path string

	// BusyTimeout is the SQLite busy_timeout. Zero means 5s.
	BusyTimeout time.Duration

	// SecretKey seeds the credential encryption key. Required.
	SecretKey string
}

// Store wraps the database handle and the credential encryptor.
type Store struct {
	db        *sql.DB
	encryptor *Encryptor
}

// Open opens (creating if needed) the database, runs migrations, and
// prepares the credential encryptor.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("store: secret key is required (set GRINDER_SECRET_KEY)")
	}

	busy := cfg.BusyTimeout
	if busy == 0 {
		busy = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("store: failed to create database directory: %w", err)
	}

	// modernc's driver takes pragmas in _pragma=name(value) form; they
	// apply to every pooled connection.
	connStr := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		cfg.Path, busy.Milliseconds())

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	// WAL mode handles concurrent readers; writes serialize on one handle.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect to database: %w", err)
	}

	enc, err := NewEncryptor(DeriveKey(cfg.SecretKey))
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, encryptor: enc}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			stages TEXT NOT NULL,
			target_adapter TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS problems (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL,
			raw_ref TEXT NOT NULL,
			source_adapter TEXT NOT NULL,
			short_id TEXT NOT NULL,
			canonical TEXT NOT NULL,
			workspace_key TEXT NOT NULL,
			state TEXT NOT NULL,
			fetch_attempts INTEGER NOT NULL DEFAULT 0,
			gen_attempts INTEGER NOT NULL DEFAULT 0,
			upload_attempts INTEGER NOT NULL DEFAULT 0,
			solve_attempts INTEGER NOT NULL DEFAULT 0,
			last_error_kind TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			real_id TEXT NOT NULL DEFAULT '',
			uploaded_url TEXT NOT NULL DEFAULT '',
			owner_worker TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS adapter_configs (
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			adapter TEXT NOT NULL,
			config_encrypted BLOB,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, adapter)
		)`,

		`CREATE TABLE IF NOT EXISTS providers (
			name TEXT PRIMARY KEY,
			api_key_encrypted BLOB,
			base_url TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			summary_model TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON tasks(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_problems_task ON problems(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_problems_user ON problems(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_log(user_id, id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// isUniqueConstraintError reports whether err is a SQLite unique constraint
// violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
