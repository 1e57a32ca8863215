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
	"strings"
	"time"
)

// Task is one batch submission: a set of problems pushed through the
// enabled stages. Status is the aggregate over its problems. The JSON
// tags are the API wire shape.
type Task struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"user_id"`
	Status        string     `json:"status"`
	Stages        []string   `json:"stages"`
	TargetAdapter string     `json:"target_adapter"`
	Provider      string     `json:"provider,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TaskFilter narrows ListTasks. Zero values mean "any". Search matches a
// substring of any problem reference in the task.
type TaskFilter struct {
	Status string
	Search string
	Source string
	Target string
	Limit  int
	Offset int
}

// CreateTask inserts a task row.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t == nil {
		return fmt.Errorf("store: task cannot be nil")
	}
	if t.ID == "" {
		return fmt.Errorf("store: task id is required")
	}

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, status, stages, target_adapter, provider, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Status, strings.Join(t.Stages, ","),
		t.TargetAdapter, t.Provider, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task scoped to its owner.
func (s *Store) GetTask(ctx context.Context, userID int64, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, stages, target_adapter, provider, created_at, updated_at, completed_at
		 FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	return scanTask(row)
}

// UpdateTaskStatus sets the aggregate status; completedAt is recorded for
// terminal statuses and may be nil.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string, completedAt *time.Time) error {
	var completed any
	if completedAt != nil {
		completed = fmtTime(*completedAt)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		status, fmtTime(time.Now()), completed, id,
	)
	if err != nil {
		return fmt.Errorf("store: failed to update task status: %w", err)
	}
	return requireRow(res, ErrTaskNotFound)
}

// DeleteTask removes a task and, via cascade, its problems.
func (s *Store) DeleteTask(ctx context.Context, userID int64, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("store: failed to delete task: %w", err)
	}
	return requireRow(res, ErrTaskNotFound)
}

// ListTasks returns the user's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, userID int64, filter TaskFilter) ([]*Task, error) {
	query := `SELECT id, user_id, status, stages, target_adapter, provider, created_at, updated_at, completed_at
	          FROM tasks WHERE user_id = ?`
	args := []any{userID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Target != "" {
		query += ` AND target_adapter = ?`
		args = append(args, filter.Target)
	}
	if filter.Source != "" {
		query += ` AND EXISTS (SELECT 1 FROM problems p WHERE p.task_id = tasks.id AND p.source_adapter = ?)`
		args = append(args, filter.Source)
	}
	if filter.Search != "" {
		query += ` AND EXISTS (SELECT 1 FROM problems p WHERE p.task_id = tasks.id
		            AND (p.raw_ref LIKE ? OR p.short_id LIKE ? OR p.canonical LIKE ?))`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}

	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating tasks: %w", err)
	}
	return tasks, nil
}

// RunningTasks returns every task with aggregate status "running" across
// all users, oldest first. The daemon resumes these on startup.
func (s *Store) RunningTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, status, stages, target_adapter, provider, created_at, updated_at, completed_at
		 FROM tasks WHERE status = 'running' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list running tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating running tasks: %w", err)
	}
	return tasks, nil
}

// CountTasksByStatus aggregates task totals across all users.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating task counts: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*Task, error) {
	t, err := scanTaskFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	return scanTaskFrom(rows)
}

func scanTaskFrom(sc rowScanner) (*Task, error) {
	var t Task
	var stages, createdAt, updatedAt string
	var completedAt sql.NullString

	if err := sc.Scan(&t.ID, &t.UserID, &t.Status, &stages, &t.TargetAdapter, &t.Provider,
		&createdAt, &updatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: failed to scan task: %w", err)
	}

	if stages != "" {
		t.Stages = strings.Split(stages, ",")
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		ts := parseTime(completedAt.String)
		t.CompletedAt = &ts
	}
	return &t, nil
}

// requireRow translates a zero-row update into the given sentinel.
func requireRow(res sql.Result, missing error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return missing
	}
	return nil
}
