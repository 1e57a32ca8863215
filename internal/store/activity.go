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
	"fmt"
	"time"
)

// Activity is one audit-log entry: who did what, when.
type Activity struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendActivity records an audit entry. Failures here must not abort the
// action being logged; callers log and continue.
func (s *Store) AppendActivity(ctx context.Context, userID int64, action, detail string) error {
	if action == "" {
		return fmt.Errorf("store: activity action is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (user_id, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		userID, action, detail, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: failed to append activity: %w", err)
	}
	return nil
}

// ListActivity returns a user's audit entries, newest first. A userID of 0
// lists activity across all users (admin view).
func (s *Store) ListActivity(ctx context.Context, userID int64, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, user_id, action, detail, created_at FROM activity_log`
	args := []any{}
	if userID != 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []*Activity
	for rows.Next() {
		var a Activity
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Action, &a.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan activity: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		entries = append(entries, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating activity: %w", err)
	}
	return entries, nil
}
