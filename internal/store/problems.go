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

	"github.com/tombee/grinder/pkg/problem"
)

// Problem lifecycle states. A problem moves forward through the stage
// states and never backward; the only way back to pending is an explicit
// user retry of an unclaimed failed problem.
const (
	StatePending    = "pending"
	StateFetching   = "fetching"
	StateGenerating = "generating"
	StateUploading  = "uploading"
	StateSolving    = "solving"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
)

// StateFailed returns the terminal state for a stage failure, e.g.
// "failed_fetch".
func StateFailed(stage string) string {
	return "failed_" + stage
}

// IsFailed reports whether state is a stage-failure state.
func IsFailed(state string) bool {
	return strings.HasPrefix(state, "failed_")
}

// IsTerminal reports whether the state admits no further transitions.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateCancelled || IsFailed(state)
}

// Problem is one problem inside a task. Attempt counters and the last
// error survive restarts so retry caps and diagnostics hold across them.
// The JSON tags are the API wire shape.
type Problem struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	UserID         int64     `json:"user_id"`
	RawRef         string    `json:"raw_ref"`
	SourceAdapter  string    `json:"source_adapter"`
	ShortID        string    `json:"short_id"`
	Canonical      string    `json:"canonical"`
	WorkspaceKey   string    `json:"workspace_key"`
	State          string    `json:"state"`
	FetchAttempts  int       `json:"fetch_attempts"`
	GenAttempts    int       `json:"gen_attempts"`
	UploadAttempts int       `json:"upload_attempts"`
	SolveAttempts  int       `json:"solve_attempts"`
	LastErrorKind  string    `json:"last_error_kind,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	RealID         string    `json:"real_id,omitempty"`
	UploadedURL    string    `json:"uploaded_url,omitempty"`
	OwnerWorker    string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Ref reconstructs the normalized reference from the stored columns.
func (p *Problem) Ref() problem.Ref {
	return problem.Ref{Adapter: p.SourceAdapter, ID: p.ShortID}
}

// Attempts returns the counter for the named stage.
func (p *Problem) Attempts(stage string) int {
	switch stage {
	case "fetch":
		return p.FetchAttempts
	case "gen":
		return p.GenAttempts
	case "upload":
		return p.UploadAttempts
	case "solve":
		return p.SolveAttempts
	}
	return 0
}

const problemColumns = `id, task_id, user_id, raw_ref, source_adapter, short_id, canonical,
	workspace_key, state, fetch_attempts, gen_attempts, upload_attempts, solve_attempts,
	last_error_kind, last_error, real_id, uploaded_url, owner_worker, created_at, updated_at`

// InsertProblems creates the problem rows for a task in one transaction.
// IDs are filled in on the way out.
func (s *Store) InsertProblems(ctx context.Context, problems []*Problem) error {
	if len(problems) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	for _, p := range problems {
		if p.State == "" {
			p.State = StatePending
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO problems (task_id, user_id, raw_ref, source_adapter, short_id, canonical,
			   workspace_key, state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.TaskID, p.UserID, p.RawRef, p.SourceAdapter, p.ShortID, p.Canonical,
			p.WorkspaceKey, p.State, now, now,
		)
		if err != nil {
			return fmt.Errorf("store: failed to insert problem %s: %w", p.Canonical, err)
		}
		p.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: failed to get problem id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit problems: %w", err)
	}
	return nil
}

// GetProblem retrieves a single problem by id.
func (s *Store) GetProblem(ctx context.Context, id int64) (*Problem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+problemColumns+` FROM problems WHERE id = ?`, id)
	p, err := scanProblem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProblemNotFound
	}
	return p, err
}

// ProblemsByTask returns a task's problems in insertion order.
func (s *Store) ProblemsByTask(ctx context.Context, taskID string) ([]*Problem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+problemColumns+` FROM problems WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list problems: %w", err)
	}
	defer rows.Close()

	var problems []*Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, err
		}
		problems = append(problems, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating problems: %w", err)
	}
	return problems, nil
}

// ClaimProblem marks the problem as owned by worker. The claim is a
// compare-and-set on owner_worker, so two runners racing for the same
// problem cannot both win; re-claiming with the same worker id succeeds.
func (s *Store) ClaimProblem(ctx context.Context, id int64, worker string) error {
	if worker == "" {
		return fmt.Errorf("store: worker id is required")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE problems SET owner_worker = ?, updated_at = ?
		 WHERE id = ? AND (owner_worker = '' OR owner_worker = ?)`,
		worker, fmtTime(time.Now()), id, worker,
	)
	if err != nil {
		return fmt.Errorf("store: failed to claim problem: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetProblem(ctx, id); err != nil {
			return err
		}
		return ErrProblemClaimed
	}
	return nil
}

// ReleaseProblem clears the worker's ownership. Releasing a problem the
// worker does not own is an error.
func (s *Store) ReleaseProblem(ctx context.Context, id int64, worker string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE problems SET owner_worker = '', updated_at = ?
		 WHERE id = ? AND owner_worker = ?`,
		fmtTime(time.Now()), id, worker,
	)
	if err != nil {
		return fmt.Errorf("store: failed to release problem: %w", err)
	}
	return s.requireOwned(ctx, res, id)
}

// ProblemUpdate describes a guarded mutation. Nil fields are left alone.
// BumpAttempts names the stage whose attempt counter increments by one.
type ProblemUpdate struct {
	State         *string
	LastErrorKind *string
	LastError     *string
	RealID        *string
	UploadedURL   *string
	BumpAttempts  string
}

var attemptColumns = map[string]string{
	"fetch":  "fetch_attempts",
	"gen":    "gen_attempts",
	"upload": "upload_attempts",
	"solve":  "solve_attempts",
}

// UpdateProblem applies upd to a problem the worker owns. The guard on
// owner_worker means a runner that lost its claim cannot write stale
// progress over another runner's work.
func (s *Store) UpdateProblem(ctx context.Context, id int64, worker string, upd ProblemUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now())}

	if upd.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *upd.State)
	}
	if upd.LastErrorKind != nil {
		sets = append(sets, "last_error_kind = ?")
		args = append(args, *upd.LastErrorKind)
	}
	if upd.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *upd.LastError)
	}
	if upd.RealID != nil {
		sets = append(sets, "real_id = ?")
		args = append(args, *upd.RealID)
	}
	if upd.UploadedURL != nil {
		sets = append(sets, "uploaded_url = ?")
		args = append(args, *upd.UploadedURL)
	}
	if upd.BumpAttempts != "" {
		col, ok := attemptColumns[upd.BumpAttempts]
		if !ok {
			return fmt.Errorf("store: unknown stage %q", upd.BumpAttempts)
		}
		sets = append(sets, col+" = "+col+" + 1")
	}

	args = append(args, id, worker)
	res, err := s.db.ExecContext(ctx,
		`UPDATE problems SET `+strings.Join(sets, ", ")+` WHERE id = ? AND owner_worker = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("store: failed to update problem: %w", err)
	}
	return s.requireOwned(ctx, res, id)
}

// ResetForRetry returns a task's failed, unclaimed problems to pending
// with attempt counters and errors cleared. Claimed problems are skipped;
// their runner still owns them. When clearUpload is set the rows' real_id
// and uploaded_url are wiped too, matching a retry that discards the upload
// receipt. Returns the number of problems reset.
func (s *Store) ResetForRetry(ctx context.Context, taskID string, userID int64, clearUpload bool) (int64, error) {
	set := `state = ?, fetch_attempts = 0, gen_attempts = 0,
	   upload_attempts = 0, solve_attempts = 0, last_error_kind = '', last_error = '',
	   updated_at = ?`
	if clearUpload {
		set += `, real_id = '', uploaded_url = ''`
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE problems SET `+set+`
		 WHERE task_id = ? AND user_id = ? AND owner_worker = '' AND state LIKE 'failed_%'`,
		StatePending, fmtTime(time.Now()), taskID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("store: failed to reset problems: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to get rows affected: %w", err)
	}
	return n, nil
}

// ReleaseStaleClaims clears every problem claim in the store. Claims are
// held by in-process runners and never outlive the process, so any claim
// found at startup belongs to a dead runner. Returns the number cleared.
func (s *Store) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE problems SET owner_worker = '', updated_at = ? WHERE owner_worker != ''`,
		fmtTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("store: failed to release stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to get rows affected: %w", err)
	}
	return n, nil
}

// CancelPendingProblems marks a task's unclaimed, non-terminal problems
// cancelled. Problems a runner owns are left for the runner to finish
// cancelling when its context fires. Returns the number cancelled.
func (s *Store) CancelPendingProblems(ctx context.Context, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE problems SET state = ?, updated_at = ?
		 WHERE task_id = ? AND owner_worker = ''
		   AND state NOT IN (?, ?) AND state NOT LIKE 'failed_%'`,
		StateCancelled, fmtTime(time.Now()), taskID, StateCompleted, StateCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("store: failed to cancel problems: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to get rows affected: %w", err)
	}
	return n, nil
}

// CountProblemsByState aggregates a task's problems by state.
func (s *Store) CountProblemsByState(ctx context.Context, taskID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM problems WHERE task_id = ? GROUP BY state`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to count problems: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("store: failed to scan problem count: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating problem counts: %w", err)
	}
	return counts, nil
}

// requireOwned turns a zero-row guarded update into ErrNotOwner, or
// ErrProblemNotFound when the row does not exist at all.
func (s *Store) requireOwned(ctx context.Context, res sql.Result, id int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetProblem(ctx, id); err != nil {
			return err
		}
		return ErrNotOwner
	}
	return nil
}

func scanProblem(sc rowScanner) (*Problem, error) {
	var p Problem
	var createdAt, updatedAt string

	err := sc.Scan(&p.ID, &p.TaskID, &p.UserID, &p.RawRef, &p.SourceAdapter, &p.ShortID,
		&p.Canonical, &p.WorkspaceKey, &p.State,
		&p.FetchAttempts, &p.GenAttempts, &p.UploadAttempts, &p.SolveAttempts,
		&p.LastErrorKind, &p.LastError, &p.RealID, &p.UploadedURL, &p.OwnerWorker,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: failed to scan problem: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
