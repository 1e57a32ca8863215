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

package task

import (
	"archive/zip"
	"context"
	"fmt"
	"io"

	"github.com/tombee/grinder/internal/events"
	"github.com/tombee/grinder/internal/pipeline"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/workspace"
	grindererrors "github.com/tombee/grinder/pkg/errors"
)

// RetryAll names the retry scope that re-runs every stage from scratch.
const RetryAll = "all"

// Detail is one task with its problem rows.
type Detail struct {
	Task     *store.Task      `json:"task"`
	Problems []*store.Problem `json:"problems"`
}

// Summary is one task row with its problem-state counts, for list views.
type Summary struct {
	Task   *store.Task    `json:"task"`
	Counts map[string]int `json:"counts"`
}

// Get returns a task and its problems, scoped to the owner.
func (s *Service) Get(ctx context.Context, userID int64, id string) (*Detail, error) {
	t, err := s.store.GetTask(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	problems, err := s.store.ProblemsByTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &Detail{Task: t, Problems: problems}, nil
}

// List returns the user's tasks with per-state problem counts.
func (s *Service) List(ctx context.Context, userID int64, filter store.TaskFilter) ([]*Summary, error) {
	tasks, err := s.store.ListTasks(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*Summary, 0, len(tasks))
	for _, t := range tasks {
		counts, err := s.store.CountProblemsByState(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &Summary{Task: t, Counts: counts})
	}
	return out, nil
}

// Retry re-runs a task's failed problems from the chosen stage. The stage
// names which workspace markers are invalidated; the pipeline's skip
// oracles then decide what actually re-runs. Attempt counters reset.
// Returns the number of problems redispatched.
func (s *Service) Retry(ctx context.Context, userID int64, id, stage string) (int, error) {
	if stage == "" {
		stage = RetryAll
	}
	switch stage {
	case RetryAll, pipeline.StageFetch, pipeline.StageGen, pipeline.StageUpload, pipeline.StageSolve:
	default:
		return 0, &grindererrors.ValidationError{
			Field:      "stage",
			Message:    fmt.Sprintf("unknown retry stage %q", stage),
			Suggestion: "use fetch, gen, upload, solve or all",
		}
	}

	if err := s.rejectNewWork(); err != nil {
		return 0, err
	}

	t, err := s.store.GetTask(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	problems, err := s.store.ProblemsByTask(ctx, t.ID)
	if err != nil {
		return 0, err
	}

	var failed []*store.Problem
	for _, p := range problems {
		if store.IsFailed(p.State) && p.OwnerWorker == "" {
			failed = append(failed, p)
		}
	}
	if len(failed) == 0 {
		return 0, &grindererrors.ValidationError{
			Field:   "task",
			Message: "no failed problems to retry",
		}
	}

	slots, ok := s.admit(len(failed))
	if !ok {
		return 0, ErrQueueFull
	}

	for _, p := range failed {
		ws, err := s.workspaces.OpenOrCreate(p.UserID, p.Ref())
		if err == nil {
			err = clearMarkers(ws, stage)
		}
		if err != nil {
			releaseAll(slots)
			return 0, fmt.Errorf("task: clearing %s for retry: %w", p.Canonical, err)
		}
	}

	clearUpload := stage == pipeline.StageUpload || stage == RetryAll
	n, err := s.store.ResetForRetry(ctx, t.ID, userID, clearUpload)
	if err != nil {
		releaseAll(slots)
		return 0, err
	}
	if int(n) != len(failed) {
		s.logger.Warn("retry reset fewer problems than listed",
			"task_id", t.ID, "listed", len(failed), "reset", n)
	}
	if err := s.store.UpdateTaskStatus(ctx, t.ID, StatusRunning, nil); err != nil {
		s.logger.Warn("failed to mark task running", "task_id", t.ID, "error", err)
	}

	s.audit(ctx, userID, "task.retry",
		fmt.Sprintf("task %s: %d problems from %s", t.ID, len(failed), stage))
	s.publish(events.TaskStarted(userID, t.ID))

	// The runner re-reads each row under its claim; only the terminal
	// precheck needs the in-memory state refreshed.
	for _, p := range failed {
		p.State = store.StatePending
	}
	s.dispatch(t, failed, slots)
	return len(failed), nil
}

// clearMarkers removes the workspace markers a retry must invalidate so
// the skip oracles re-run the chosen stage and everything after it. The
// upload receipt survives fetch and gen retries: it is the problem's
// identity on the target judge, and the next upload run reuses it.
// Reference solutions are never removed.
func clearMarkers(ws *workspace.Workspace, stage string) error {
	var steps []func() error
	switch stage {
	case RetryAll:
		steps = []func() error{ws.RemoveStatement, ws.RemoveGeneratedCases, ws.RemoveUploadReceipt, ws.RemoveVerdict}
	case pipeline.StageFetch:
		steps = []func() error{ws.RemoveStatement, ws.RemoveGeneratedCases, ws.RemoveVerdict}
	case pipeline.StageGen:
		steps = []func() error{ws.RemoveGeneratedCases, ws.RemoveVerdict}
	case pipeline.StageUpload:
		steps = []func() error{ws.RemoveUploadReceipt, ws.RemoveVerdict}
	case pipeline.StageSolve:
		steps = []func() error{ws.RemoveVerdict}
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Cancel stops a running task: queued problems flip to cancelled in the
// store, in-flight runners are cancelled and settle themselves at their
// next suspension point.
func (s *Service) Cancel(ctx context.Context, userID int64, id string) error {
	t, err := s.store.GetTask(ctx, userID, id)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return &grindererrors.ValidationError{
			Field:   "task",
			Message: fmt.Sprintf("task is %s; only running tasks can be cancelled", t.Status),
		}
	}

	n, err := s.store.CancelPendingProblems(ctx, t.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	g := s.groups[t.ID]
	var cancels []context.CancelFunc
	if g != nil {
		cancels = append(cancels, g.cancels...)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	s.audit(ctx, userID, "task.cancel",
		fmt.Sprintf("task %s: %d queued problems cancelled", t.ID, n))

	// With no live group there is no runner left to finalize the status.
	if g == nil {
		s.finalize(ctx, t.ID, userID)
	}
	return nil
}

// Delete removes a terminal task and its problem rows. Workspaces stay on
// disk: they are the cache that lets a re-run of the same problems skip
// finished stages.
func (s *Service) Delete(ctx context.Context, userID int64, id string) error {
	t, err := s.store.GetTask(ctx, userID, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	running := s.groups[t.ID] != nil
	s.mu.Unlock()
	if running || t.Status == StatusRunning {
		return &grindererrors.ValidationError{
			Field:   "task",
			Message: "task is running; cancel it before deleting",
		}
	}

	if err := s.store.DeleteTask(ctx, userID, t.ID); err != nil {
		return err
	}
	s.audit(ctx, userID, "task.delete", "task "+t.ID)
	return nil
}

// DownloadWorkspace streams one zip holding every problem workspace in the
// task, each under its workspace key.
func (s *Service) DownloadWorkspace(ctx context.Context, userID int64, id string, out io.Writer) error {
	t, err := s.store.GetTask(ctx, userID, id)
	if err != nil {
		return err
	}
	problems, err := s.store.ProblemsByTask(ctx, t.ID)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	for _, p := range problems {
		ws, err := s.workspaces.OpenOrCreate(p.UserID, p.Ref())
		if err != nil {
			zw.Close()
			return err
		}
		if err := ws.SnapshotTo(zw, p.WorkspaceKey+"/"); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}
