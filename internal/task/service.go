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

// Package task is the batch service over the pipeline: it validates task
// specs, expands training lists, persists tasks and their problems, admits
// work through the concurrency gates, dispatches the runner, and is the
// single writer of task-level aggregate status.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/grinder/internal/events"
	"github.com/tombee/grinder/internal/gate"
	"github.com/tombee/grinder/internal/pipeline"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/workspace"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
)

// Aggregate task statuses. A task is running while any of its problems is
// non-terminal; the other three are terminal.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	// ErrQueueFull rejects a submission when the queue gate has no free
	// slot for every problem in the batch.
	ErrQueueFull = grindererrors.New("task queue is full")

	// ErrDraining rejects new work while the daemon is shutting down.
	ErrDraining = grindererrors.New("service is draining")
)

// Deps wires a Service. Store, Workspaces, Registry, Runner and Gates are
// required.
type Deps struct {
	Store      *store.Store
	Workspaces *workspace.Store
	Registry   *judge.Registry
	Runner     *pipeline.Runner
	Gates      *gate.Controller
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Service owns task lifecycles. One Service serves the whole process; all
// methods are safe for concurrent use.
type Service struct {
	store      *store.Store
	workspaces *workspace.Store
	registry   *judge.Registry
	runner     *pipeline.Runner
	gates      *gate.Controller
	bus        *events.Bus
	logger     *slog.Logger

	mu       sync.Mutex
	groups   map[string]*group
	draining bool
	wg       sync.WaitGroup
}

// group tracks the live runner goroutines for one task. A task gains a
// second batch when the user retries while earlier problems still run.
type group struct {
	cancels []context.CancelFunc
	live    int
}

// New builds a Service.
func New(d Deps) (*Service, error) {
	if d.Store == nil || d.Workspaces == nil || d.Registry == nil || d.Runner == nil || d.Gates == nil {
		return nil, fmt.Errorf("task: store, workspaces, registry, runner and gates are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      d.Store,
		workspaces: d.Workspaces,
		registry:   d.Registry,
		runner:     d.Runner,
		gates:      d.Gates,
		bus:        d.Bus,
		logger:     logger.With("component", "task"),
		groups:     make(map[string]*group),
	}, nil
}

// admit claims n queue slots without blocking. All-or-nothing: a batch
// that does not fit leaves the queue untouched.
func (s *Service) admit(n int) ([]func(), bool) {
	slots := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		release, ok := s.gates.TryAdmit()
		if !ok {
			releaseAll(slots)
			return nil, false
		}
		slots = append(slots, release)
	}
	return slots, true
}

func releaseAll(slots []func()) {
	for _, release := range slots {
		release()
	}
}

// dispatch launches one runner goroutine per problem. Each goroutine holds
// its queue slot until the problem settles; the batch shares one
// cancellable context so Cancel reaches every in-flight runner.
func (s *Service) dispatch(task *store.Task, problems []*store.Problem, slots []func()) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	g := s.groups[task.ID]
	if g == nil {
		g = &group{}
		s.groups[task.ID] = g
	}
	g.cancels = append(g.cancels, cancel)
	g.live += len(problems)
	s.mu.Unlock()

	for i := range problems {
		prob, slot := problems[i], slots[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer slot()
			s.runOne(ctx, task, prob)
			s.problemDone(task)
		}()
	}
}

// runOne takes the problem through admission and the pipeline. Errors are
// logged, not propagated: the problem row carries the user-visible outcome.
func (s *Service) runOne(ctx context.Context, task *store.Task, prob *store.Problem) {
	release, err := s.gates.AcquireProblem(ctx, prob.UserID)
	if err != nil {
		// Cancelled while queued. Unclaimed rows were already flipped to
		// cancelled by Cancel; there is nothing to run.
		return
	}
	defer release()

	state, err := s.runner.RunProblem(ctx, task, prob)
	if err != nil {
		s.logger.Error("problem run aborted",
			"task_id", task.ID, "problem_id", prob.ID, "error", err)
		return
	}
	s.logger.Info("problem settled",
		"task_id", task.ID, "problem_id", prob.ID, "state", state)
}

// problemDone retires one goroutine from the task's group and finalizes
// the aggregate when the last one leaves.
func (s *Service) problemDone(task *store.Task) {
	s.mu.Lock()
	g := s.groups[task.ID]
	if g != nil {
		g.live--
		if g.live > 0 {
			s.mu.Unlock()
			return
		}
		delete(s.groups, task.ID)
		for _, cancel := range g.cancels {
			cancel()
		}
	}
	s.mu.Unlock()

	s.finalize(context.Background(), task.ID, task.UserID)
}

// finalize recomputes the aggregate status from the problem rows and
// publishes the task's terminal event. It also serves tasks with no live
// group, e.g. a cancel landing after a restart.
func (s *Service) finalize(ctx context.Context, taskID string, userID int64) {
	counts, err := s.store.CountProblemsByState(ctx, taskID)
	if err != nil {
		s.logger.Error("failed to aggregate task", "task_id", taskID, "error", err)
		return
	}
	status := aggregate(counts)

	var completedAt *time.Time
	if status != StatusRunning {
		now := time.Now().UTC()
		completedAt = &now
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, status, completedAt); err != nil {
		s.logger.Error("failed to update task status", "task_id", taskID, "error", err)
		return
	}
	s.logger.Info("task settled", "task_id", taskID, "status", status)

	switch status {
	case StatusCompleted:
		s.publish(events.TaskCompleted(userID, taskID))
	case StatusFailed:
		s.publish(events.TaskFailed(userID, taskID, failureReason(counts)))
	case StatusCancelled:
		s.publish(events.TaskFailed(userID, taskID, "cancelled"))
	}
}

// aggregate derives the task status from problem state counts: running
// while anything is non-terminal, completed only when everything
// completed, cancelled when a cancel left no successes, failed otherwise.
func aggregate(counts map[string]int) string {
	var total, completed, cancelled, live int
	for state, n := range counts {
		total += n
		switch {
		case state == store.StateCompleted:
			completed += n
		case state == store.StateCancelled:
			cancelled += n
		case store.IsFailed(state):
		default:
			live += n
		}
	}

	switch {
	case live > 0:
		return StatusRunning
	case total == 0:
		// Problems deleted out from under the task; nothing succeeded.
		return StatusFailed
	case completed == total:
		return StatusCompleted
	case cancelled > 0 && completed == 0:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// failureReason summarizes the terminal counts for the task.failed event.
func failureReason(counts map[string]int) string {
	var total, bad int
	for state, n := range counts {
		total += n
		if store.IsFailed(state) || state == store.StateCancelled {
			bad += n
		}
	}
	return fmt.Sprintf("%d of %d problems failed", bad, total)
}

// Resume redispatches tasks a previous process left running. Stale claims
// are cleared first; terminal problems are left alone. Call it once at
// startup, before the server starts admitting new work.
func (s *Service) Resume(ctx context.Context) error {
	cleared, err := s.store.ReleaseStaleClaims(ctx)
	if err != nil {
		return err
	}
	if cleared > 0 {
		s.logger.Info("released stale problem claims", "count", cleared)
	}

	tasks, err := s.store.RunningTasks(ctx)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		problems, err := s.store.ProblemsByTask(ctx, t.ID)
		if err != nil {
			return err
		}

		var live []*store.Problem
		for _, p := range problems {
			if !store.IsTerminal(p.State) {
				live = append(live, p)
			}
		}
		if len(live) == 0 {
			s.finalize(ctx, t.ID, t.UserID)
			continue
		}

		slots, ok := s.admit(len(live))
		if !ok {
			s.logger.Warn("queue full during resume, task left for manual retry",
				"task_id", t.ID, "problems", len(live))
			continue
		}
		s.logger.Info("resuming task", "task_id", t.ID, "problems", len(live))
		s.dispatch(t, live, slots)
	}
	return nil
}

// Drain stops admissions and waits for in-flight problems to settle. When
// ctx expires first, the remaining runners are cancelled and the drain
// waits for them to persist their terminal states.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	var cancels []context.CancelFunc
	for _, g := range s.groups {
		cancels = append(cancels, g.cancels...)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	<-done
	return ctx.Err()
}

func (s *Service) rejectNewWork() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return ErrDraining
	}
	return nil
}

// audit records an activity entry. Logging failures never abort the action
// being logged.
func (s *Service) audit(ctx context.Context, userID int64, action, detail string) {
	if err := s.store.AppendActivity(ctx, userID, action, detail); err != nil {
		s.logger.Warn("failed to record activity", "action", action, "error", err)
	}
}

func (s *Service) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
