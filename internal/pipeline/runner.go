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

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/grinder/internal/config"
	"github.com/tombee/grinder/internal/events"
	"github.com/tombee/grinder/internal/gate"
	"github.com/tombee/grinder/internal/metrics"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/toolchain"
	"github.com/tombee/grinder/internal/tracing"
	"github.com/tombee/grinder/internal/workspace"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
)

// Deps wires a Runner. Store, Workspaces, Registry and Gates are
// required; the rest have working defaults.
type Deps struct {
	Store      *store.Store
	Workspaces *workspace.Store
	Registry   *judge.Registry
	LLM        LLMPool
	Gates      *gate.Controller
	Solver     *toolchain.Runner
	SolverCfg  config.SolverConfig
	LLMCfg     config.LLMConfig
	Bus        *events.Bus
	Logger     *slog.Logger
	Worker     string
}

// Runner drives problems through their stages. One Runner serves the
// whole process; RunProblem is safe to call from many goroutines.
type Runner struct {
	store      *store.Store
	workspaces *workspace.Store
	registry   *judge.Registry
	llm        LLMPool
	gates      *gate.Controller
	solver     *toolchain.Runner
	solverCfg  config.SolverConfig
	llmCfg     config.LLMConfig
	bus        *events.Bus
	logger     *slog.Logger
	worker     string
	waits      waitPolicy
}

// New builds a Runner.
func New(d Deps) (*Runner, error) {
	if d.Store == nil || d.Workspaces == nil || d.Registry == nil || d.Gates == nil {
		return nil, fmt.Errorf("pipeline: store, workspaces, registry and gates are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")
	solver := d.Solver
	if solver == nil {
		solver = toolchain.New(d.SolverCfg, logger)
	}
	worker := d.Worker
	if worker == "" {
		worker = uuid.NewString()
	}
	return &Runner{
		store:      d.Store,
		workspaces: d.Workspaces,
		registry:   d.Registry,
		llm:        d.LLM,
		gates:      d.Gates,
		solver:     solver,
		solverCfg:  d.SolverCfg,
		llmCfg:     d.LLMCfg,
		bus:        d.Bus,
		logger:     logger,
		worker:     worker,
		waits:      defaultWaits(),
	}, nil
}

// Worker returns the runner's claim identity.
func (r *Runner) Worker() string {
	return r.worker
}

// RunProblem claims the problem and drives it through the task's enabled
// stages, skipping any stage the workspace already satisfies. The problem
// ends in a terminal state; the returned state names it. An error means
// the problem could not be claimed or the store stopped accepting writes.
func (r *Runner) RunProblem(ctx context.Context, task *store.Task, prob *store.Problem) (string, error) {
	if store.IsTerminal(prob.State) {
		return prob.State, nil
	}
	if err := r.store.ClaimProblem(ctx, prob.ID, r.worker); err != nil {
		return "", err
	}
	// Terminal writes must land even when ctx is already dead.
	persist := context.WithoutCancel(ctx)
	defer func() {
		if err := r.store.ReleaseProblem(persist, prob.ID, r.worker); err != nil {
			r.logger.Warn("failed to release problem claim",
				"problem_id", prob.ID, "error", err)
		}
	}()

	// Re-read under the claim; a cancel may have landed since listing,
	// and the counters on the row are the authoritative retry budget.
	fresh, err := r.store.GetProblem(persist, prob.ID)
	if err != nil {
		return "", err
	}
	*prob = *fresh
	if store.IsTerminal(prob.State) {
		return prob.State, nil
	}

	ws, err := r.workspaces.OpenOrCreate(prob.UserID, prob.Ref())
	if err != nil {
		state := store.StateFailed(firstEnabled(task.Stages))
		if werr := r.finish(persist, prob, state, grindererrors.KindInternal,
			fmt.Sprintf("opening workspace: %v", err)); werr != nil {
			return "", werr
		}
		return state, nil
	}

	p := &ProblemCtx{
		UserID:    prob.UserID,
		TaskID:    prob.TaskID,
		Problem:   prob,
		WS:        ws,
		Registry:  r.registry,
		LLM:       r.llm,
		Gates:     r.gates,
		Store:     r.store,
		Solver:    r.solver,
		SolverCfg: r.solverCfg,
		LLMCfg:    r.llmCfg,
		Target:    task.TargetAdapter,
		Provider:  task.Provider,
		Worker:    r.worker,
		Emit:      r.emit,
		Logger:    r.logger.With("task_id", prob.TaskID, "problem_id", prob.ID),
		waits:     r.waits,
	}

	runCtx := ctx
	if timeout := r.gates.TaskTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	enabled := make(map[string]bool, len(task.Stages))
	for _, s := range task.Stages {
		enabled[s] = true
	}

	for _, stage := range Stages {
		if !enabled[stage] {
			continue
		}
		if err := runCtx.Err(); err != nil {
			return r.settle(persist, p, stage, err)
		}

		skip, err := r.skip(persist, p, stage)
		if err != nil {
			return "", err
		}
		if skip {
			p.logf(stage, "already satisfied, skipping")
			metrics.RecordStageSkip(stage)
			continue
		}

		state := runningState(stage)
		if err := r.setState(persist, p, state); err != nil {
			return "", err
		}
		p.progress(stage, "started")

		release, err := r.gates.AcquireStage(runCtx, stage)
		if err != nil {
			return r.settle(persist, p, stage, err)
		}
		started := time.Now()
		stageCtx, endSpan := tracing.StartStage(runCtx, stage, p.TaskID, p.Problem.ID)
		err = r.exec(stageCtx, p, stage)
		endSpan(err)
		release()
		metrics.RecordStage(stage, stageOutcome(err), time.Since(started))

		if err != nil {
			return r.settle(persist, p, stage, err)
		}
		p.progress(stage, "done")
	}

	if err := r.finish(persist, prob, store.StateCompleted, "", ""); err != nil {
		return "", err
	}
	metrics.RecordProblemSettled(store.StateCompleted)
	r.emitCompleted(p, store.StateCompleted)
	return store.StateCompleted, nil
}

// stageOutcome folds a stage error into a metric label.
func stageOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case grindererrors.KindOf(err) == grindererrors.KindCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// settle writes the terminal state for a stage error: cancelled for
// cancellation, failed_<stage> for everything else.
func (r *Runner) settle(persist context.Context, p *ProblemCtx, stage string, err error) (string, error) {
	kind := grindererrors.KindOf(err)
	var se *grindererrors.StageError
	if grindererrors.As(err, &se) {
		kind = se.Kind
	}

	state := store.StateFailed(stage)
	msg := err.Error()
	if kind == grindererrors.KindCancelled {
		state = store.StateCancelled
		msg = "cancelled"
	}

	if werr := r.finish(persist, p.Problem, state, kind, msg); werr != nil {
		return "", werr
	}
	p.logf(stage, "%s: %s", state, msg)
	metrics.RecordProblemSettled(state)
	r.emitCompleted(p, state)
	return state, nil
}

// finish writes the terminal row update. Completion clears the last
// error; failures record it.
func (r *Runner) finish(ctx context.Context, prob *store.Problem, state string, kind grindererrors.Kind, msg string) error {
	kindStr := string(kind)
	upd := store.ProblemUpdate{
		State:         &state,
		LastErrorKind: &kindStr,
		LastError:     &msg,
	}
	if err := r.store.UpdateProblem(ctx, prob.ID, r.worker, upd); err != nil {
		return fmt.Errorf("writing terminal state %s: %w", state, err)
	}
	prob.State = state
	prob.LastErrorKind = kindStr
	prob.LastError = msg
	return nil
}

func (r *Runner) emitCompleted(p *ProblemCtx, state string) {
	if p.Emit == nil {
		return
	}
	p.Emit(events.ProblemCompleted(p.UserID, p.TaskID, p.Problem.ID, state))
}

// setState records a forward state transition.
func (r *Runner) setState(ctx context.Context, p *ProblemCtx, state string) error {
	err := r.store.UpdateProblem(ctx, p.Problem.ID, r.worker, store.ProblemUpdate{State: &state})
	if err != nil {
		return fmt.Errorf("writing state %s: %w", state, err)
	}
	p.Problem.State = state
	return nil
}

// skip reports whether the workspace already satisfies the stage. An
// upload skip also hydrates the problem row from the receipt, so a fresh
// database learns the real id without touching the backend.
func (r *Runner) skip(ctx context.Context, p *ProblemCtx, stage string) (bool, error) {
	switch stage {
	case StageFetch:
		return p.WS.HasStatement(), nil

	case StageGen:
		return p.WS.HasGeneratedData(), nil

	case StageUpload:
		rec, err := p.WS.UploadReceipt(p.Target)
		if err != nil {
			p.logf(stage, "unreadable receipt, re-uploading: %v", err)
			return false, nil
		}
		if rec == nil {
			return false, nil
		}
		if p.Problem.RealID != rec.RealID || p.Problem.UploadedURL != rec.URL {
			upd := store.ProblemUpdate{RealID: &rec.RealID, UploadedURL: &rec.URL}
			if err := r.store.UpdateProblem(ctx, p.Problem.ID, r.worker, upd); err != nil {
				return false, fmt.Errorf("hydrating upload receipt: %w", err)
			}
			p.Problem.RealID = rec.RealID
			p.Problem.UploadedURL = rec.URL
		}
		return true, nil

	case StageSolve:
		realID := p.Problem.RealID
		if realID == "" {
			if rec, err := p.WS.UploadReceipt(p.Target); err == nil && rec != nil {
				realID = rec.RealID
			}
		}
		if realID == "" {
			return false, nil
		}
		v, err := p.WS.SolveVerdict(p.Target, realID)
		if err != nil || v == nil {
			return false, nil
		}
		return v.Verdict == string(judge.VerdictAccepted), nil
	}
	return false, nil
}

func (r *Runner) exec(ctx context.Context, p *ProblemCtx, stage string) error {
	switch stage {
	case StageFetch:
		return runFetch(ctx, p)
	case StageGen:
		return runGenerate(ctx, p)
	case StageUpload:
		return runUpload(ctx, p)
	case StageSolve:
		return runSolve(ctx, p)
	}
	return fmt.Errorf("pipeline: unknown stage %q", stage)
}

func (r *Runner) emit(e events.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(e)
}

func firstEnabled(stages []string) string {
	for _, s := range Stages {
		for _, got := range stages {
			if got == s {
				return s
			}
		}
	}
	return StageFetch
}
