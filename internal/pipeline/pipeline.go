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

// Package pipeline drives a problem through the fetch, generate, upload
// and solve stages. The runner owns claims, skip checks and state
// transitions; each stage executor owns its own attempt loop, because the
// stages retry for different reasons at different tempos. Everything a
// stage learns lands in the workspace and the problem row before the
// stage reports success, so a fresh process picks up from disk instead of
// repeating work.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tombee/grinder/internal/config"
	"github.com/tombee/grinder/internal/events"
	"github.com/tombee/grinder/internal/gate"
	llmpool "github.com/tombee/grinder/internal/llm"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/toolchain"
	"github.com/tombee/grinder/internal/workspace"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/pkg/llm"
)

// Stage names, in pipeline order. These strings appear in task stage
// lists, attempt counters, stage log filenames and error kinds, so they
// never change.
const (
	StageFetch  = "fetch"
	StageGen    = "gen"
	StageUpload = "upload"
	StageSolve  = "solve"
)

// Stages lists all stages in execution order.
var Stages = []string{StageFetch, StageGen, StageUpload, StageSolve}

// maxStageAttempts caps attempts per stage. Counters persist on the
// problem row, so the cap holds across process restarts.
const maxStageAttempts = 3

// runningState maps a stage to the state a problem shows while that stage
// runs (or waits for its gate).
func runningState(stage string) string {
	switch stage {
	case StageFetch:
		return store.StateFetching
	case StageGen:
		return store.StateGenerating
	case StageUpload:
		return store.StateUploading
	case StageSolve:
		return store.StateSolving
	}
	return ""
}

// LLMPool is the slice of the model pool the executors need. Satisfied by
// *llm.Pool from internal/llm; tests substitute a scripted fake.
type LLMPool interface {
	Call(ctx context.Context, endpoint llmpool.Endpoint, provider string, req llmpool.Request) (*llm.CompletionResponse, error)
	ReadImage(ctx context.Context, imageURL string) (string, error)
}

// ProblemCtx carries one problem's execution state through the stage
// executors. The runner builds one per problem; it is never shared
// between goroutines.
type ProblemCtx struct {
	UserID  int64
	TaskID  string
	Problem *store.Problem

	WS       *workspace.Workspace
	Registry *judge.Registry
	LLM      LLMPool
	Gates    *gate.Controller
	Store    *store.Store
	Solver   *toolchain.Runner

	SolverCfg config.SolverConfig
	LLMCfg    config.LLMConfig

	// Target names the adapter problems are uploaded to and solved on.
	Target string
	// Provider pins the LLM provider for this task; empty means the
	// pool's default.
	Provider string

	// Worker is this process's claim identity.
	Worker string

	Emit   func(events.Event)
	Logger *slog.Logger

	waits waitPolicy

	// freshUpload records that this run created the problem on the
	// target just now, so solve pauses before the first submit while the
	// backend finishes ingesting test data.
	freshUpload bool
}

// judgeCx builds the per-call adapter context. Credentials resolve
// through the store on every call; nothing is cached here.
func (p *ProblemCtx) judgeCx() judge.Context {
	return judge.Context{UserID: p.UserID, Credentials: p.Store}
}

// bumpAttempt increments the stage's persisted attempt counter and
// returns the new value.
func (p *ProblemCtx) bumpAttempt(ctx context.Context, stage string) (int, error) {
	err := p.Store.UpdateProblem(ctx, p.Problem.ID, p.Worker, store.ProblemUpdate{BumpAttempts: stage})
	if err != nil {
		return 0, fmt.Errorf("recording %s attempt: %w", stage, err)
	}
	switch stage {
	case StageFetch:
		p.Problem.FetchAttempts++
	case StageGen:
		p.Problem.GenAttempts++
	case StageUpload:
		p.Problem.UploadAttempts++
	case StageSolve:
		p.Problem.SolveAttempts++
	}
	return p.Problem.Attempts(stage), nil
}

// logf appends a line to the problem's stage log and mirrors it to the
// process logger at debug level.
func (p *ProblemCtx) logf(stage, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := p.WS.AppendStageLog(stage, msg); err != nil {
		p.Logger.Warn("stage log write failed",
			"stage", stage, "problem_id", p.Problem.ID, "error", err)
	}
	p.Logger.Debug(msg, "stage", stage, "task_id", p.TaskID, "problem_id", p.Problem.ID)
}

// progress emits a task.progress event for subscribers.
func (p *ProblemCtx) progress(stage, detail string) {
	if p.Emit == nil {
		return
	}
	p.Emit(events.Progress(p.UserID, p.TaskID, p.Problem.ID, stage, detail))
}

// exhausted builds the terminal error for a spent retry budget.
func exhausted(stage string, attempt int, cause error) *grindererrors.StageError {
	msg := fmt.Sprintf("retry budget spent after %d attempts", attempt)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &grindererrors.StageError{
		Stage:   stage,
		Kind:    grindererrors.StageExhausted(stage),
		Message: msg,
		Attempt: attempt,
		Cause:   cause,
	}
}

// waitPolicy holds the wait bases the executors sleep on. Production uses
// defaultWaits; tests shrink everything so retries run in microseconds.
type waitPolicy struct {
	fetchBase time.Duration

	genError      time.Duration
	genValidation time.Duration

	uploadUnit time.Duration

	afterUploadMin time.Duration
	afterUploadMax time.Duration
	rateLimitMin   time.Duration
	rateLimitMax   time.Duration
	notFoundMin    time.Duration
	notFoundMax    time.Duration
	authMin        time.Duration
	authMax        time.Duration
	resubmitMin    time.Duration
	resubmitMax    time.Duration
	solveDefault   time.Duration

	pollStart time.Duration
	pollCap   time.Duration
}

func defaultWaits() waitPolicy {
	return waitPolicy{
		fetchBase:      time.Second,
		genError:       30 * time.Second,
		genValidation:  20 * time.Second,
		uploadUnit:     5 * time.Second,
		afterUploadMin: 3 * time.Second,
		afterUploadMax: 4500 * time.Millisecond,
		rateLimitMin:   60 * time.Second,
		rateLimitMax:   90 * time.Second,
		notFoundMin:    15 * time.Second,
		notFoundMax:    25 * time.Second,
		authMin:        2 * time.Second,
		authMax:        3 * time.Second,
		resubmitMin:    2 * time.Second,
		resubmitMax:    3 * time.Second,
		solveDefault:   30 * time.Second,
		pollStart:      2 * time.Second,
		pollCap:        10 * time.Second,
	}
}

// jittered shifts base by up to ±frac of itself.
func jittered(base time.Duration, frac float64) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := (rand.Float64()*2 - 1) * frac * float64(base)
	return base + time.Duration(shift)
}

// between returns a uniform duration in [lo, hi).
func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// sleepCtx waits d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
