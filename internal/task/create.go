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
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/tombee/grinder/internal/events"
	"github.com/tombee/grinder/internal/pipeline"
	"github.com/tombee/grinder/internal/store"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/pkg/problem"
)

// TrainingSpec names a training or contest listing to expand into problem
// references. Exactly one selector field should be set; the adapter decides
// how each is interpreted.
type TrainingSpec struct {
	Adapter string `json:"adapter"`
	ID      string `json:"id,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Range   string `json:"range,omitempty"`
}

// CreateSpec is one batch submission.
type CreateSpec struct {
	// Problems are raw references: short ids or problem URLs.
	Problems []string `json:"problems,omitempty"`

	// SourceAdapter, when set, claims every bare reference verbatim and
	// skips shape detection.
	SourceAdapter string `json:"source_adapter,omitempty"`

	// Training expands a backend training list into references.
	Training *TrainingSpec `json:"training,omitempty"`

	// Filter is an expression over {id, index} applied to the training
	// expansion, e.g. `index < 50 && id != "1000"`.
	Filter string `json:"filter,omitempty"`

	// Stages enables a subset of the pipeline; empty means all four.
	// Enabling upload also enables solve unless NoSolve is set.
	Stages []string `json:"stages,omitempty"`

	// NoSolve keeps an upload task from implying the solve stage.
	NoSolve bool `json:"no_solve,omitempty"`

	// TargetAdapter names the upload/solve backend; empty uses the
	// registry default.
	TargetAdapter string `json:"target_adapter,omitempty"`

	// Provider pins the LLM provider for this task's model calls.
	Provider string `json:"provider,omitempty"`
}

// Create validates the spec, expands it into problem rows, persists the
// task and dispatches its problems. The returned task is already running.
func (s *Service) Create(ctx context.Context, userID int64, spec CreateSpec) (*store.Task, error) {
	if err := s.rejectNewWork(); err != nil {
		return nil, err
	}

	stages, err := normalizeStages(spec.Stages, spec.NoSolve)
	if err != nil {
		return nil, err
	}

	target := spec.TargetAdapter
	if target == "" {
		def, err := s.registry.Default()
		if err != nil {
			return nil, &grindererrors.ValidationError{
				Field:      "target_adapter",
				Message:    "no judge adapters are registered",
				Suggestion: "set target_adapter or register an adapter",
			}
		}
		target = def.Name()
	} else if _, err := s.registry.Get(target); err != nil {
		return nil, err
	}

	refs, err := s.expandRefs(ctx, userID, spec)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, &grindererrors.ValidationError{
			Field:      "problems",
			Message:    "no problems to run",
			Suggestion: "supply problem ids or a training selector",
		}
	}

	slots, ok := s.admit(len(refs))
	if !ok {
		return nil, ErrQueueFull
	}

	task := &store.Task{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        StatusRunning,
		Stages:        stages,
		TargetAdapter: target,
		Provider:      spec.Provider,
	}
	problems := make([]*store.Problem, len(refs))
	for i, r := range refs {
		problems[i] = &store.Problem{
			TaskID:        task.ID,
			UserID:        userID,
			RawRef:        r.raw,
			SourceAdapter: r.ref.Adapter,
			ShortID:       r.ref.ID,
			Canonical:     r.ref.Canonical(),
			WorkspaceKey:  r.ref.WorkspaceKey(),
		}
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		releaseAll(slots)
		return nil, err
	}
	if err := s.store.InsertProblems(ctx, problems); err != nil {
		releaseAll(slots)
		return nil, err
	}

	s.audit(ctx, userID, "task.create",
		fmt.Sprintf("task %s: %d problems, stages %s, target %s",
			task.ID, len(problems), strings.Join(stages, "+"), target))
	s.publish(events.TaskCreated(userID, task.ID))
	s.publish(events.TaskStarted(userID, task.ID))

	s.dispatch(task, problems, slots)
	return task, nil
}

// expandedRef pairs the normalized reference with the raw input it came
// from, so the problem row can echo what the user actually typed.
type expandedRef struct {
	raw string
	ref problem.Ref
}

// expandRefs normalizes the explicit references and appends the training
// expansion. A reference appearing twice keeps its first occurrence.
func (s *Service) expandRefs(ctx context.Context, userID int64, spec CreateSpec) ([]expandedRef, error) {
	var out []expandedRef
	seen := make(map[string]bool)

	add := func(raw string, ref problem.Ref) {
		key := ref.Canonical()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, expandedRef{raw: raw, ref: ref})
	}

	for _, raw := range spec.Problems {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ref, err := problem.Normalize(raw, spec.SourceAdapter)
		if err != nil {
			return nil, &grindererrors.ValidationError{
				Field:      "problems",
				Message:    err.Error(),
				Suggestion: "use a recognized judge URL or set source_adapter",
			}
		}
		add(raw, ref)
	}

	if spec.Training != nil {
		ids, err := s.expandTraining(ctx, userID, spec.Training, spec.Filter)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			add(id, problem.Ref{Adapter: spec.Training.Adapter, ID: id})
		}
	}
	return out, nil
}

// expandTraining asks the training adapter for the listing and applies the
// optional filter expression to it.
func (s *Service) expandTraining(ctx context.Context, userID int64, tr *TrainingSpec, filter string) ([]string, error) {
	if tr.Adapter == "" {
		return nil, &grindererrors.ValidationError{
			Field:   "training.adapter",
			Message: "training adapter is required",
		}
	}
	if tr.ID == "" && tr.Tag == "" && tr.Range == "" {
		return nil, &grindererrors.ValidationError{
			Field:      "training",
			Message:    "empty training selector",
			Suggestion: "set one of id, tag or range",
		}
	}

	adapter, err := s.registry.Resolve(tr.Adapter, judge.CapListTraining)
	if err != nil {
		return nil, err
	}
	lister, ok := adapter.(judge.TrainingLister)
	if !ok {
		return nil, fmt.Errorf("task: adapter %q declares %s but does not implement it",
			tr.Adapter, judge.CapListTraining)
	}

	cx := judge.Context{UserID: userID, Credentials: s.store}
	ids, err := lister.ListTrainingProblems(ctx, cx, judge.TrainingSelector{
		ID:    tr.ID,
		Tag:   tr.Tag,
		Range: tr.Range,
	})
	if err != nil {
		return nil, err
	}
	return filterIDs(ids, filter)
}

// filterIDs keeps the ids for which the expression is true. The expression
// sees the listing entry as id and its zero-based position as index.
func filterIDs(ids []string, filter string) ([]string, error) {
	if filter == "" {
		return ids, nil
	}

	prog, err := expr.Compile(filter,
		expr.Env(map[string]any{"id": "", "index": 0}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &grindererrors.ValidationError{
			Field:      "filter",
			Message:    fmt.Sprintf("failed to compile filter: %v", err),
			Suggestion: "the filter sees {id, index}, e.g. `index < 50`",
		}
	}

	kept := make([]string, 0, len(ids))
	for i, id := range ids {
		res, err := expr.Run(prog, map[string]any{"id": id, "index": i})
		if err != nil {
			return nil, &grindererrors.ValidationError{
				Field:   "filter",
				Message: fmt.Sprintf("filter failed on %q: %v", id, err),
			}
		}
		if keep, _ := res.(bool); keep {
			kept = append(kept, id)
		}
	}
	return kept, nil
}

// normalizeStages resolves the enabled stage set: empty means all four,
// upload implies solve unless noSolve, and the result is in pipeline
// order.
func normalizeStages(in []string, noSolve bool) ([]string, error) {
	if len(in) == 0 {
		in = pipeline.Stages
	}

	enabled := make(map[string]bool, len(in))
	for _, st := range in {
		switch st {
		case pipeline.StageFetch, pipeline.StageGen, pipeline.StageUpload, pipeline.StageSolve:
			enabled[st] = true
		default:
			return nil, &grindererrors.ValidationError{
				Field:      "stages",
				Message:    fmt.Sprintf("unknown stage %q", st),
				Suggestion: "stages are fetch, gen, upload, solve",
			}
		}
	}
	if enabled[pipeline.StageUpload] {
		enabled[pipeline.StageSolve] = true
	}
	if noSolve {
		delete(enabled, pipeline.StageSolve)
	}

	out := make([]string, 0, len(enabled))
	for _, st := range pipeline.Stages {
		if enabled[st] {
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		return nil, &grindererrors.ValidationError{
			Field:   "stages",
			Message: "no stages enabled",
		}
	}
	return out, nil
}
