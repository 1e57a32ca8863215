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
	"strings"
	"time"

	llmpool "github.com/tombee/grinder/internal/llm"
	"github.com/tombee/grinder/internal/workspace"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/pkg/problem"
)

// Solution origins, in lookup order.
const (
	originWorkspace = "workspace"
	originAdapter   = "adapter"
	originModel     = "model"
)

// maxInlineReference is the longest failing source fed verbatim into a
// regeneration prompt; anything longer is condensed first.
const maxInlineReference = 4096

// stageSolution is the code one solve attempt submits.
type stageSolution struct {
	language string
	source   string
	origin   string
}

// runSolve submits a solution for the uploaded problem and polls the
// backend until it reaches a terminal verdict. Only accepted completes
// the stage. A compile error regenerates the solution from the model with
// a cooler temperature, feeding the failing source back as reference;
// wrong answers and runtime failures are terminal.
func runSolve(ctx context.Context, p *ProblemCtx) error {
	adapter, err := p.Registry.Resolve(p.Target, judge.CapSubmit)
	if err != nil {
		return &grindererrors.StageError{
			Stage:   StageSolve,
			Kind:    grindererrors.KindNotFound,
			Message: fmt.Sprintf("no submit adapter for %q", p.Target),
			Cause:   err,
		}
	}
	submitter, ok := adapter.(judge.Submitter)
	if !ok {
		return &grindererrors.StageError{
			Stage: StageSolve, Kind: grindererrors.KindInternal,
			Message: fmt.Sprintf("adapter %q declares submit but does not implement it", adapter.Name()),
		}
	}
	statusJudge, ok := adapter.(judge.StatusJudge)
	if !ok {
		return &grindererrors.StageError{
			Stage: StageSolve, Kind: grindererrors.KindInternal,
			Message: fmt.Sprintf("adapter %q cannot report submission verdicts", adapter.Name()),
		}
	}

	realID := p.Problem.RealID
	if realID == "" {
		if r, rerr := p.WS.UploadReceipt(p.Target); rerr == nil && r != nil {
			realID = r.RealID
		}
	}
	if realID == "" {
		return &grindererrors.StageError{
			Stage: StageSolve, Kind: grindererrors.KindBadData,
			Message: "solve requires an uploaded problem id",
		}
	}

	// The statement is only required when the model writes the solution.
	st, _ := p.WS.ReadStatement()

	if p.freshUpload {
		wait := between(p.waits.afterUploadMin, p.waits.afterUploadMax)
		p.logf(StageSolve, "waiting %s for the backend to ingest the uploaded data", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	temp := p.LLMCfg.SolutionTemperature
	if temp <= 0 {
		temp = 0.3
	}

	cx := p.judgeCx()
	forceModel := false
	reference := ""
	var lastErr error
	for {
		attempt, err := p.bumpAttempt(ctx, StageSolve)
		if err != nil {
			return err
		}

		sol, err := p.solutionSource(ctx, adapter, st, realID, temp, forceModel, reference)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			kind := grindererrors.KindOf(err)
			if _, terminal := err.(*grindererrors.StageError); terminal {
				return err
			}
			if !solveRetryable(kind) {
				return &grindererrors.StageError{
					Stage: StageSolve, Kind: kind,
					Message: fmt.Sprintf("obtaining a solution: %v", err),
					Attempt: attempt, Cause: err,
				}
			}
			if attempt >= maxStageAttempts {
				return exhausted(StageSolve, attempt, lastErr)
			}
			if err := p.solveBackoff(ctx, attempt, kind); err != nil {
				return err
			}
			continue
		}

		p.logf(StageSolve, "attempt %d: submitting %s solution from %s",
			attempt, sol.language, sol.origin)
		sub, err := submitter.Submit(ctx, cx, judge.SubmitRequest{
			ProblemID: realID,
			Language:  sol.language,
			Source:    sol.source,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			kind := grindererrors.KindOf(err)
			if !solveRetryable(kind) {
				return &grindererrors.StageError{
					Stage: StageSolve, Kind: kind,
					Message: err.Error(), Attempt: attempt, Cause: err,
				}
			}
			if attempt >= maxStageAttempts {
				return exhausted(StageSolve, attempt, lastErr)
			}
			if err := p.solveBackoff(ctx, attempt, kind); err != nil {
				return err
			}
			continue
		}

		status, err := p.pollVerdict(ctx, statusJudge, *sub)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			kind := grindererrors.KindOf(err)
			if !solveRetryable(kind) {
				return &grindererrors.StageError{
					Stage: StageSolve, Kind: kind,
					Message: err.Error(), Attempt: attempt, Cause: err,
				}
			}
			if attempt >= maxStageAttempts {
				return exhausted(StageSolve, attempt, lastErr)
			}
			if err := p.solveBackoff(ctx, attempt, kind); err != nil {
				return err
			}
			continue
		}

		verdict := status.Verdict
		p.logf(StageSolve, "attempt %d: verdict %s (score %d)", attempt, verdict, status.Score)

		switch verdict {
		case judge.VerdictAccepted:
			if sol.origin == originModel {
				if err := p.WS.PutSolution(sol.language, []byte(sol.source)); err != nil {
					p.Logger.Warn("could not persist accepted solution",
						"problem_id", p.Problem.ID, "error", err)
				}
			}
			v := &workspace.Verdict{
				Adapter:      p.Target,
				RealID:       realID,
				Verdict:      string(judge.VerdictAccepted),
				Score:        status.Score,
				SubmissionID: sub.ID,
				JudgedAt:     time.Now().UTC(),
			}
			if err := p.WS.PutVerdict(v); err != nil {
				return &grindererrors.StageError{
					Stage: StageSolve, Kind: grindererrors.KindInternal,
					Message: "recording accepted verdict", Attempt: attempt, Cause: err,
				}
			}
			return nil

		case judge.VerdictCompileError:
			lastErr = fmt.Errorf("compile error: %s", firstLine(status.Logs))
			if attempt >= maxStageAttempts {
				return &grindererrors.StageError{
					Stage:   StageSolve,
					Kind:    grindererrors.KindSolveCompile,
					Message: lastErr.Error(),
					Verdict: string(verdict),
					Attempt: attempt,
					Cause:   lastErr,
				}
			}
			forceModel = true
			reference = sol.source
			temp = coolTemp(temp, 0.2, 0.3)
			p.logf(StageSolve, "regenerating after compile error (temperature %.2f)", temp)
			if err := sleepCtx(ctx, between(p.waits.resubmitMin, p.waits.resubmitMax)); err != nil {
				return err
			}
			continue

		case judge.VerdictWrongAnswer:
			return &grindererrors.StageError{
				Stage:   StageSolve,
				Kind:    grindererrors.KindSolveWrongAnswer,
				Message: verdictMessage(verdict, status.Logs),
				Verdict: string(verdict),
				Attempt: attempt,
			}

		default: // runtime_error, time_limit, memory_limit
			return &grindererrors.StageError{
				Stage:   StageSolve,
				Kind:    grindererrors.KindSolveRuntime,
				Message: verdictMessage(verdict, status.Logs),
				Verdict: string(verdict),
				Attempt: attempt,
			}
		}
	}
}

// solutionSource picks the code to submit. A solution already in the
// workspace wins, then one the adapter provides, then the model writes
// one. forceModel skips the first two after a compile error; reference
// carries the failing source into the regeneration prompt, condensed
// through the summary endpoint when it is long.
func (p *ProblemCtx) solutionSource(ctx context.Context, adapter judge.Adapter, st *problem.Statement, realID string, temp float64, forceModel bool, reference string) (*stageSolution, error) {
	if !forceModel {
		sol, err := p.WS.Solution()
		if err == nil && sol != nil {
			return &stageSolution{
				language: sol.Language,
				source:   string(sol.Source),
				origin:   originWorkspace,
			}, nil
		}
		if sp, ok := adapter.(judge.SolutionProvider); ok {
			ps, err := sp.ProvideSolution(ctx, p.judgeCx(), realID)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				p.logf(StageSolve, "provided-solution lookup failed: %v", err)
			} else if ps != nil {
				return &stageSolution{
					language: ps.Language,
					source:   ps.Source,
					origin:   originAdapter,
				}, nil
			}
		}
	}

	if st == nil {
		return nil, &grindererrors.StageError{
			Stage: StageSolve, Kind: grindererrors.KindBadData,
			Message: "a model solution requires the fetched statement",
		}
	}

	if len(reference) > maxInlineReference {
		if sum, err := p.summarize(ctx, reference); err == nil {
			reference = sum
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			p.logf(StageSolve, "reference summary failed, truncating instead: %v", err)
			reference = reference[:maxInlineReference]
		}
	}

	req := llmpool.Request{
		Prompt:      llmpool.SolutionPrompt(st, workspace.LangCPP, reference),
		Temperature: &temp,
	}
	resp, err := p.LLM.Call(ctx, llmpool.EndpointSolution, p.Provider, req)
	if err != nil {
		return nil, err
	}
	code, err := llmpool.ExtractCode(resp.Content, workspace.LangCPP)
	if err != nil {
		return nil, err
	}
	return &stageSolution{language: workspace.LangCPP, source: code, origin: originModel}, nil
}

// summarize condenses a long reference through the summary endpoint.
func (p *ProblemCtx) summarize(ctx context.Context, reference string) (string, error) {
	resp, err := p.LLM.Call(ctx, llmpool.EndpointSummary, p.Provider, llmpool.Request{
		Prompt: llmpool.SummaryPrompt(reference),
	})
	if err != nil {
		return "", err
	}
	sum := strings.TrimSpace(resp.Content)
	if sum == "" {
		return "", fmt.Errorf("summary came back empty")
	}
	return sum, nil
}

// pollVerdict polls the submission until the backend reports a terminal
// verdict. The interval backs off from pollStart to pollCap; the overall
// bound is the task timeout on ctx.
func (p *ProblemCtx) pollVerdict(ctx context.Context, sj judge.StatusJudge, sub judge.Submission) (*judge.JudgeStatus, error) {
	interval := p.waits.pollStart
	for {
		status, err := sj.SubmissionStatus(ctx, p.judgeCx(), sub)
		if err != nil {
			return nil, err
		}
		if status.Verdict.Terminal() {
			return status, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, err
		}
		interval = interval * 3 / 2
		if interval > p.waits.pollCap {
			interval = p.waits.pollCap
		}
	}
}

// solveRetryable widens the retryable set for submissions: not-found can
// mean the backend has not indexed the upload yet, and auth can mean an
// expired session that the next credential read refreshes.
func solveRetryable(kind grindererrors.Kind) bool {
	return kind.Retryable() ||
		kind == grindererrors.KindNotFound ||
		kind == grindererrors.KindAuth
}

// solveBackoff sleeps the classified wait for the failure kind.
func (p *ProblemCtx) solveBackoff(ctx context.Context, attempt int, kind grindererrors.Kind) error {
	w := p.waits
	var wait time.Duration
	switch kind {
	case grindererrors.KindRateLimited:
		wait = between(w.rateLimitMin, w.rateLimitMax)
	case grindererrors.KindNotFound:
		wait = between(w.notFoundMin, w.notFoundMax)
	case grindererrors.KindAuth:
		wait = between(w.authMin, w.authMax)
	default:
		wait = jittered(w.solveDefault, 0.05)
	}
	p.logf(StageSolve, "attempt %d failed (%s), retrying in %s", attempt, kind, wait)
	return sleepCtx(ctx, wait)
}

// verdictMessage folds the backend's diagnostic text into the error.
func verdictMessage(v judge.Verdict, logs string) string {
	if line := firstLine(logs); line != "" {
		return fmt.Sprintf("verdict %s: %s", v, line)
	}
	return fmt.Sprintf("verdict %s", v)
}

// firstLine trims text to its first non-empty line.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
