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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	llmpool "github.com/tombee/grinder/internal/llm"
	"github.com/tombee/grinder/internal/toolchain"
	"github.com/tombee/grinder/internal/workspace"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/problem"
)

// genCase is one curated test case held in memory until the attempt
// settles, so the workspace only ever contains a complete set.
type genCase struct {
	in  []byte
	ans []byte
}

// runGenerate asks the model for a generator script, runs it, and answers
// the inputs it produced with the reference solution when one compiles,
// falling back to per-input model answers. An attempt that yields fewer
// usable cases than the floor is discarded and retried with a cooler
// sampling temperature.
func runGenerate(ctx context.Context, p *ProblemCtx) error {
	st, err := p.WS.ReadStatement()
	if err != nil {
		return &grindererrors.StageError{
			Stage:   StageGen,
			Kind:    grindererrors.KindBadData,
			Message: "generate requires a fetched statement",
			Cause:   err,
		}
	}

	n := p.SolverCfg.GenCases
	if n <= 0 {
		n = 10
	}
	floor := p.SolverCfg.GenFloor
	if floor <= 0 {
		floor = 5
	}
	if floor > n {
		floor = n
	}

	// Fold OCR text into the prompt statement without touching the one
	// on disk.
	if notes := p.ocrImages(ctx, st); notes != "" {
		cp := *st
		cp.Notes = strings.TrimSpace(cp.Notes + "\n\n" + notes)
		st = &cp
	}

	exe, err := p.buildReference(ctx)
	if err != nil {
		return err
	}
	if exe == nil {
		p.logf(StageGen, "no usable reference solution, answers will come from the model")
	}

	temp := p.LLMCfg.GenTemperature
	if temp <= 0 {
		temp = 0.3
	}

	var lastErr error
	for {
		attempt, err := p.bumpAttempt(ctx, StageGen)
		if err != nil {
			return err
		}
		p.logf(StageGen, "attempt %d: requesting generator script (temperature %.2f)", attempt, temp)

		script, err := p.generatorScript(ctx, st, n, temp)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			kind := grindererrors.KindOf(err)
			badReply := kind == grindererrors.KindBadData
			if !badReply && !kind.Retryable() {
				return &grindererrors.StageError{
					Stage:   StageGen,
					Kind:    kind,
					Message: fmt.Sprintf("generator script request failed: %v", err),
					Attempt: attempt,
					Cause:   err,
				}
			}
			if badReply {
				temp = coolTemp(temp, 0.2, 0.1)
			}
			if attempt >= maxStageAttempts {
				return exhausted(StageGen, attempt, lastErr)
			}
			wait := jittered(p.waits.genError, 0.05)
			p.logf(StageGen, "attempt %d failed (%s), retrying in %s", attempt, kind, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if err := p.WS.PutGeneratorScript([]byte(script)); err != nil {
			return &grindererrors.StageError{
				Stage: StageGen, Kind: grindererrors.KindInternal,
				Message: "writing generator script", Attempt: attempt, Cause: err,
			}
		}
		scriptPath, _ := p.WS.GeneratorScript()

		res, err := p.Solver.RunGenerator(ctx, scriptPath, filepath.Dir(scriptPath))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &grindererrors.StageError{
				Stage: StageGen, Kind: grindererrors.KindInternal,
				Message: "running generator script", Attempt: attempt, Cause: err,
			}
		}
		if !res.Ok() {
			lastErr = fmt.Errorf("generator script failed: %s", res.FailureSummary())
			p.logf(StageGen, "attempt %d: %v", attempt, lastErr)
			if err := p.WS.RemoveGeneratedCases(); err != nil {
				return &grindererrors.StageError{
					Stage: StageGen, Kind: grindererrors.KindInternal,
					Message: "clearing failed cases", Attempt: attempt, Cause: err,
				}
			}
			temp = coolTemp(temp, 0.2, 0.1)
			if attempt >= maxStageAttempts {
				return exhausted(StageGen, attempt, lastErr)
			}
			wait := jittered(p.waits.genError, 0.05)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		kept, err := p.answerCases(ctx, st, exe)
		if err != nil {
			return err
		}

		if len(kept) >= floor {
			if err := p.WS.RemoveGeneratedCases(); err != nil {
				return &grindererrors.StageError{
					Stage: StageGen, Kind: grindererrors.KindInternal,
					Message: "clearing raw generator output", Attempt: attempt, Cause: err,
				}
			}
			for i, c := range kept {
				if err := p.WS.PutGeneratedCase(i+1, c.in, c.ans); err != nil {
					return &grindererrors.StageError{
						Stage: StageGen, Kind: grindererrors.KindInternal,
						Message: "writing generated case", Attempt: attempt, Cause: err,
					}
				}
			}
			if len(kept) < n {
				p.Logger.Warn("generated fewer cases than requested",
					"problem_id", p.Problem.ID, "got", len(kept), "want", n)
			}
			p.logf(StageGen, "generated %d/%d cases", len(kept), n)
			return nil
		}

		lastErr = fmt.Errorf("only %d of %d cases usable, floor is %d", len(kept), n, floor)
		p.logf(StageGen, "attempt %d: %v", attempt, lastErr)
		if err := p.WS.RemoveGeneratedCases(); err != nil {
			return &grindererrors.StageError{
				Stage: StageGen, Kind: grindererrors.KindInternal,
				Message: "clearing insufficient cases", Attempt: attempt, Cause: err,
			}
		}
		temp = coolTemp(temp, 0.15, 0.1)
		if attempt >= maxStageAttempts {
			return &grindererrors.StageError{
				Stage:   StageGen,
				Kind:    grindererrors.KindGenInsufficient,
				Message: lastErr.Error(),
				Attempt: attempt,
				Cause:   lastErr,
			}
		}
		wait := jittered(p.waits.genValidation, 0.1)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// generatorScript asks the generation endpoint for a Python script and
// extracts it from the reply.
func (p *ProblemCtx) generatorScript(ctx context.Context, st *problem.Statement, n int, temp float64) (string, error) {
	req := llmpool.Request{
		Prompt:      llmpool.GenerationPrompt(st, n),
		Temperature: &temp,
	}
	resp, err := p.LLM.Call(ctx, llmpool.EndpointGeneration, p.Provider, req)
	if err != nil {
		return "", err
	}
	return llmpool.ExtractCode(resp.Content, "python")
}

// buildReference compiles the workspace reference solution when one
// exists. A missing or uncompilable solution is not fatal; the error
// return carries only cancellation.
func (p *ProblemCtx) buildReference(ctx context.Context) (*toolchain.Executable, error) {
	sol, err := p.WS.Solution()
	if err != nil || sol == nil {
		return nil, nil
	}

	if sol.Language == workspace.LangCPP {
		release, err := p.Gates.AcquireCompile(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	exe, res, err := p.Solver.BuildSolution(ctx, sol.Language, sol.Path, filepath.Dir(sol.Path))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logf(StageGen, "reference solution build failed: %v", err)
		return nil, nil
	}
	if exe == nil {
		p.logf(StageGen, "reference solution does not compile: %s", res.FailureSummary())
		return nil, nil
	}
	return exe, nil
}

// answerCases produces expected outputs for the inputs the generator
// script wrote. Cases whose answer cannot be determined are dropped.
func (p *ProblemCtx) answerCases(ctx context.Context, st *problem.Statement, exe *toolchain.Executable) ([]genCase, error) {
	inputs, err := p.WS.GeneratedInputs()
	if err != nil {
		return nil, &grindererrors.StageError{
			Stage: StageGen, Kind: grindererrors.KindInternal,
			Message: "listing generated inputs", Cause: err,
		}
	}

	limit := time.Duration(st.Limits.TimeMS) * time.Millisecond
	var kept []genCase
	for _, cf := range inputs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		in, err := os.ReadFile(cf.InPath)
		if err != nil {
			p.logf(StageGen, "case %d: unreadable input: %v", cf.Index, err)
			continue
		}

		var out []byte
		if exe != nil {
			res, err := p.Solver.RunCase(ctx, exe, bytes.NewReader(in), limit)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, &grindererrors.StageError{
					Stage: StageGen, Kind: grindererrors.KindInternal,
					Message: "running reference solution", Cause: err,
				}
			}
			if !res.Ok() {
				p.logf(StageGen, "case %d: reference run failed: %s", cf.Index, res.FailureSummary())
				continue
			}
			out = []byte(res.Stdout)
		} else {
			text, err := p.caseAnswer(ctx, st, string(in))
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				p.logf(StageGen, "case %d: model answer failed: %v", cf.Index, err)
				continue
			}
			out = []byte(text)
		}

		if len(bytes.TrimSpace(out)) == 0 {
			p.logf(StageGen, "case %d: empty answer, dropped", cf.Index)
			continue
		}
		kept = append(kept, genCase{in: in, ans: out})
	}
	return kept, nil
}

// caseAnswer asks the model for the expected output of one input. Answers
// always run at temperature zero.
func (p *ProblemCtx) caseAnswer(ctx context.Context, st *problem.Statement, input string) (string, error) {
	zero := 0.0
	req := llmpool.Request{
		Prompt:      llmpool.AnswerPrompt(st, input),
		Temperature: &zero,
	}
	resp, err := p.LLM.Call(ctx, llmpool.EndpointGeneration, p.Provider, req)
	if err != nil {
		return "", err
	}
	out := llmpool.ExtractOutput(resp.Content)
	if out == "" {
		return "", fmt.Errorf("model returned no output")
	}
	return out + "\n", nil
}

// ocrImages reads the statement's text-free images through the OCR
// endpoint. Failures degrade to generating without the image text.
func (p *ProblemCtx) ocrImages(ctx context.Context, st *problem.Statement) string {
	refs := st.ImagesNeedingOCR()
	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		text, err := p.LLM.ReadImage(ctx, ref)
		if err != nil {
			p.logf(StageGen, "ocr failed for %s: %v", ref, err)
			continue
		}
		fmt.Fprintf(&b, "Image %s:\n%s\n\n", ref, text)
	}
	return strings.TrimSpace(b.String())
}

// coolTemp lowers the sampling temperature after a failed attempt,
// clamped at floor.
func coolTemp(t, by, floor float64) float64 {
	t -= by
	if t < floor {
		return floor
	}
	return t
}
