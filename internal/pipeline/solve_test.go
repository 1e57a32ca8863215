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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmpool "github.com/tombee/grinder/internal/llm"
	"github.com/tombee/grinder/internal/workspace"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/pkg/llm"
)

const modelCPP = "```cpp\n#include <iostream>\nint main() { std::cout << 3; }\n```"

// acceptAll scripts the judge to accept whatever is submitted.
func acceptAll(a *fakeAdapter) {
	a.submit = func(_ context.Context, _ judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
		return &judge.Submission{ID: "S1", Language: req.Language}, nil
	}
	a.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		return &judge.JudgeStatus{Verdict: judge.VerdictAccepted, Score: 100}, nil
	}
}

func TestSolveAcceptedWithWorkspaceSolution(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	require.NoError(t, p.WS.PutSolution(workspace.LangPython, []byte("cat\n")))
	p.Problem.RealID = "P9"

	var got judge.SubmitRequest
	e.adapter.submit = func(_ context.Context, _ judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
		got = req
		return &judge.Submission{ID: "S42", Language: req.Language}, nil
	}
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		return &judge.JudgeStatus{Verdict: judge.VerdictAccepted, Score: 100}, nil
	}

	require.NoError(t, runSolve(context.Background(), p))

	assert.Equal(t, "P9", got.ProblemID)
	assert.Equal(t, workspace.LangPython, got.Language)
	assert.Equal(t, "cat\n", got.Source)
	assert.Zero(t, e.llm.TotalCalls())

	v, err := p.WS.SolveVerdict("shsoj", "P9")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, string(judge.VerdictAccepted), v.Verdict)
	assert.Equal(t, 100, v.Score)
	assert.Equal(t, "S42", v.SubmissionID)
}

func TestSolveUsesAdapterProvidedSolution(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	p.Problem.RealID = "P9"

	e.adapter.provide = func(_ context.Context, _ judge.Context, id string) (*judge.ProvidedSolution, error) {
		assert.Equal(t, "P9", id)
		return &judge.ProvidedSolution{Language: "cpp", Source: "#include <iostream>\nint main() {}\n"}, nil
	}
	var got judge.SubmitRequest
	e.adapter.submit = func(_ context.Context, _ judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
		got = req
		return &judge.Submission{ID: "S1"}, nil
	}
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		return &judge.JudgeStatus{Verdict: judge.VerdictAccepted}, nil
	}

	require.NoError(t, runSolve(context.Background(), p))

	assert.Equal(t, 1, e.adapter.Calls("provide"))
	assert.Contains(t, got.Source, "#include")
	assert.Zero(t, e.llm.TotalCalls())

	// Provided solutions are not copied into the workspace.
	sol, err := p.WS.Solution()
	require.NoError(t, err)
	assert.Nil(t, sol)
}

func TestSolveModelSolutionPersistedOnAccept(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	p.Problem.RealID = "P9"

	e.llm.call = func(_ context.Context, endpoint llmpool.Endpoint, _ string, req llmpool.Request) (*llm.CompletionResponse, error) {
		assert.Equal(t, llmpool.EndpointSolution, endpoint)
		return reply(modelCPP), nil
	}
	acceptAll(e.adapter)

	require.NoError(t, runSolve(context.Background(), p))

	require.Len(t, e.llm.CallsTo(llmpool.EndpointSolution), 1)
	sol, err := p.WS.Solution()
	require.NoError(t, err)
	require.NotNil(t, sol)
	assert.Equal(t, workspace.LangCPP, sol.Language)
	assert.Contains(t, string(sol.Source), "int main()")
}

func TestSolveCompileErrorRegeneratesFromModel(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	require.NoError(t, p.WS.PutSolution(workspace.LangPython, []byte("print(input())\n")))
	p.Problem.RealID = "P9"

	e.llm.call = func(_ context.Context, _ llmpool.Endpoint, _ string, req llmpool.Request) (*llm.CompletionResponse, error) {
		return reply(modelCPP), nil
	}
	submits := 0
	e.adapter.submit = func(_ context.Context, _ judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
		submits++
		return &judge.Submission{ID: fmt.Sprintf("S%d", submits)}, nil
	}
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		if submits == 1 {
			return &judge.JudgeStatus{
				Verdict: judge.VerdictCompileError,
				Logs:    "syntax error near line 1",
			}, nil
		}
		return &judge.JudgeStatus{Verdict: judge.VerdictAccepted}, nil
	}

	require.NoError(t, runSolve(context.Background(), p))

	assert.Equal(t, 2, e.adapter.Calls("submit"))
	assert.Equal(t, 2, p.Problem.SolveAttempts)

	// The regeneration prompt carries the failing source as reference.
	calls := e.llm.CallsTo(llmpool.EndpointSolution)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].prompt, "Reference material")
	assert.Contains(t, calls[0].prompt, "print(input())")
}

func TestSolveCompileErrorBudgetSpent(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	p.Problem.RealID = "P9"

	e.llm.call = func(context.Context, llmpool.Endpoint, string, llmpool.Request) (*llm.CompletionResponse, error) {
		return reply(modelCPP), nil
	}
	acceptAll(e.adapter)
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		return &judge.JudgeStatus{Verdict: judge.VerdictCompileError, Logs: "expected ;"}, nil
	}

	err := runSolve(context.Background(), p)
	se := stageError(t, err)
	assert.Equal(t, grindererrors.KindSolveCompile, se.Kind)
	assert.Equal(t, string(judge.VerdictCompileError), se.Verdict)
	assert.Equal(t, 3, e.adapter.Calls("submit"))
	assert.Equal(t, 3, p.Problem.SolveAttempts)

	// A verdict is only recorded for accepted runs.
	v, verr := p.WS.SolveVerdict("shsoj", "P9")
	require.NoError(t, verr)
	assert.Nil(t, v)
}

func TestSolveWrongAnswerIsTerminal(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	require.NoError(t, p.WS.PutSolution(workspace.LangCPP, []byte("#include <iostream>\nint main() {}\n")))
	p.Problem.RealID = "P9"

	acceptAll(e.adapter)
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		return &judge.JudgeStatus{Verdict: judge.VerdictWrongAnswer, Logs: "case 2 differs"}, nil
	}

	err := runSolve(context.Background(), p)
	se := stageError(t, err)
	assert.Equal(t, grindererrors.KindSolveWrongAnswer, se.Kind)
	assert.Equal(t, string(judge.VerdictWrongAnswer), se.Verdict)
	assert.Contains(t, se.Message, "case 2 differs")
	assert.Equal(t, 1, e.adapter.Calls("submit"))
}

func TestSolveRuntimeVerdictsAreTerminal(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	require.NoError(t, p.WS.PutSolution(workspace.LangCPP, []byte("#include <iostream>\nint main() {}\n")))
	p.Problem.RealID = "P9"

	acceptAll(e.adapter)
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		return &judge.JudgeStatus{Verdict: judge.VerdictTimeLimit}, nil
	}

	err := runSolve(context.Background(), p)
	se := stageError(t, err)
	assert.Equal(t, grindererrors.KindSolveRuntime, se.Kind)
	assert.Equal(t, string(judge.VerdictTimeLimit), se.Verdict)
	assert.Equal(t, 1, e.adapter.Calls("submit"))
}

func TestSolvePollsUntilTerminal(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	require.NoError(t, p.WS.PutSolution(workspace.LangCPP, []byte("#include <iostream>\nint main() {}\n")))
	p.Problem.RealID = "P9"

	acceptAll(e.adapter)
	polls := 0
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		polls++
		if polls < 3 {
			return &judge.JudgeStatus{Verdict: judge.VerdictPending}, nil
		}
		return &judge.JudgeStatus{Verdict: judge.VerdictAccepted}, nil
	}

	require.NoError(t, runSolve(context.Background(), p))

	assert.Equal(t, 3, e.adapter.Calls("status"))
	assert.Equal(t, 1, e.adapter.Calls("submit"))
}

func TestSolveRequiresRealID(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)

	err := runSolve(context.Background(), p)
	se := stageError(t, err)
	assert.Equal(t, grindererrors.KindBadData, se.Kind)
	assert.Zero(t, e.adapter.Calls("submit"))
}

func TestSolveReadsRealIDFromReceipt(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	require.NoError(t, p.WS.PutSolution(workspace.LangCPP, []byte("#include <iostream>\nint main() {}\n")))
	require.NoError(t, p.WS.PutUploadReceipt(&workspace.Receipt{
		Adapter: "shsoj", RealID: "P4", UploadedAt: time.Now().UTC(),
	}))

	var got judge.SubmitRequest
	e.adapter.submit = func(_ context.Context, _ judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
		got = req
		return &judge.Submission{ID: "S1"}, nil
	}
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		return &judge.JudgeStatus{Verdict: judge.VerdictAccepted}, nil
	}

	require.NoError(t, runSolve(context.Background(), p))
	assert.Equal(t, "P4", got.ProblemID)
}

func TestSolveRetriesNotFoundSubmits(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	require.NoError(t, p.WS.PutSolution(workspace.LangCPP, []byte("#include <iostream>\nint main() {}\n")))
	p.Problem.RealID = "P9"

	submits := 0
	e.adapter.submit = func(_ context.Context, _ judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
		submits++
		if submits < 3 {
			return nil, &grindererrors.AdapterError{
				Adapter: "shsoj", Op: "submit",
				Kind: grindererrors.KindNotFound, StatusCode: 404,
				Message: "problem not indexed yet",
			}
		}
		return &judge.Submission{ID: "S1"}, nil
	}
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		return &judge.JudgeStatus{Verdict: judge.VerdictAccepted}, nil
	}

	require.NoError(t, runSolve(context.Background(), p))

	assert.Equal(t, 3, e.adapter.Calls("submit"))
	assert.Equal(t, 3, p.Problem.SolveAttempts)
}

func TestSolvePausesAfterFreshUpload(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	require.NoError(t, p.WS.PutSolution(workspace.LangCPP, []byte("#include <iostream>\nint main() {}\n")))
	p.Problem.RealID = "P9"
	p.freshUpload = true

	acceptAll(e.adapter)

	require.NoError(t, runSolve(context.Background(), p))

	log, err := p.WS.ReadStageLog(StageSolve)
	require.NoError(t, err)
	assert.Contains(t, log, "waiting")
}

func TestSolveSummarizesLongReference(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)
	p.Problem.RealID = "P9"

	long := "#include <iostream>\nint main() {}\n" + strings.Repeat("// padding line\n", 400)
	require.NoError(t, p.WS.PutSolution(workspace.LangCPP, []byte(long)))

	e.llm.call = func(_ context.Context, endpoint llmpool.Endpoint, _ string, req llmpool.Request) (*llm.CompletionResponse, error) {
		if endpoint == llmpool.EndpointSummary {
			return reply("CONDENSED: straightforward arithmetic"), nil
		}
		return reply(modelCPP), nil
	}
	submits := 0
	e.adapter.submit = func(context.Context, judge.Context, judge.SubmitRequest) (*judge.Submission, error) {
		submits++
		return &judge.Submission{ID: fmt.Sprintf("S%d", submits)}, nil
	}
	e.adapter.status = func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
		if submits == 1 {
			return &judge.JudgeStatus{Verdict: judge.VerdictCompileError, Logs: "nope"}, nil
		}
		return &judge.JudgeStatus{Verdict: judge.VerdictAccepted}, nil
	}

	require.NoError(t, runSolve(context.Background(), p))

	require.Len(t, e.llm.CallsTo(llmpool.EndpointSummary), 1)
	calls := e.llm.CallsTo(llmpool.EndpointSolution)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].prompt, "CONDENSED")
	assert.NotContains(t, calls[0].prompt, "// padding line")
}
