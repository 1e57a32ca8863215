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
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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
	"github.com/tombee/grinder/pkg/problem"
)

const testWorker = "worker-test"

// testWaits keeps every executor sleep in the microsecond range.
func testWaits() waitPolicy {
	const u = time.Millisecond
	return waitPolicy{
		fetchBase:      u,
		genError:       u,
		genValidation:  u,
		uploadUnit:     u,
		afterUploadMin: u,
		afterUploadMax: 2 * u,
		rateLimitMin:   u,
		rateLimitMax:   2 * u,
		notFoundMin:    u,
		notFoundMax:    2 * u,
		authMin:        u,
		authMax:        2 * u,
		resubmitMin:    u,
		resubmitMax:    2 * u,
		solveDefault:   u,
		pollStart:      u,
		pollCap:        2 * u,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter is a scriptable judge backend. Function fields default to
// benign stubs; tests override the ones they exercise and read back call
// counts per capability.
type fakeAdapter struct {
	name string
	caps []judge.Capability

	mu    sync.Mutex
	calls map[string]int

	fetch   func(ctx context.Context, cx judge.Context, id string) (*problem.Statement, error)
	upload  func(ctx context.Context, cx judge.Context, req judge.UploadRequest) (*judge.UploadResult, error)
	search  func(ctx context.Context, cx judge.Context, title string) ([]judge.FoundProblem, error)
	submit  func(ctx context.Context, cx judge.Context, req judge.SubmitRequest) (*judge.Submission, error)
	status  func(ctx context.Context, cx judge.Context, sub judge.Submission) (*judge.JudgeStatus, error)
	provide func(ctx context.Context, cx judge.Context, id string) (*judge.ProvidedSolution, error)
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		caps: []judge.Capability{
			judge.CapFetch, judge.CapUpload, judge.CapSubmit,
			judge.CapJudgeStatus, judge.CapProvideSolution,
		},
		calls: map[string]int{},
		fetch: func(context.Context, judge.Context, string) (*problem.Statement, error) {
			return nil, fmt.Errorf("fetch not scripted")
		},
		upload: func(context.Context, judge.Context, judge.UploadRequest) (*judge.UploadResult, error) {
			return nil, fmt.Errorf("upload not scripted")
		},
		search: func(context.Context, judge.Context, string) ([]judge.FoundProblem, error) {
			return nil, nil
		},
		submit: func(context.Context, judge.Context, judge.SubmitRequest) (*judge.Submission, error) {
			return nil, fmt.Errorf("submit not scripted")
		},
		status: func(context.Context, judge.Context, judge.Submission) (*judge.JudgeStatus, error) {
			return nil, fmt.Errorf("status not scripted")
		},
		provide: func(context.Context, judge.Context, string) (*judge.ProvidedSolution, error) {
			return nil, nil
		},
	}
}

func (a *fakeAdapter) Name() string                     { return a.name }
func (a *fakeAdapter) DisplayName() string              { return "Fake " + a.name }
func (a *fakeAdapter) Version() string                  { return "test" }
func (a *fakeAdapter) Capabilities() []judge.Capability { return a.caps }
func (a *fakeAdapter) ConfigSchema() []judge.ConfigField { return nil }

func (a *fakeAdapter) count(op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[op]++
}

func (a *fakeAdapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func (a *fakeAdapter) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.calls {
		total += n
	}
	return total
}

func (a *fakeAdapter) FetchProblem(ctx context.Context, cx judge.Context, id string) (*problem.Statement, error) {
	a.count("fetch")
	return a.fetch(ctx, cx, id)
}

func (a *fakeAdapter) UploadProblem(ctx context.Context, cx judge.Context, req judge.UploadRequest) (*judge.UploadResult, error) {
	a.count("upload")
	return a.upload(ctx, cx, req)
}

func (a *fakeAdapter) SearchByTitle(ctx context.Context, cx judge.Context, title string) ([]judge.FoundProblem, error) {
	a.count("search")
	return a.search(ctx, cx, title)
}

func (a *fakeAdapter) Submit(ctx context.Context, cx judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
	a.count("submit")
	return a.submit(ctx, cx, req)
}

func (a *fakeAdapter) SubmissionStatus(ctx context.Context, cx judge.Context, sub judge.Submission) (*judge.JudgeStatus, error) {
	a.count("status")
	return a.status(ctx, cx, sub)
}

func (a *fakeAdapter) ProvideSolution(ctx context.Context, cx judge.Context, id string) (*judge.ProvidedSolution, error) {
	a.count("provide")
	return a.provide(ctx, cx, id)
}

// fakeLLM scripts the model pool.
type fakeLLM struct {
	mu    sync.Mutex
	calls []llmCall

	call func(ctx context.Context, endpoint llmpool.Endpoint, provider string, req llmpool.Request) (*llm.CompletionResponse, error)
	read func(ctx context.Context, imageURL string) (string, error)
}

type llmCall struct {
	endpoint    llmpool.Endpoint
	prompt      string
	temperature float64
}

func (f *fakeLLM) Call(ctx context.Context, endpoint llmpool.Endpoint, provider string, req llmpool.Request) (*llm.CompletionResponse, error) {
	temp := -1.0
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{endpoint: endpoint, prompt: req.Prompt, temperature: temp})
	f.mu.Unlock()
	if f.call == nil {
		return nil, fmt.Errorf("llm not scripted")
	}
	return f.call(ctx, endpoint, provider, req)
}

func (f *fakeLLM) ReadImage(ctx context.Context, imageURL string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{endpoint: llmpool.EndpointOCR, prompt: imageURL})
	f.mu.Unlock()
	if f.read == nil {
		return "", fmt.Errorf("ocr not scripted")
	}
	return f.read(ctx, imageURL)
}

func (f *fakeLLM) CallsTo(endpoint llmpool.Endpoint) []llmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []llmCall
	for _, c := range f.calls {
		if c.endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeLLM) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// text reply helper
func reply(content string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: content}
}

// testEnv assembles a real store, workspace tree and gate controller
// around the fakes.
type testEnv struct {
	store   *store.Store
	wstore  *workspace.Store
	gates   *gate.Controller
	reg     *judge.Registry
	adapter *fakeAdapter
	llm     *fakeLLM
	bus     *events.Bus
	runner  *Runner

	userID int64
	task   *store.Task
	prob   *store.Problem
}

func testSolverConfig() config.SolverConfig {
	return config.SolverConfig{
		CXX:            "g++",
		CXXFlags:       "-O2",
		Python:         "/bin/sh", // generator scripts in these tests are sh
		RunTimeLimit:   2 * time.Second,
		CompileTimeout: 20 * time.Second,
		GenTimeout:     5 * time.Second,
		GenCases:       3,
		GenFloor:       2,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(store.Config{
		Path:      filepath.Join(t.TempDir(), "grinder.db"),
		SecretKey: "test-secret",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	wstore, err := workspace.NewStore(t.TempDir())
	require.NoError(t, err)

	limits := gate.DefaultLimits()
	gates := gate.NewController(limits)

	adapter := newFakeAdapter("shsoj")
	reg := judge.NewRegistry()
	require.NoError(t, reg.Register(adapter))

	fl := &fakeLLM{}
	bus := events.NewBus(256, discardLogger())

	runner, err := New(Deps{
		Store:      s,
		Workspaces: wstore,
		Registry:   reg,
		LLM:        fl,
		Gates:      gates,
		SolverCfg:  testSolverConfig(),
		LLMCfg:     config.LLMConfig{GenTemperature: 0.3, SolutionTemperature: 0.3},
		Bus:        bus,
		Logger:     discardLogger(),
		Worker:     testWorker,
	})
	require.NoError(t, err)
	runner.waits = testWaits()

	userID, err := s.CreateUser(ctx, "alice", "hash", false)
	require.NoError(t, err)

	task := &store.Task{
		ID:            "task-1",
		UserID:        userID,
		Status:        "running",
		Stages:        []string{StageFetch, StageGen, StageUpload, StageSolve},
		TargetAdapter: "shsoj",
	}
	require.NoError(t, s.CreateTask(ctx, task))

	ref := problem.Ref{Adapter: "shsoj", ID: "123"}
	prob := &store.Problem{
		TaskID:        task.ID,
		UserID:        userID,
		RawRef:        "123",
		SourceAdapter: ref.Adapter,
		ShortID:       ref.ID,
		Canonical:     ref.Canonical(),
		WorkspaceKey:  ref.WorkspaceKey(),
	}
	require.NoError(t, s.InsertProblems(ctx, []*store.Problem{prob}))

	return &testEnv{
		store:   s,
		wstore:  wstore,
		gates:   gates,
		reg:     reg,
		adapter: adapter,
		llm:     fl,
		bus:     bus,
		runner:  runner,
		userID:  userID,
		task:    task,
		prob:    prob,
	}
}

// problemCtx claims the seeded problem and builds a ProblemCtx for
// driving a single executor directly.
func (e *testEnv) problemCtx(t *testing.T) *ProblemCtx {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.store.ClaimProblem(ctx, e.prob.ID, testWorker))
	ws, err := e.wstore.OpenOrCreate(e.userID, e.prob.Ref())
	require.NoError(t, err)

	return &ProblemCtx{
		UserID:    e.userID,
		TaskID:    e.task.ID,
		Problem:   e.prob,
		WS:        ws,
		Registry:  e.reg,
		LLM:       e.llm,
		Gates:     e.gates,
		Store:     e.store,
		Solver:    toolchain.New(testSolverConfig(), discardLogger()),
		SolverCfg: testSolverConfig(),
		LLMCfg:    config.LLMConfig{GenTemperature: 0.3, SolutionTemperature: 0.3},
		Target:    "shsoj",
		Worker:    testWorker,
		Logger:    discardLogger(),
		waits:     testWaits(),
	}
}

// secondUserCtx seeds another user with their own task, problem row
// and workspace, claimed and ready to drive an executor against the
// same adapter instance as the env's first user.
func (e *testEnv) secondUserCtx(t *testing.T, username string) *ProblemCtx {
	t.Helper()
	ctx := context.Background()

	userID, err := e.store.CreateUser(ctx, username, "hash", false)
	require.NoError(t, err)

	task := &store.Task{
		ID:            "task-" + username,
		UserID:        userID,
		Status:        "running",
		Stages:        []string{StageFetch, StageGen, StageUpload, StageSolve},
		TargetAdapter: "shsoj",
	}
	require.NoError(t, e.store.CreateTask(ctx, task))

	ref := problem.Ref{Adapter: "shsoj", ID: "123"}
	prob := &store.Problem{
		TaskID:        task.ID,
		UserID:        userID,
		RawRef:        "123",
		SourceAdapter: ref.Adapter,
		ShortID:       ref.ID,
		Canonical:     ref.Canonical(),
		WorkspaceKey:  ref.WorkspaceKey(),
	}
	require.NoError(t, e.store.InsertProblems(ctx, []*store.Problem{prob}))
	require.NoError(t, e.store.ClaimProblem(ctx, prob.ID, testWorker))

	ws, err := e.wstore.OpenOrCreate(userID, ref)
	require.NoError(t, err)

	return &ProblemCtx{
		UserID:    userID,
		TaskID:    task.ID,
		Problem:   prob,
		WS:        ws,
		Registry:  e.reg,
		LLM:       e.llm,
		Gates:     e.gates,
		Store:     e.store,
		Solver:    toolchain.New(testSolverConfig(), discardLogger()),
		SolverCfg: testSolverConfig(),
		LLMCfg:    config.LLMConfig{GenTemperature: 0.3, SolutionTemperature: 0.3},
		Target:    "shsoj",
		Worker:    testWorker,
		Logger:    discardLogger(),
		waits:     testWaits(),
	}
}

func testStatement() *problem.Statement {
	return &problem.Statement{
		Title: "A + B Problem",
		Body:  "Read two integers and print their sum.",
		Samples: []problem.Sample{
			{In: "1 2\n", Out: "3\n"},
		},
		Limits: problem.Limits{TimeMS: 1000, MemoryMB: 256},
	}
}

// seedStatement writes a statement so stages past fetch can run.
func seedStatement(t *testing.T, p *ProblemCtx) {
	t.Helper()
	require.NoError(t, p.WS.WriteStatement(testStatement()))
}

// seedCases writes complete generated pairs so upload can run.
func seedCases(t *testing.T, p *ProblemCtx, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		in := fmt.Sprintf("%d %d\n", i, i)
		ans := fmt.Sprintf("%d\n", i+i)
		require.NoError(t, p.WS.PutGeneratedCase(i, []byte(in), []byte(ans)))
	}
}

// genScript wraps a shell body in the python fence the generate stage
// extracts. The test solver runs scripts with /bin/sh.
func genScript(body string) string {
	return "Here is the generator:\n```python\n" + body + "\n```\n"
}

// stageError unwraps the typed stage failure for assertions.
func stageError(t *testing.T, err error) *grindererrors.StageError {
	t.Helper()
	var se *grindererrors.StageError
	require.ErrorAs(t, err, &se)
	return se
}

// waitState polls the problem row until it shows the wanted state. The
// id is passed by value because the runner rewrites the problem struct.
func waitState(t *testing.T, s *store.Store, id int64, want string) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetProblem(ctx, id)
		require.NoError(t, err)
		if got.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := s.GetProblem(ctx, id)
	t.Fatalf("problem never reached state %q, still %q", want, got.State)
}

// drainEvents collects everything currently buffered on the channel.
func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(evs []events.Event, kind events.Kind, stage string) bool {
	for _, ev := range evs {
		if ev.Kind == kind && (stage == "" || ev.Stage == stage) {
			return true
		}
	}
	return false
}
