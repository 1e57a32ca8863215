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
	"github.com/tombee/grinder/internal/pipeline"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/workspace"
	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/pkg/problem"
)

const testWorker = "worker-task-test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter is a scriptable judge backend covering what the task service
// exercises: fetch for pipeline runs and training listing for batch
// expansion. The default fetch succeeds so orchestration tests run whole
// tasks without per-test scripting.
type fakeAdapter struct {
	name string
	caps []judge.Capability

	mu    sync.Mutex
	calls map[string]int

	fetch        func(ctx context.Context, cx judge.Context, id string) (*problem.Statement, error)
	listTraining func(ctx context.Context, cx judge.Context, sel judge.TrainingSelector) ([]string, error)
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:  name,
		caps:  []judge.Capability{judge.CapFetch, judge.CapListTraining},
		calls: map[string]int{},
		fetch: func(context.Context, judge.Context, string) (*problem.Statement, error) {
			return testStatement(), nil
		},
		listTraining: func(context.Context, judge.Context, judge.TrainingSelector) ([]string, error) {
			return nil, fmt.Errorf("training not scripted")
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

func (a *fakeAdapter) FetchProblem(ctx context.Context, cx judge.Context, id string) (*problem.Statement, error) {
	a.count("fetch")
	return a.fetch(ctx, cx, id)
}

func (a *fakeAdapter) ListTrainingProblems(ctx context.Context, cx judge.Context, sel judge.TrainingSelector) ([]string, error) {
	a.count("training")
	return a.listTraining(ctx, cx, sel)
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

func testSolverConfig() config.SolverConfig {
	return config.SolverConfig{
		CXX:            "g++",
		CXXFlags:       "-O2",
		Python:         "/bin/sh",
		RunTimeLimit:   2 * time.Second,
		CompileTimeout: 20 * time.Second,
		GenTimeout:     5 * time.Second,
		GenCases:       3,
		GenFloor:       2,
	}
}

// testEnv assembles a real store, workspace tree, gate controller and
// pipeline runner around the fake adapter, with the Service on top.
type testEnv struct {
	store   *store.Store
	wstore  *workspace.Store
	gates   *gate.Controller
	reg     *judge.Registry
	adapter *fakeAdapter
	bus     *events.Bus
	svc     *Service

	userID int64
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvLimits(t, gate.DefaultLimits())
}

func newTestEnvLimits(t *testing.T, limits gate.Limits) *testEnv {
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

	gates := gate.NewController(limits, gate.WithLogger(discardLogger()))

	adapter := newFakeAdapter("shsoj")
	reg := judge.NewRegistry()
	require.NoError(t, reg.Register(adapter))

	bus := events.NewBus(256, discardLogger())

	runner, err := pipeline.New(pipeline.Deps{
		Store:      s,
		Workspaces: wstore,
		Registry:   reg,
		Gates:      gates,
		SolverCfg:  testSolverConfig(),
		Bus:        bus,
		Logger:     discardLogger(),
		Worker:     testWorker,
	})
	require.NoError(t, err)

	svc, err := New(Deps{
		Store:      s,
		Workspaces: wstore,
		Registry:   reg,
		Runner:     runner,
		Gates:      gates,
		Bus:        bus,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	userID, err := s.CreateUser(ctx, "alice", "hash", false)
	require.NoError(t, err)

	return &testEnv{
		store:   s,
		wstore:  wstore,
		gates:   gates,
		reg:     reg,
		adapter: adapter,
		bus:     bus,
		svc:     svc,
		userID:  userID,
	}
}

// seedTask inserts a task row with its problems directly, bypassing Create.
// Tests use it to shape mid-life states the service meets after a restart.
func (e *testEnv) seedTask(t *testing.T, status string, stages []string, shortIDs ...string) (*store.Task, []*store.Problem) {
	t.Helper()
	ctx := context.Background()

	task := &store.Task{
		ID:            "seed-" + shortIDs[0],
		UserID:        e.userID,
		Status:        status,
		Stages:        stages,
		TargetAdapter: "shsoj",
	}
	require.NoError(t, e.store.CreateTask(ctx, task))

	problems := make([]*store.Problem, len(shortIDs))
	for i, id := range shortIDs {
		ref := problem.Ref{Adapter: "shsoj", ID: id}
		problems[i] = &store.Problem{
			TaskID:        task.ID,
			UserID:        e.userID,
			RawRef:        id,
			SourceAdapter: ref.Adapter,
			ShortID:       ref.ID,
			Canonical:     ref.Canonical(),
			WorkspaceKey:  ref.WorkspaceKey(),
		}
	}
	require.NoError(t, e.store.InsertProblems(ctx, problems))
	return task, problems
}

// setProblemState drives a row to the given state through a short-lived
// claim, the same path the runner takes.
func (e *testEnv) setProblemState(t *testing.T, p *store.Problem, upd store.ProblemUpdate) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.ClaimProblem(ctx, p.ID, "seed"))
	require.NoError(t, e.store.UpdateProblem(ctx, p.ID, "seed", upd))
	require.NoError(t, e.store.ReleaseProblem(ctx, p.ID, "seed"))
}

// failSolve leaves the row the way a wrong-answer solve does: terminal
// failed_solve with the upload identity still on it.
func (e *testEnv) failSolve(t *testing.T, p *store.Problem, realID, url string) {
	t.Helper()
	state := store.StateFailed(pipeline.StageSolve)
	kind := "solve_wrong_answer"
	msg := "wrong answer on case 3"
	e.setProblemState(t, p, store.ProblemUpdate{
		State:         &state,
		LastErrorKind: &kind,
		LastError:     &msg,
		RealID:        &realID,
		UploadedURL:   &url,
	})
}

// seedMarkers fills a workspace with every stage artifact: statement,
// generated case, upload receipt, verdict and a reference solution.
func seedMarkers(t *testing.T, ws *workspace.Workspace, target, realID string) {
	t.Helper()
	require.NoError(t, ws.WriteStatement(testStatement()))
	require.NoError(t, ws.PutGeneratedCase(1, []byte("1 2\n"), []byte("3\n")))
	require.NoError(t, ws.PutUploadReceipt(&workspace.Receipt{
		Adapter:    target,
		RealID:     realID,
		URL:        "https://judge.example/problem/" + realID,
		UploadedAt: time.Now().UTC(),
	}))
	require.NoError(t, ws.PutVerdict(&workspace.Verdict{
		Adapter:  target,
		RealID:   realID,
		Verdict:  "accepted",
		JudgedAt: time.Now().UTC(),
	}))
	require.NoError(t, ws.PutSolution("cpp", []byte("int main() {}\n")))
}

// waitTaskStatus polls the task row until it shows the wanted aggregate.
func waitTaskStatus(t *testing.T, s *store.Store, userID int64, id, want string) *store.Task {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetTask(ctx, userID, id)
		require.NoError(t, err)
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := s.GetTask(ctx, userID, id)
	t.Fatalf("task never reached status %q, still %q", want, got.Status)
	return nil
}

// waitCalls polls the adapter until op has been called at least want times.
func waitCalls(t *testing.T, a *fakeAdapter, op string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Calls(op) >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("adapter %s called %d times, want at least %d", op, a.Calls(op), want)
}

// awaitEvent reads the subscription until an event of the wanted kind
// arrives.
func awaitEvent(t *testing.T, ch <-chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", kind)
		}
	}
}

func hasActivity(t *testing.T, s *store.Store, userID int64, action string) bool {
	t.Helper()
	entries, err := s.ListActivity(context.Background(), userID, 50)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}
