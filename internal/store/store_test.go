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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/grinder/internal/gate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{
		Path:      filepath.Join(t.TempDir(), "grinder.db"),
		SecretKey: "test-secret",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, username string) int64 {
	t.Helper()

	id, err := s.CreateUser(context.Background(), username, "bcrypt-hash", false)
	require.NoError(t, err)
	return id
}

func newTestTask(t *testing.T, s *Store, userID int64, id string) *Task {
	t.Helper()

	task := &Task{
		ID:            id,
		UserID:        userID,
		Status:        "pending",
		Stages:        []string{"fetch", "gen", "upload", "solve"},
		TargetAdapter: "shsoj",
		Provider:      "deepseek",
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func newTestProblem(t *testing.T, s *Store, userID int64, taskID, shortID string) *Problem {
	t.Helper()

	p := &Problem{
		TaskID:        taskID,
		UserID:        userID,
		RawRef:        shortID,
		SourceAdapter: "cf",
		ShortID:       shortID,
		Canonical:     "cf_" + shortID,
		WorkspaceKey:  "cf_" + shortID,
	}
	require.NoError(t, s.InsertProblems(context.Background(), []*Problem{p}))
	return p
}

func TestOpenRequiresSecretKey(t *testing.T) {
	_, err := Open(Config{Path: filepath.Join(t.TempDir(), "grinder.db")})
	assert.ErrorContains(t, err, "GRINDER_SECRET_KEY")
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "grinder.db")
	s, err := Open(Config{Path: path, SecretKey: "test-secret"})
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	id, err := s.CreateUser(ctx, "alice", "hash-a", true)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	// Duplicate usernames are rejected with the sentinel.
	_, err = s.CreateUser(ctx, "alice", "hash-b", false)
	assert.ErrorIs(t, err, ErrUserExists)

	u, err := s.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "hash-a", u.PasswordHash)
	assert.True(t, u.IsAdmin)
	assert.False(t, u.CreatedAt.IsZero())

	byID, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, u.Username, byID.Username)

	_, err = s.GetUser(ctx, id+100)
	assert.ErrorIs(t, err, ErrUserNotFound)

	n, err = s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	task := newTestTask(t, s, userID, "task-1")

	got, err := s.GetTask(ctx, userID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "gen", "upload", "solve"}, got.Stages)
	assert.Equal(t, "shsoj", got.TargetAdapter)
	assert.Equal(t, "deepseek", got.Provider)
	assert.Nil(t, got.CompletedAt)

	// Tasks are scoped to their owner.
	otherID := newTestUser(t, s, "bob")
	_, err = s.GetTask(ctx, otherID, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	done := time.Now()
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, "completed", &done))

	got, err = s.GetTask(ctx, userID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, 2*time.Second)

	err = s.UpdateTaskStatus(ctx, "missing", "completed", nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestListTasksFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	t1 := newTestTask(t, s, userID, "task-1")
	newTestProblem(t, s, userID, t1.ID, "1234A")
	t2 := newTestTask(t, s, userID, "task-2")
	newTestProblem(t, s, userID, t2.ID, "567B")
	require.NoError(t, s.UpdateTaskStatus(ctx, t2.ID, "running", nil))

	all, err := s.ListTasks(ctx, userID, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := s.ListTasks(ctx, userID, TaskFilter{Status: "running"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, t2.ID, running[0].ID)

	// Search matches problem references inside the task.
	found, err := s.ListTasks(ctx, userID, TaskFilter{Search: "1234"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, t1.ID, found[0].ID)

	none, err := s.ListTasks(ctx, userID, TaskFilter{Search: "zzz"})
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := s.ListTasks(ctx, userID, TaskFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeleteTaskCascadesProblems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	task := newTestTask(t, s, userID, "task-1")
	p := newTestProblem(t, s, userID, task.ID, "1234A")

	require.NoError(t, s.DeleteTask(ctx, userID, task.ID))

	_, err := s.GetProblem(ctx, p.ID)
	assert.ErrorIs(t, err, ErrProblemNotFound)

	err = s.DeleteTask(ctx, userID, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestProblemClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")
	task := newTestTask(t, s, userID, "task-1")
	p := newTestProblem(t, s, userID, task.ID, "1234A")

	require.NoError(t, s.ClaimProblem(ctx, p.ID, "worker-1"))

	// Second worker loses the race.
	err := s.ClaimProblem(ctx, p.ID, "worker-2")
	assert.ErrorIs(t, err, ErrProblemClaimed)

	// Re-claiming under the same worker id is idempotent.
	assert.NoError(t, s.ClaimProblem(ctx, p.ID, "worker-1"))

	require.NoError(t, s.ReleaseProblem(ctx, p.ID, "worker-1"))
	assert.NoError(t, s.ClaimProblem(ctx, p.ID, "worker-2"))

	err = s.ClaimProblem(ctx, p.ID+100, "worker-1")
	assert.ErrorIs(t, err, ErrProblemNotFound)
}

func TestUpdateProblemRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")
	task := newTestTask(t, s, userID, "task-1")
	p := newTestProblem(t, s, userID, task.ID, "1234A")

	require.NoError(t, s.ClaimProblem(ctx, p.ID, "worker-1"))

	state := StateFetching
	require.NoError(t, s.UpdateProblem(ctx, p.ID, "worker-1", ProblemUpdate{
		State:        &state,
		BumpAttempts: "fetch",
	}))

	// A worker that does not hold the claim cannot write progress.
	err := s.UpdateProblem(ctx, p.ID, "worker-2", ProblemUpdate{State: &state})
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err := s.GetProblem(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFetching, got.State)
	assert.Equal(t, 1, got.FetchAttempts)
	assert.Equal(t, "worker-1", got.OwnerWorker)

	url := "https://judge.example/p/9001"
	realID := "9001"
	require.NoError(t, s.UpdateProblem(ctx, p.ID, "worker-1", ProblemUpdate{
		RealID:      &realID,
		UploadedURL: &url,
	}))

	got, err = s.GetProblem(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "9001", got.RealID)
	assert.Equal(t, url, got.UploadedURL)

	err = s.UpdateProblem(ctx, p.ID, "worker-1", ProblemUpdate{BumpAttempts: "paint"})
	assert.ErrorContains(t, err, "unknown stage")
}

func TestResetForRetrySkipsClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")
	task := newTestTask(t, s, userID, "task-1")

	failed := newTestProblem(t, s, userID, task.ID, "1234A")
	claimed := newTestProblem(t, s, userID, task.ID, "567B")
	completed := newTestProblem(t, s, userID, task.ID, "890C")

	setState := func(p *Problem, state string, worker string) {
		require.NoError(t, s.ClaimProblem(ctx, p.ID, "setup"))
		st := state
		require.NoError(t, s.UpdateProblem(ctx, p.ID, "setup", ProblemUpdate{
			State:        &st,
			BumpAttempts: "fetch",
		}))
		require.NoError(t, s.ReleaseProblem(ctx, p.ID, "setup"))
		if worker != "" {
			require.NoError(t, s.ClaimProblem(ctx, p.ID, worker))
		}
	}
	setState(failed, StateFailed("fetch"), "")
	setState(claimed, StateFailed("solve"), "worker-1")
	setState(completed, StateCompleted, "")

	n, err := s.ResetForRetry(ctx, task.ID, userID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetProblem(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 0, got.FetchAttempts)
	assert.Empty(t, got.LastError)

	// The claimed failure and the completed problem are untouched.
	got, err = s.GetProblem(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed("solve"), got.State)

	got, err = s.GetProblem(ctx, completed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestResetForRetryClearUpload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")
	task := newTestTask(t, s, userID, "task-1")
	p := newTestProblem(t, s, userID, task.ID, "1234A")

	require.NoError(t, s.ClaimProblem(ctx, p.ID, "setup"))
	state := StateFailed("solve")
	realID := "P42"
	url := "https://judge.example/p/P42"
	require.NoError(t, s.UpdateProblem(ctx, p.ID, "setup", ProblemUpdate{
		State:       &state,
		RealID:      &realID,
		UploadedURL: &url,
	}))
	require.NoError(t, s.ReleaseProblem(ctx, p.ID, "setup"))

	// Without clearUpload the pointers survive the reset.
	n, err := s.ResetForRetry(ctx, task.ID, userID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetProblem(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, "P42", got.RealID)
	assert.Equal(t, url, got.UploadedURL)

	require.NoError(t, s.ClaimProblem(ctx, p.ID, "setup"))
	require.NoError(t, s.UpdateProblem(ctx, p.ID, "setup", ProblemUpdate{State: &state}))
	require.NoError(t, s.ReleaseProblem(ctx, p.ID, "setup"))

	n, err = s.ResetForRetry(ctx, task.ID, userID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.GetProblem(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Empty(t, got.RealID)
	assert.Empty(t, got.UploadedURL)
}

func TestReleaseStaleClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")
	task := newTestTask(t, s, userID, "task-1")

	a := newTestProblem(t, s, userID, task.ID, "1234A")
	b := newTestProblem(t, s, userID, task.ID, "567B")
	require.NoError(t, s.ClaimProblem(ctx, a.ID, "dead-worker"))

	n, err := s.ReleaseStaleClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetProblem(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.OwnerWorker)

	// A new worker can claim immediately after recovery.
	require.NoError(t, s.ClaimProblem(ctx, b.ID, "worker-2"))
}

func TestRunningTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	running := newTestTask(t, s, alice, "task-running")
	require.NoError(t, s.UpdateTaskStatus(ctx, running.ID, "running", nil))

	other := newTestTask(t, s, bob, "task-other")
	require.NoError(t, s.UpdateTaskStatus(ctx, other.ID, "running", nil))

	done := newTestTask(t, s, alice, "task-done")
	now := time.Now()
	require.NoError(t, s.UpdateTaskStatus(ctx, done.ID, "completed", &now))

	tasks, err := s.RunningTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// All users' running tasks show up; the completed one does not.
	ids := []string{tasks[0].ID, tasks[1].ID}
	assert.Contains(t, ids, running.ID)
	assert.Contains(t, ids, other.ID)
}

func TestCancelPendingProblems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")
	task := newTestTask(t, s, userID, "task-1")

	pending := newTestProblem(t, s, userID, task.ID, "1234A")
	running := newTestProblem(t, s, userID, task.ID, "567B")
	require.NoError(t, s.ClaimProblem(ctx, running.ID, "worker-1"))

	n, err := s.CancelPendingProblems(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetProblem(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)

	// The claimed problem stays with its runner.
	got, err = s.GetProblem(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
}

func TestCountProblemsByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")
	task := newTestTask(t, s, userID, "task-1")

	newTestProblem(t, s, userID, task.ID, "1A")
	newTestProblem(t, s, userID, task.ID, "2B")
	p := newTestProblem(t, s, userID, task.ID, "3C")
	require.NoError(t, s.ClaimProblem(ctx, p.ID, "w"))
	st := StateCompleted
	require.NoError(t, s.UpdateProblem(ctx, p.ID, "w", ProblemUpdate{State: &st}))

	counts, err := s.CountProblemsByState(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StatePending: 2, StateCompleted: 1}, counts)
}

func TestAdapterConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	config := map[string]string{"username": "alice", "password": "hunter2"}
	require.NoError(t, s.SaveAdapterConfig(ctx, userID, "shsoj", config))

	got, err := s.AdapterConfig(ctx, userID, "shsoj")
	require.NoError(t, err)
	assert.Equal(t, config, got)

	// The stored blob never contains the plaintext password.
	var blob []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT config_encrypted FROM adapter_configs WHERE user_id = ? AND adapter = ?`,
		userID, "shsoj").Scan(&blob)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hunter2")

	// Missing configuration yields an empty map, not an error.
	got, err = s.AdapterConfig(ctx, userID, "luogu")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Saving over an existing config replaces it.
	require.NoError(t, s.SaveAdapterConfig(ctx, userID, "shsoj", map[string]string{"token": "t"}))
	got, err = s.AdapterConfig(ctx, userID, "shsoj")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "t"}, got)

	names, err := s.ConfiguredAdapters(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"shsoj"}, names)

	// An empty map deletes the stored config.
	require.NoError(t, s.SaveAdapterConfig(ctx, userID, "shsoj", nil))
	names, err = s.ConfiguredAdapters(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestProviderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Provider{
		Name:    "deepseek",
		APIKey:  "sk-secret-key",
		Model:   "deepseek-reasoner",
		Enabled: true,
	}
	require.NoError(t, s.SaveProvider(ctx, p))

	got, err := s.GetProvider(ctx, "deepseek")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-key", got.APIKey)
	assert.Equal(t, "deepseek-reasoner", got.Model)
	assert.True(t, got.Enabled)

	// Key is encrypted at rest.
	var blob []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT api_key_encrypted FROM providers WHERE name = ?`, "deepseek").Scan(&blob)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "sk-secret-key")

	require.NoError(t, s.SetProviderEnabled(ctx, "deepseek", false))
	got, err = s.GetProvider(ctx, "deepseek")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	list, err := s.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteProvider(ctx, "deepseek"))
	_, err = s.GetProvider(ctx, "deepseek")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	err = s.SetProviderEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestActivityLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	require.NoError(t, s.AppendActivity(ctx, alice, "task.create", "task-1"))
	require.NoError(t, s.AppendActivity(ctx, bob, "login", ""))
	require.NoError(t, s.AppendActivity(ctx, alice, "task.cancel", "task-1"))

	entries, err := s.ListActivity(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "task.cancel", entries[0].Action)
	assert.Equal(t, "task.create", entries[1].Action)

	// userID 0 is the admin view across users.
	all, err := s.ListActivity(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := s.ListActivity(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestConcurrencyLimitsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Nothing saved yet.
	limits, err := s.LoadConcurrencyLimits(ctx)
	require.NoError(t, err)
	assert.Nil(t, limits)

	want := gate.Limits{}.WithDefaults()
	want.GlobalTasks = 75
	require.NoError(t, s.SaveConcurrencyLimits(ctx, want))

	limits, err = s.LoadConcurrencyLimits(ctx)
	require.NoError(t, err)
	require.NotNil(t, limits)
	assert.Equal(t, 75, limits.GlobalTasks)
	assert.Equal(t, want.LLMTotal, limits.LLMTotal)
}

func TestSystemConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value, err := s.GetSystemConfig(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, s.SetSystemConfig(ctx, "theme", "dark"))
	require.NoError(t, s.SetSystemConfig(ctx, "theme", "light"))

	value, err = s.GetSystemConfig(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)
}
