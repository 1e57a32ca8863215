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

package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/test/e2e/harness"
)

// Cancelling a task mid-generate unwinds the in-flight model call and
// settles the problem as cancelled, not failed.
func TestCancelDuringGenerate(t *testing.T) {
	h := harness.Start(t)
	h.SeedLocalProblem("401", harness.SumStatement("Cancelled Mid-Flight"), nil)
	h.LLM.BlockGeneration()

	detail, err := h.Client.CreateTask(context.Background(), harness.LocalTask("401", harness.MemJudgeName))
	require.NoError(t, err)
	taskID := detail.Task.ID

	// Wait for the problem to reach the generate stage, where the model
	// call hangs on the blocked backend.
	waitForState(t, h, taskID, "generating", 20*time.Second)

	require.NoError(t, h.Client.CancelTask(context.Background(), taskID))

	final := h.WaitTask(taskID, 30*time.Second)
	require.Equal(t, "cancelled", final.Task.Status)

	p := final.Problems[0]
	assert.Equal(t, "cancelled", p.State)
	assert.Empty(t, p.RealID, "nothing was uploaded")
	assert.Zero(t, h.Mem.Uploads())
	assert.Zero(t, h.Mem.Submits())
}

// A wrong answer fails the solve stage terminally. Retrying from solve
// keeps the upload receipt, so the problem is not re-uploaded; only the
// solve stage runs again.
func TestRetryFailedSolveKeepsUpload(t *testing.T) {
	h := harness.Start(t)
	h.SeedLocalProblem("402", harness.SumStatement("Retried After Wrong Answer"), nil)
	h.Mem.SetVerdict(judge.VerdictWrongAnswer)

	detail, err := h.Client.CreateTask(context.Background(), harness.LocalTask("402", harness.MemJudgeName))
	require.NoError(t, err)
	taskID := detail.Task.ID

	failed := h.WaitTask(taskID, 60*time.Second)
	require.Equal(t, "failed", failed.Task.Status)
	p := failed.Problems[0]
	require.Equal(t, "failed_solve", p.State)
	assert.Equal(t, "solve_wrong_answer", p.LastErrorKind)
	require.NotEmpty(t, p.UploadedURL)
	url := p.UploadedURL
	uploads := h.Mem.Uploads()

	h.Mem.SetVerdict(judge.VerdictAccepted)
	n, err := h.Client.RetryTask(context.Background(), taskID, "solve")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	final := h.WaitTask(taskID, 60*time.Second)
	require.Equal(t, "completed", final.Task.Status, "last error: %s", final.Problems[0].LastError)

	p = final.Problems[0]
	assert.Equal(t, "completed", p.State)
	assert.Equal(t, url, p.UploadedURL, "solve retry must keep the uploaded problem")
	assert.Equal(t, uploads, h.Mem.Uploads(), "solve retry must not re-upload")
	assert.Equal(t, 1, p.SolveAttempts, "attempt counters reset on retry")
	assert.Empty(t, p.LastError)
}

// waitForState polls until the task's first problem reaches the state.
func waitForState(t *testing.T, h *harness.Harness, taskID, state string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		detail, err := h.Client.Task(context.Background(), taskID)
		require.NoError(t, err)
		if len(detail.Problems) > 0 && detail.Problems[0].State == state {
			return
		}
		if time.Now().After(deadline) {
			now := "none"
			if len(detail.Problems) > 0 {
				now = detail.Problems[0].State
			}
			t.Fatalf("problem never reached %q (now %q)", state, now)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
