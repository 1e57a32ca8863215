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

	"github.com/tombee/grinder/test/e2e/harness"
)

// When the backend acknowledges an upload without naming the problem,
// the id is recovered from the raw response body.
func TestUploadRecoversIDFromRawBody(t *testing.T) {
	h := harness.Start(t)
	h.SeedLocalProblem("501", harness.SumStatement("Raw Body Recovery"), nil)
	h.Mem.SetUploadBehavior(harness.UploadRawBodyID)

	req := harness.LocalTask("501", harness.MemJudgeName)
	req.NoSolve = true
	detail, err := h.Client.CreateTask(context.Background(), req)
	require.NoError(t, err)

	final := h.WaitTask(detail.Task.ID, 60*time.Second)
	require.Equal(t, "completed", final.Task.Status, "last error: %s", final.Problems[0].LastError)

	p := final.Problems[0]
	assert.Equal(t, "5000", p.RealID, "id must come out of the response body")
	assert.Equal(t, 1, h.Mem.Uploads())
}

// When the response body carries nothing either, a title search against
// the backend recovers the created problem.
func TestUploadRecoversIDByTitleSearch(t *testing.T) {
	h := harness.Start(t)
	h.SeedLocalProblem("502", harness.SumStatement("Title Search Recovery"), nil)
	h.Mem.SetUploadBehavior(harness.UploadAcksOnly)

	req := harness.LocalTask("502", harness.MemJudgeName)
	req.NoSolve = true
	detail, err := h.Client.CreateTask(context.Background(), req)
	require.NoError(t, err)

	final := h.WaitTask(detail.Task.ID, 60*time.Second)
	require.Equal(t, "completed", final.Task.Status, "last error: %s", final.Problems[0].LastError)

	p := final.Problems[0]
	assert.Equal(t, "5000", p.RealID, "id must come from the title search")
	assert.Equal(t, "mem://problem/5000", p.UploadedURL)
	assert.Equal(t, 1, h.Mem.Uploads())
}

// A problem whose title already exists on the target is reused, never
// duplicated: the second distinct problem with the same title points at
// the first one's upload.
func TestUploadReusesExistingTitle(t *testing.T) {
	h := harness.Start(t)
	st := harness.SumStatement("Shared Title")
	h.SeedLocalProblem("503", st, nil)
	h.SeedLocalProblem("504", st, nil)

	firstReq := harness.LocalTask("503", harness.MemJudgeName)
	firstReq.NoSolve = true
	first, err := h.Client.CreateTask(context.Background(), firstReq)
	require.NoError(t, err)
	firstDone := h.WaitTask(first.Task.ID, 60*time.Second)
	require.Equal(t, "completed", firstDone.Task.Status)
	url := firstDone.Problems[0].UploadedURL

	secondReq := harness.LocalTask("504", harness.MemJudgeName)
	secondReq.NoSolve = true
	second, err := h.Client.CreateTask(context.Background(), secondReq)
	require.NoError(t, err)
	secondDone := h.WaitTask(second.Task.ID, 60*time.Second)
	require.Equal(t, "completed", secondDone.Task.Status, "last error: %s", secondDone.Problems[0].LastError)

	assert.Equal(t, url, secondDone.Problems[0].UploadedURL, "same title must reuse the existing problem")
	assert.Equal(t, 1, h.Mem.Uploads(), "only the first task uploads")
}
