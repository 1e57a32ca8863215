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

package localjudge

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/grinder/internal/config"
	"github.com/tombee/grinder/internal/toolchain"
	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/pkg/problem"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	tc := toolchain.New(config.SolverConfig{
		Python:         "/bin/sh",
		RunTimeLimit:   2 * time.Second,
		CompileTimeout: 10 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	a, err := New(t.TempDir(), tc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func sumStatement() *problem.Statement {
	return &problem.Statement{
		Title:   "A + B Problem",
		Body:    "Read two integers and print their sum.",
		Samples: []problem.Sample{{In: "1 2\n", Out: "3\n"}},
		Limits:  problem.Limits{TimeMS: 1000, MemoryMB: 256},
		Tags:    []string{"math"},
	}
}

func caseZip(t *testing.T, pairs map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range pairs {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// uploadSum stores the A+B problem with two cases and returns its id.
func uploadSum(t *testing.T, a *Adapter) string {
	t.Helper()
	res, err := a.UploadProblem(context.Background(), judge.Context{}, judge.UploadRequest{
		Title:     "A + B Problem",
		Statement: sumStatement(),
		DataZip: caseZip(t, map[string]string{
			"1.in": "1 2\n", "1.ans": "3\n",
			"2.in": "10 20\n", "2.ans": "30\n",
		}),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.RealID)
	return res.RealID
}

func TestUploadAssignsSequentialIDs(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	first, err := a.UploadProblem(ctx, judge.Context{}, judge.UploadRequest{
		Statement: sumStatement(),
	})
	require.NoError(t, err)
	second, err := a.UploadProblem(ctx, judge.Context{}, judge.UploadRequest{
		Statement: sumStatement(),
		// The backend numbers problems itself.
		SuggestedID: "9999",
	})
	require.NoError(t, err)

	assert.Equal(t, "1000", first.RealID)
	assert.Equal(t, "1001", second.RealID)
	assert.Equal(t, "local://problem/1000", first.URL)
	assert.Contains(t, string(first.Raw), "1000")
}

func TestFetchRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	id := uploadSum(t, a)

	st, err := a.FetchProblem(ctx, judge.Context{}, id)
	require.NoError(t, err)
	assert.Equal(t, "A + B Problem", st.Title)
	assert.Equal(t, 1000, st.Limits.TimeMS)

	_, err = a.FetchProblem(ctx, judge.Context{}, "404404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestBatchFetchSkipsMissing(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	id := uploadSum(t, a)

	got, err := a.FetchProblems(ctx, judge.Context{}, []string{id, "404404"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got, id)
}

func TestSearchByTitleNormalizes(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	id := uploadSum(t, a)

	found, err := a.SearchByTitle(ctx, judge.Context{}, "  A  +  B   Problem ")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)

	found, err = a.SearchByTitle(ctx, judge.Context{}, "a + b problem")
	require.NoError(t, err)
	assert.Empty(t, found, "title comparison stays case-sensitive")
}

func TestSubmitAccepted(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	id := uploadSum(t, a)

	sub, err := a.Submit(ctx, judge.Context{}, judge.SubmitRequest{
		ProblemID: id,
		Language:  "python",
		Source:    "read a b; echo $((a+b))\n",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	status, err := a.SubmissionStatus(ctx, judge.Context{}, *sub)
	require.NoError(t, err)
	assert.Equal(t, judge.VerdictAccepted, status.Verdict)
	assert.Equal(t, 100, status.Score)
}

func TestSubmitWrongAnswerScoresPartial(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	id := uploadSum(t, a)

	// Correct on "1 2" only by echoing a constant.
	sub, err := a.Submit(ctx, judge.Context{}, judge.SubmitRequest{
		ProblemID: id,
		Language:  "python",
		Source:    "echo 3\n",
	})
	require.NoError(t, err)

	status, err := a.SubmissionStatus(ctx, judge.Context{}, *sub)
	require.NoError(t, err)
	assert.Equal(t, judge.VerdictWrongAnswer, status.Verdict)
	assert.Equal(t, 50, status.Score)
	assert.Contains(t, status.Logs, "case 2")
}

func TestSubmitRuntimeError(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	id := uploadSum(t, a)

	sub, err := a.Submit(ctx, judge.Context{}, judge.SubmitRequest{
		ProblemID: id,
		Language:  "python",
		Source:    "exit 3\n",
	})
	require.NoError(t, err)

	status, err := a.SubmissionStatus(ctx, judge.Context{}, *sub)
	require.NoError(t, err)
	assert.Equal(t, judge.VerdictRuntimeError, status.Verdict)
}

func TestSubmitTimeLimit(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	st := sumStatement()
	st.Limits.TimeMS = 100
	res, err := a.UploadProblem(ctx, judge.Context{}, judge.UploadRequest{
		Statement: st,
		DataZip:   caseZip(t, map[string]string{"1.in": "1 2\n", "1.ans": "3\n"}),
	})
	require.NoError(t, err)

	sub, err := a.Submit(ctx, judge.Context{}, judge.SubmitRequest{
		ProblemID: res.RealID,
		Language:  "python",
		Source:    "sleep 5\n",
	})
	require.NoError(t, err)

	status, err := a.SubmissionStatus(ctx, judge.Context{}, *sub)
	require.NoError(t, err)
	assert.Equal(t, judge.VerdictTimeLimit, status.Verdict)
}

func TestSubmitUnknownProblem(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Submit(context.Background(), judge.Context{}, judge.SubmitRequest{
		ProblemID: "404404",
		Language:  "python",
		Source:    "echo hi\n",
	})
	require.Error(t, err)
}

func TestTrainingSelectors(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	first := uploadSum(t, a)
	second := uploadSum(t, a)

	// Stored training list.
	trainingPath := filepath.Join(a.root, "trainings", "warmup.json")
	require.NoError(t, os.WriteFile(trainingPath,
		[]byte(`{"problems": ["`+first+`", "`+second+`"]}`), 0o644))

	ids, err := a.ListTrainingProblems(ctx, judge.Context{}, judge.TrainingSelector{ID: "warmup"})
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, ids)

	// Numeric range over stored problems.
	ids, err = a.ListTrainingProblems(ctx, judge.Context{}, judge.TrainingSelector{Range: "1000-1000"})
	require.NoError(t, err)
	assert.Equal(t, []string{first}, ids)

	// Tag match against statement tags.
	ids, err = a.ListTrainingProblems(ctx, judge.Context{}, judge.TrainingSelector{Tag: "math"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = a.ListTrainingProblems(ctx, judge.Context{}, judge.TrainingSelector{ID: "missing"})
	require.Error(t, err)

	_, err = a.ListTrainingProblems(ctx, judge.Context{}, judge.TrainingSelector{})
	require.Error(t, err)
}

func TestProvideSolution(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	id := uploadSum(t, a)

	sol, err := a.ProvideSolution(ctx, judge.Context{}, id)
	require.NoError(t, err)
	assert.Nil(t, sol, "no stored solution yet")

	require.NoError(t, os.WriteFile(
		filepath.Join(a.problemDir(id), "solution.py"),
		[]byte("read a b; echo $((a+b))\n"), 0o644))

	sol, err = a.ProvideSolution(ctx, judge.Context{}, id)
	require.NoError(t, err)
	require.NotNil(t, sol)
	assert.Equal(t, "python", sol.Language)
	assert.Contains(t, sol.Source, "echo")
}

func TestUploadRejectsTraversal(t *testing.T) {
	a := newTestAdapter(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("../evil.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = a.UploadProblem(context.Background(), judge.Context{}, judge.UploadRequest{
		Statement: sumStatement(),
		DataZip:   buf.Bytes(),
	})
	require.Error(t, err)
}

func TestSupportsURL(t *testing.T) {
	a := newTestAdapter(t)
	assert.True(t, a.SupportsURL("local://problem/1000"))
	assert.False(t, a.SupportsURL("https://example.com/problem/1000"))
}

func TestOutputsMatch(t *testing.T) {
	assert.True(t, outputsMatch("3\n", "3"))
	assert.True(t, outputsMatch("3  \n\n", "3\n"))
	assert.True(t, outputsMatch("a\r\nb\r\n", "a\nb\n"))
	assert.False(t, outputsMatch("3", "4"))
	assert.False(t, outputsMatch("a\nb", "a\n b"))
}
