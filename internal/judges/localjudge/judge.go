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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	grinderrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
)

// submissionRecord is the persisted outcome of one judged submission.
type submissionRecord struct {
	ID        string        `json:"id"`
	ProblemID string        `json:"problem_id"`
	Language  string        `json:"language"`
	Verdict   judge.Verdict `json:"verdict"`
	Score     int           `json:"score"`
	Logs      string        `json:"logs,omitempty"`
	JudgedAt  time.Time     `json:"judged_at"`
}

// Submit judges the source synchronously against the stored cases and
// persists the outcome; SubmissionStatus then reads it back. A local
// backend has no queue worth simulating.
func (a *Adapter) Submit(ctx context.Context, cx judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
	if a.tc == nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "submit", Kind: grinderrors.KindInternal,
			Message: "no toolchain runner configured",
		}
	}
	if _, err := a.FetchProblem(ctx, cx, req.ProblemID); err != nil {
		return nil, err
	}

	rec := submissionRecord{
		ID:        uuid.NewString(),
		ProblemID: req.ProblemID,
		Language:  req.Language,
		JudgedAt:  time.Now().UTC(),
	}
	rec.Verdict, rec.Score, rec.Logs = a.judge(ctx, req)

	raw, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	err = os.WriteFile(filepath.Join(a.root, "submissions", rec.ID+".json"), raw, 0o644)
	a.mu.Unlock()
	if err != nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "submit", Kind: grinderrors.KindInternal,
			Message: "failed to persist submission", Cause: err,
		}
	}

	a.logger.Info("submission judged",
		"problem", req.ProblemID, "submission", rec.ID,
		"verdict", rec.Verdict, "score", rec.Score)
	return &judge.Submission{ID: rec.ID, Language: req.Language}, nil
}

// SubmissionStatus reads a persisted verdict.
func (a *Adapter) SubmissionStatus(ctx context.Context, cx judge.Context, sub judge.Submission) (*judge.JudgeStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(a.root, "submissions", sub.ID+".json"))
	if os.IsNotExist(err) {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "submission_status", Kind: grinderrors.KindNotFound,
			Message: fmt.Sprintf("submission %s does not exist", sub.ID),
		}
	}
	if err != nil {
		return nil, err
	}
	var rec submissionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &judge.JudgeStatus{Verdict: rec.Verdict, Score: rec.Score, Logs: rec.Logs}, nil
}

// judge builds the solution and runs every stored case. The verdict is
// the first failure's, with the score counting passed cases.
func (a *Adapter) judge(ctx context.Context, req judge.SubmitRequest) (judge.Verdict, int, string) {
	cases, err := a.loadCases(req.ProblemID)
	if err != nil {
		return judge.VerdictRuntimeError, 0, "test data unreadable: " + err.Error()
	}
	if len(cases) == 0 {
		return judge.VerdictRuntimeError, 0, "problem has no test data"
	}

	workDir, err := os.MkdirTemp("", "localjudge-*")
	if err != nil {
		return judge.VerdictRuntimeError, 0, "workdir: " + err.Error()
	}
	defer os.RemoveAll(workDir)

	ext := ".py"
	if req.Language == "cpp" {
		ext = ".cpp"
	}
	srcPath := filepath.Join(workDir, "solution"+ext)
	if err := os.WriteFile(srcPath, []byte(req.Source), 0o644); err != nil {
		return judge.VerdictRuntimeError, 0, "source write: " + err.Error()
	}

	exe, compileRes, err := a.tc.BuildSolution(ctx, req.Language, srcPath, workDir)
	if err != nil {
		return judge.VerdictRuntimeError, 0, err.Error()
	}
	if exe == nil {
		logs := ""
		if compileRes != nil {
			logs = compileRes.Stderr
		}
		return judge.VerdictCompileError, 0, logs
	}

	timeLimit := a.caseTimeLimit(ctx, req.ProblemID)
	passed := 0
	for _, c := range cases {
		res, err := a.tc.RunCase(ctx, exe, strings.NewReader(c.in), timeLimit)
		if err != nil {
			return judge.VerdictRuntimeError, score(passed, len(cases)),
				fmt.Sprintf("case %s: %v", c.name, err)
		}
		if res.TimedOut {
			return judge.VerdictTimeLimit, score(passed, len(cases)),
				fmt.Sprintf("case %s: %s", c.name, res.FailureSummary())
		}
		if res.ExitCode != 0 {
			return judge.VerdictRuntimeError, score(passed, len(cases)),
				fmt.Sprintf("case %s: %s", c.name, res.FailureSummary())
		}
		if !outputsMatch(res.Stdout, c.ans) {
			return judge.VerdictWrongAnswer, score(passed, len(cases)),
				fmt.Sprintf("case %s: output mismatch", c.name)
		}
		passed++
	}
	return judge.VerdictAccepted, 100, ""
}

// caseTimeLimit maps the statement's declared limit to a wall-clock bound,
// zero when undeclared so the toolchain default applies.
func (a *Adapter) caseTimeLimit(ctx context.Context, problemID string) time.Duration {
	st, err := a.FetchProblem(ctx, judge.Context{}, problemID)
	if err != nil || st.Limits.TimeMS <= 0 {
		return 0
	}
	return time.Duration(st.Limits.TimeMS) * time.Millisecond
}

type testCase struct {
	name string
	in   string
	ans  string
}

// loadCases pairs data/<i>.in with <i>.ans, numerically ordered. Inputs
// without an answer file are skipped.
func (a *Adapter) loadCases(problemID string) ([]testCase, error) {
	dir := filepath.Join(a.problemDir(problemID), "data")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".in") {
			names = append(names, strings.TrimSuffix(e.Name(), ".in"))
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, errA := strconv.Atoi(names[i])
		b, errB := strconv.Atoi(names[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return names[i] < names[j]
	})

	var cases []testCase
	for _, name := range names {
		in, err := os.ReadFile(filepath.Join(dir, name+".in"))
		if err != nil {
			return nil, err
		}
		ans, err := os.ReadFile(filepath.Join(dir, name+".ans"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cases = append(cases, testCase{name: name, in: string(in), ans: string(ans)})
	}
	return cases, nil
}

func score(passed, total int) int {
	if total == 0 {
		return 0
	}
	return passed * 100 / total
}

// outputsMatch compares judge output the usual way: trailing whitespace
// per line and trailing blank lines are insignificant.
func outputsMatch(got, want string) bool {
	return normalizeOutput(got) == normalizeOutput(want)
}

func normalizeOutput(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}
