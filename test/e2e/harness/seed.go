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

package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stretchr/testify/require"

	"github.com/tombee/grinder/internal/workspace"
	"github.com/tombee/grinder/pkg/problem"
)

// SumStatement builds a minimal A+B statement under the given title,
// matching the data the scripted generator and answer replies produce.
func SumStatement(title string) *problem.Statement {
	return &problem.Statement{
		Title:       title,
		Body:        "Read two integers a and b and print their sum.",
		InputFormat: "One line with two integers a and b.",
		OutputFormat: "One line with a + b.",
		Samples: []problem.Sample{
			{In: "1 2\n", Out: "3\n"},
		},
		Limits: problem.Limits{TimeMS: 1000, MemoryMB: 256},
	}
}

// SeedLocalProblem places a problem into the built-in local judge's
// tree so the fetch stage can read it. cases are (input, answer) pairs
// written as the problem's test data.
func (h *Harness) SeedLocalProblem(id string, st *problem.Statement, cases [][2]string) {
	h.T.Helper()

	dir := filepath.Join(h.LocalJudgeRoot(), "problems", id)
	require.NoError(h.T, os.MkdirAll(filepath.Join(dir, "data"), 0o755))

	raw, err := json.MarshalIndent(st, "", "  ")
	require.NoError(h.T, err)
	require.NoError(h.T, os.WriteFile(filepath.Join(dir, "statement.json"), raw, 0o644))

	for i, c := range cases {
		in := filepath.Join(dir, "data", fmt.Sprintf("%d.in", i+1))
		ans := filepath.Join(dir, "data", fmt.Sprintf("%d.ans", i+1))
		require.NoError(h.T, os.WriteFile(in, []byte(c[0]), 0o644))
		require.NoError(h.T, os.WriteFile(ans, []byte(c[1]), 0o644))
	}
}

// SeedLocalTraining writes a training list for the local judge.
func (h *Harness) SeedLocalTraining(name string, problemIDs []string) {
	h.T.Helper()
	raw, err := json.Marshal(map[string][]string{"problems": problemIDs})
	require.NoError(h.T, err)
	path := filepath.Join(h.LocalJudgeRoot(), "trainings", name+".json")
	require.NoError(h.T, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.T, os.WriteFile(path, raw, 0o644))
}

// SeedWorkspaceSolution drops a reference solution into the admin
// user's workspace for the given ref, so generate answers cases locally
// and solve submits without a model call.
func (h *Harness) SeedWorkspaceSolution(rawRef, sourceAdapter, lang, source string) {
	h.T.Helper()

	ref, err := problem.Normalize(rawRef, sourceAdapter)
	require.NoError(h.T, err)

	ws, err := workspace.NewStore(h.cfg.Workspace.Root)
	require.NoError(h.T, err)
	w, err := ws.OpenOrCreate(h.Identity.UserID, ref)
	require.NoError(h.T, err)
	require.NoError(h.T, w.PutSolution(lang, []byte(source)))
}

// ShellSumSolution is a POSIX shell A+B solution. Seeded as the
// "python" workspace solution it runs under the harness interpreter.
const ShellSumSolution = `read a b
echo "$((a + b))"
`
