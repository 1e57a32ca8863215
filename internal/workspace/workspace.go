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

package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/grinder/pkg/problem"
)

const (
	statementFile = "statement.json"
	samplesDir    = "samples"
	genDir        = "gen"
	genScript     = "gen.py"
	solDir        = "sol"
	uploadDir     = "upload"
	receiptFile   = "receipt.json"
	verdictFile   = "verdict.json"
	logsDir       = "logs"
)

// Languages a reference solution can be stored in.
const (
	LangCPP    = "cpp"
	LangPython = "python"
)

var solutionFiles = map[string]string{
	LangCPP:    "solution.cpp",
	LangPython: "solution.py",
}

// Receipt records a successful upload. It is the durable source of the
// problem's identity on the target judge; the database row mirrors it.
type Receipt struct {
	Adapter    string    `json:"adapter"`
	RealID     string    `json:"real_id"`
	URL        string    `json:"url,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Solution is a reference solution read from the workspace.
type Solution struct {
	Language string
	Source   []byte
	Path     string
}

// CaseFiles locates one generated test case on disk.
type CaseFiles struct {
	Index   int
	InPath  string
	AnsPath string
}

// Workspace is one problem's artifact directory.
type Workspace struct {
	dir         string
	key         string
	userID      int64
	zipExcludes []string
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Key returns the sanitized workspace key.
func (w *Workspace) Key() string {
	return w.key
}

// UserID returns the owning user.
func (w *Workspace) UserID() int64 {
	return w.userID
}

// HasStatement reports whether the fetch stage already produced a statement.
func (w *Workspace) HasStatement() bool {
	return fileExists(filepath.Join(w.dir, statementFile))
}

// ReadStatement loads statement.json.
func (w *Workspace) ReadStatement() (*problem.Statement, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, statementFile))
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to read statement: %w", err)
	}

	var st problem.Statement
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("workspace: failed to parse statement: %w", err)
	}
	return &st, nil
}

// WriteStatement persists the statement atomically and materializes the
// sample files beside it. The statement write is last so a crash between the
// two leaves no statement marker over partial samples.
func (w *Workspace) WriteStatement(st *problem.Statement) error {
	if st == nil {
		return fmt.Errorf("workspace: statement must not be nil")
	}

	sdir := filepath.Join(w.dir, samplesDir)
	if err := os.MkdirAll(sdir, 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create samples dir: %w", err)
	}
	for i, sample := range st.Samples {
		n := strconv.Itoa(i + 1)
		if err := writeFileAtomic(filepath.Join(sdir, n+".in"), []byte(sample.In), 0o644); err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(sdir, n+".out"), []byte(sample.Out), 0o644); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: failed to marshal statement: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.dir, statementFile), data, 0o644)
}

// RemoveStatement deletes statement.json and the materialized samples so the
// next fetch starts clean. Absence is not an error.
func (w *Workspace) RemoveStatement() error {
	if err := os.Remove(filepath.Join(w.dir, statementFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: failed to remove statement: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(w.dir, samplesDir)); err != nil {
		return fmt.Errorf("workspace: failed to remove samples: %w", err)
	}
	return nil
}

// PutGeneratorScript stores gen/gen.py.
func (w *Workspace) PutGeneratorScript(src []byte) error {
	if err := os.MkdirAll(filepath.Join(w.dir, genDir), 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create gen dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.dir, genDir, genScript), src, 0o644)
}

// GeneratorScript returns the path of gen/gen.py and whether it exists.
func (w *Workspace) GeneratorScript() (string, bool) {
	path := filepath.Join(w.dir, genDir, genScript)
	return path, fileExists(path)
}

// PutGeneratedCase stores one input/answer pair. Indexes are 1-based. The
// input is written before the answer; only complete pairs count as
// generated data.
func (w *Workspace) PutGeneratedCase(i int, in, ans []byte) error {
	if i < 1 {
		return fmt.Errorf("workspace: case index must be >= 1, got %d", i)
	}
	dir := filepath.Join(w.dir, genDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create gen dir: %w", err)
	}

	n := strconv.Itoa(i)
	if err := writeFileAtomic(filepath.Join(dir, n+".in"), in, 0o644); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, n+".ans"), ans, 0o644)
}

// GeneratedCases lists complete input/answer pairs in index order.
func (w *Workspace) GeneratedCases() ([]CaseFiles, error) {
	dir := filepath.Join(w.dir, genDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to list gen dir: %w", err)
	}

	var cases []CaseFiles
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".in") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".in"))
		if err != nil {
			continue
		}
		ansPath := filepath.Join(dir, strconv.Itoa(idx)+".ans")
		if !fileExists(ansPath) {
			continue
		}
		cases = append(cases, CaseFiles{
			Index:   idx,
			InPath:  filepath.Join(dir, name),
			AnsPath: ansPath,
		})
	}

	sort.Slice(cases, func(i, j int) bool { return cases[i].Index < cases[j].Index })
	return cases, nil
}

// GeneratedInputs lists the gen/<i>.in files in index order regardless of
// whether answers exist yet. The generate stage uses it to see what the
// generator script produced; AnsPath is empty for inputs still awaiting an
// answer.
func (w *Workspace) GeneratedInputs() ([]CaseFiles, error) {
	dir := filepath.Join(w.dir, genDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to list gen dir: %w", err)
	}

	var inputs []CaseFiles
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".in") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".in"))
		if err != nil {
			continue
		}
		c := CaseFiles{Index: idx, InPath: filepath.Join(dir, name)}
		if ansPath := filepath.Join(dir, strconv.Itoa(idx)+".ans"); fileExists(ansPath) {
			c.AnsPath = ansPath
		}
		inputs = append(inputs, c)
	}

	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Index < inputs[j].Index })
	return inputs, nil
}

// GeneratedCaseCount returns the number of complete generated pairs.
func (w *Workspace) GeneratedCaseCount() int {
	cases, err := w.GeneratedCases()
	if err != nil {
		return 0
	}
	return len(cases)
}

// HasGeneratedData reports whether the generate stage already produced
// usable cases. A failed generate run removes its partial pairs, so any
// surviving pair means the stage completed.
func (w *Workspace) HasGeneratedData() bool {
	return w.GeneratedCaseCount() > 0
}

// RemoveGeneratedCases deletes all generated case files, including inputs
// a failed run never answered. gen.py stays for debugging.
func (w *Workspace) RemoveGeneratedCases() error {
	inputs, err := w.GeneratedInputs()
	if err != nil {
		return err
	}
	for _, c := range inputs {
		if err := os.Remove(c.InPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("workspace: failed to remove case input: %w", err)
		}
		if c.AnsPath == "" {
			continue
		}
		if err := os.Remove(c.AnsPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("workspace: failed to remove case answer: %w", err)
		}
	}
	return nil
}

// PutSolution stores the reference solution for the given language.
func (w *Workspace) PutSolution(lang string, src []byte) error {
	name, ok := solutionFiles[lang]
	if !ok {
		return fmt.Errorf("workspace: unsupported solution language %q", lang)
	}
	if err := os.MkdirAll(filepath.Join(w.dir, solDir), 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create sol dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.dir, solDir, name), src, 0o644)
}

// Solution returns the stored reference solution, C++ preferred over
// Python, or (nil, nil) when none exists.
func (w *Workspace) Solution() (*Solution, error) {
	for _, lang := range []string{LangCPP, LangPython} {
		path := filepath.Join(w.dir, solDir, solutionFiles[lang])
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("workspace: failed to read solution: %w", err)
		}
		return &Solution{Language: lang, Source: data, Path: path}, nil
	}
	return nil, nil
}

// PutUploadReceipt persists the upload receipt atomically.
func (w *Workspace) PutUploadReceipt(r *Receipt) error {
	if r == nil {
		return fmt.Errorf("workspace: receipt must not be nil")
	}
	if err := os.MkdirAll(filepath.Join(w.dir, uploadDir), 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create upload dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: failed to marshal receipt: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.dir, uploadDir, receiptFile), data, 0o644)
}

// UploadReceipt returns the stored receipt when one exists for the given
// adapter, or (nil, nil) when there is none. A receipt from a different
// adapter does not count.
func (w *Workspace) UploadReceipt(adapter string) (*Receipt, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, uploadDir, receiptFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to read receipt: %w", err)
	}

	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("workspace: failed to parse receipt: %w", err)
	}
	if adapter != "" && r.Adapter != adapter {
		return nil, nil
	}
	return &r, nil
}

// RemoveUploadReceipt deletes the stored receipt, forcing the next upload to
// create or find the problem again. Absence is not an error.
func (w *Workspace) RemoveUploadReceipt() error {
	if err := os.Remove(filepath.Join(w.dir, uploadDir, receiptFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: failed to remove receipt: %w", err)
	}
	return nil
}

// Verdict records an accepted submission: which solution passed on which
// backend problem. Its presence for the current (adapter, real_id) pair is
// what lets a re-run skip the solve stage.
type Verdict struct {
	Adapter      string    `json:"adapter"`
	RealID       string    `json:"real_id"`
	Verdict      string    `json:"verdict"`
	Score        int       `json:"score,omitempty"`
	SubmissionID string    `json:"submission_id,omitempty"`
	JudgedAt     time.Time `json:"judged_at"`
}

// PutVerdict persists the solve outcome atomically to sol/verdict.json.
func (w *Workspace) PutVerdict(v *Verdict) error {
	if v == nil {
		return fmt.Errorf("workspace: verdict must not be nil")
	}
	if err := os.MkdirAll(filepath.Join(w.dir, solDir), 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create sol dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: failed to marshal verdict: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.dir, solDir, verdictFile), data, 0o644)
}

// SolveVerdict returns the stored verdict when it matches the given adapter
// and real id, or (nil, nil) otherwise. A verdict recorded against a
// different upload does not count: re-uploading invalidates the old solve.
func (w *Workspace) SolveVerdict(adapter, realID string) (*Verdict, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, solDir, verdictFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to read verdict: %w", err)
	}

	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("workspace: failed to parse verdict: %w", err)
	}
	if adapter != "" && v.Adapter != adapter {
		return nil, nil
	}
	if realID != "" && v.RealID != realID {
		return nil, nil
	}
	return &v, nil
}

// RemoveVerdict deletes sol/verdict.json. The solution files beside it stay:
// an accepted solution remains useful even when the solve is rerun against a
// fresh upload. Absence is not an error.
func (w *Workspace) RemoveVerdict() error {
	if err := os.Remove(filepath.Join(w.dir, solDir, verdictFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: failed to remove verdict: %w", err)
	}
	return nil
}

// AppendStageLog appends one timestamped line to logs/<stage>.log. Lines
// appear in call order; each problem is driven by a single runner goroutine.
func (w *Workspace) AppendStageLog(stage, message string) error {
	dir := filepath.Join(w.dir, logsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create logs dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, stage+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: failed to open stage log: %w", err)
	}
	defer f.Close()

	line := time.Now().UTC().Format(time.RFC3339) + " " + strings.TrimRight(message, "\n") + "\n"
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("workspace: failed to append stage log: %w", err)
	}
	return nil
}

// ReadStageLog returns the contents of logs/<stage>.log, empty when absent.
func (w *Workspace) ReadStageLog(stage string) (string, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, logsDir, stage+".log"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("workspace: failed to read stage log: %w", err)
	}
	return string(data), nil
}

// Remove deletes the entire workspace directory.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.dir)
}

// writeFileAtomic writes via a temp file and rename so readers never observe
// a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("workspace: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("workspace: failed to rename temp file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
