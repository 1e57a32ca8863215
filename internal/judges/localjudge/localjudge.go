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

// Package localjudge is a judge backend over a local directory tree.
// Problems live as statement.json files with flat <i>.in/<i>.ans test
// data beside them; uploads get sequential ids and submissions are judged
// by compiling and running the source against the stored cases. It backs
// offline deployments and the end-to-end suite.
package localjudge

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tombee/grinder/internal/toolchain"
	grinderrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/pkg/problem"
)

// Name is the registry key the adapter registers under.
const Name = "local"

// firstID is the id the sequence starts at, mirroring typical judge
// numbering so display ids look unsurprising.
const firstID = 1000

// Adapter implements every judge capability against a directory tree:
//
//	<root>/problems/<id>/statement.json
//	<root>/problems/<id>/data/<i>.in, <i>.ans
//	<root>/problems/<id>/solution.cpp|solution.py   (optional)
//	<root>/trainings/<name>.json                    ({"problems": [...]})
//	<root>/submissions/<id>.json
//	<root>/seq
type Adapter struct {
	root   string
	tc     *toolchain.Runner
	logger *slog.Logger

	// mu serializes id allocation and submission writes.
	mu sync.Mutex
}

var (
	_ judge.Fetcher          = (*Adapter)(nil)
	_ judge.BatchFetcher     = (*Adapter)(nil)
	_ judge.Uploader         = (*Adapter)(nil)
	_ judge.TitleSearcher    = (*Adapter)(nil)
	_ judge.Submitter        = (*Adapter)(nil)
	_ judge.StatusJudge      = (*Adapter)(nil)
	_ judge.TrainingLister   = (*Adapter)(nil)
	_ judge.SolutionProvider = (*Adapter)(nil)
	_ judge.URLMatcher       = (*Adapter)(nil)
)

// New opens (or creates) the tree at root. The toolchain runner judges
// submissions; without one, Submit returns an internal error but every
// other capability still works.
func New(root string, tc *toolchain.Runner, logger *slog.Logger) (*Adapter, error) {
	if root == "" {
		return nil, fmt.Errorf("localjudge: root directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{"problems", "trainings", "submissions"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("localjudge: failed to prepare %s: %w", dir, err)
		}
	}
	return &Adapter{root: root, tc: tc, logger: logger.With("component", "localjudge")}, nil
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) DisplayName() string { return "Local Judge" }
func (a *Adapter) Version() string     { return "1" }

func (a *Adapter) Capabilities() []judge.Capability {
	return []judge.Capability{
		judge.CapFetch,
		judge.CapBatchFetch,
		judge.CapUpload,
		judge.CapSubmit,
		judge.CapJudgeStatus,
		judge.CapListTraining,
		judge.CapProvideSolution,
	}
}

// ConfigSchema is empty: the backend is the local filesystem and needs no
// credentials.
func (a *Adapter) ConfigSchema() []judge.ConfigField { return nil }

// SupportsURL claims local:// problem URLs.
func (a *Adapter) SupportsURL(raw string) bool {
	return strings.HasPrefix(raw, "local://")
}

func (a *Adapter) problemDir(id string) string {
	return filepath.Join(a.root, "problems", id)
}

// FetchProblem reads a stored statement.
func (a *Adapter) FetchProblem(ctx context.Context, cx judge.Context, id string) (*problem.Statement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(a.problemDir(id), "statement.json"))
	if os.IsNotExist(err) {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "fetch_problem", Kind: grinderrors.KindNotFound,
			Message: fmt.Sprintf("problem %s does not exist", id),
		}
	}
	if err != nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "fetch_problem", Kind: grinderrors.KindInternal,
			Message: "failed to read statement", Cause: err,
		}
	}
	var st problem.Statement
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "fetch_problem", Kind: grinderrors.KindParse,
			Message: "statement is not valid JSON", Cause: err,
		}
	}
	return &st, nil
}

// FetchProblems reads several statements; missing ids are simply absent
// from the result.
func (a *Adapter) FetchProblems(ctx context.Context, cx judge.Context, ids []string) (map[string]*problem.Statement, error) {
	out := make(map[string]*problem.Statement, len(ids))
	for _, id := range ids {
		st, err := a.FetchProblem(ctx, cx, id)
		if err != nil {
			var ae *grinderrors.AdapterError
			if grinderrors.As(err, &ae) && ae.Kind == grinderrors.KindNotFound {
				continue
			}
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

// UploadProblem assigns the next sequential id, writes the statement and
// unpacks the test data archive. SuggestedID is ignored; this backend
// numbers its own problems.
func (a *Adapter) UploadProblem(ctx context.Context, cx judge.Context, req judge.UploadRequest) (*judge.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Statement == nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "upload_problem", Kind: grinderrors.KindBadData,
			Message: "upload request has no statement",
		}
	}

	st := *req.Statement
	if req.Title != "" {
		st.Title = req.Title
	}

	id, err := a.nextID()
	if err != nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "upload_problem", Kind: grinderrors.KindInternal,
			Message: "id allocation failed", Cause: err,
		}
	}

	dir := a.problemDir(id)
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "upload_problem", Kind: grinderrors.KindInternal,
			Message: "failed to create problem directory", Cause: err,
		}
	}

	raw, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "upload_problem", Kind: grinderrors.KindInternal,
			Message: "failed to encode statement", Cause: err,
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "statement.json"), raw, 0o644); err != nil {
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "upload_problem", Kind: grinderrors.KindInternal,
			Message: "failed to write statement", Cause: err,
		}
	}

	if len(req.DataZip) > 0 {
		if err := unpackData(req.DataZip, filepath.Join(dir, "data")); err != nil {
			return nil, &grinderrors.AdapterError{
				Adapter: Name, Op: "upload_problem", Kind: grinderrors.KindBadData,
				Message: "failed to unpack test data", Cause: err,
			}
		}
	}

	rawResp, _ := json.Marshal(map[string]string{"id": id})
	return &judge.UploadResult{
		RealID: id,
		URL:    "local://problem/" + id,
		Raw:    rawResp,
	}, nil
}

// nextID bumps the persistent sequence file.
func (a *Adapter) nextID() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seqPath := filepath.Join(a.root, "seq")
	next := firstID
	if raw, err := os.ReadFile(seqPath); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && n >= firstID {
			next = n + 1
		}
	}
	if err := os.WriteFile(seqPath, []byte(strconv.Itoa(next)), 0o644); err != nil {
		return "", err
	}
	return strconv.Itoa(next), nil
}

// unpackData extracts a flat archive of <i>.in/<i>.ans entries. Nested or
// traversing entry names are rejected.
func unpackData(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("not a zip archive: %w", err)
	}
	for _, f := range zr.File {
		name := f.Name
		if name != filepath.Base(name) || strings.Contains(name, "..") {
			return fmt.Errorf("archive entry %q is not a flat file", name)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open entry %s: %w", name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to read entry %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return fmt.Errorf("failed to write entry %s: %w", name, err)
		}
	}
	return nil
}

// SearchByTitle scans every stored statement for an exact normalized
// title match, ids ascending.
func (a *Adapter) SearchByTitle(ctx context.Context, cx judge.Context, title string) ([]judge.FoundProblem, error) {
	ids, err := a.listProblemIDs()
	if err != nil {
		return nil, err
	}

	var found []judge.FoundProblem
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := a.FetchProblem(ctx, cx, id)
		if err != nil {
			continue
		}
		if problem.TitlesEqual(st.Title, title) {
			found = append(found, judge.FoundProblem{
				ID:    id,
				Title: st.Title,
				URL:   "local://problem/" + id,
			})
		}
	}
	return found, nil
}

// ListTrainingProblems expands a selector: ID reads a stored training
// list, Range selects existing ids inside "lo-hi", Tag matches statement
// tags.
func (a *Adapter) ListTrainingProblems(ctx context.Context, cx judge.Context, sel judge.TrainingSelector) ([]string, error) {
	switch {
	case sel.ID != "":
		raw, err := os.ReadFile(filepath.Join(a.root, "trainings", sel.ID+".json"))
		if os.IsNotExist(err) {
			return nil, &grinderrors.AdapterError{
				Adapter: Name, Op: "list_training", Kind: grinderrors.KindNotFound,
				Message: fmt.Sprintf("training %s does not exist", sel.ID),
			}
		}
		if err != nil {
			return nil, err
		}
		var tl struct {
			Problems []string `json:"problems"`
		}
		if err := json.Unmarshal(raw, &tl); err != nil {
			return nil, &grinderrors.AdapterError{
				Adapter: Name, Op: "list_training", Kind: grinderrors.KindParse,
				Message: "training list is not valid JSON", Cause: err,
			}
		}
		return tl.Problems, nil

	case sel.Range != "":
		lo, hi, err := parseRange(sel.Range)
		if err != nil {
			return nil, &grinderrors.AdapterError{
				Adapter: Name, Op: "list_training", Kind: grinderrors.KindBadData,
				Message: err.Error(),
			}
		}
		ids, err := a.listProblemIDs()
		if err != nil {
			return nil, err
		}
		var out []string
		for _, id := range ids {
			if n, err := strconv.Atoi(id); err == nil && n >= lo && n <= hi {
				out = append(out, id)
			}
		}
		return out, nil

	case sel.Tag != "":
		ids, err := a.listProblemIDs()
		if err != nil {
			return nil, err
		}
		var out []string
		for _, id := range ids {
			st, err := a.FetchProblem(ctx, cx, id)
			if err != nil {
				continue
			}
			for _, tag := range st.Tags {
				if tag == sel.Tag {
					out = append(out, id)
					break
				}
			}
		}
		return out, nil

	default:
		return nil, &grinderrors.AdapterError{
			Adapter: Name, Op: "list_training", Kind: grinderrors.KindBadData,
			Message: "training selector needs an id, tag or range",
		}
	}
}

// ProvideSolution returns a stored official solution, nil when none exists.
func (a *Adapter) ProvideSolution(ctx context.Context, cx judge.Context, id string) (*judge.ProvidedSolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, cand := range []struct{ file, lang string }{
		{"solution.cpp", "cpp"},
		{"solution.py", "python"},
	} {
		raw, err := os.ReadFile(filepath.Join(a.problemDir(id), cand.file))
		if err == nil {
			return &judge.ProvidedSolution{Language: cand.lang, Source: string(raw)}, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, nil
}

// listProblemIDs returns stored problem ids, numerically ascending where
// possible.
func (a *Adapter) listProblemIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.root, "problems"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// parseRange parses "lo-hi" with lo <= hi.
func parseRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("range %q is not lo-hi", s)
	}
	a, errA := strconv.Atoi(strings.TrimSpace(lo))
	b, errB := strconv.Atoi(strings.TrimSpace(hi))
	if errA != nil || errB != nil || a > b {
		return 0, 0, fmt.Errorf("range %q is not lo-hi", s)
	}
	return a, b, nil
}
