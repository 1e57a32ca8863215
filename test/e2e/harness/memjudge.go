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
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/tombee/grinder/pkg/judge"
)

// MemJudgeName is the registry key the in-memory judge registers under.
const MemJudgeName = "mem"

// UploadBehavior selects how UploadProblem reports the created problem.
type UploadBehavior int

const (
	// UploadReportsID names the problem directly in the result.
	UploadReportsID UploadBehavior = iota
	// UploadRawBodyID leaves RealID empty; the id hides in the raw
	// response body under data.pid.
	UploadRawBodyID
	// UploadAcksOnly acknowledges with an empty body; the id is only
	// recoverable through a title search.
	UploadAcksOnly
)

type memProblem struct {
	id    string
	title string
}

// MemJudge is an in-memory upload/submit backend for exercising the
// pipeline's target-side behavior without touching the filesystem.
type MemJudge struct {
	mu          sync.Mutex
	nextID      int
	problems    []memProblem
	uploads     int
	submits     int
	behavior    UploadBehavior
	verdict     judge.Verdict
	submissions map[string]judge.Verdict
}

var (
	_ judge.Uploader      = (*MemJudge)(nil)
	_ judge.TitleSearcher = (*MemJudge)(nil)
	_ judge.Submitter     = (*MemJudge)(nil)
	_ judge.StatusJudge   = (*MemJudge)(nil)
)

// NewMemJudge returns an empty backend that accepts every submission.
func NewMemJudge() *MemJudge {
	return &MemJudge{
		nextID:      5000,
		verdict:     judge.VerdictAccepted,
		submissions: make(map[string]judge.Verdict),
	}
}

func (m *MemJudge) Name() string        { return MemJudgeName }
func (m *MemJudge) DisplayName() string { return "In-Memory Judge" }
func (m *MemJudge) Version() string     { return "1" }

func (m *MemJudge) Capabilities() []judge.Capability {
	return []judge.Capability{judge.CapUpload, judge.CapSubmit, judge.CapJudgeStatus}
}

func (m *MemJudge) ConfigSchema() []judge.ConfigField { return nil }

// SetUploadBehavior selects how subsequent uploads report their id.
func (m *MemJudge) SetUploadBehavior(b UploadBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behavior = b
}

// SetVerdict fixes the verdict every future submission receives.
func (m *MemJudge) SetVerdict(v judge.Verdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdict = v
}

// Uploads returns how many UploadProblem calls arrived.
func (m *MemJudge) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Submits returns how many Submit calls arrived.
func (m *MemJudge) Submits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

func (m *MemJudge) UploadProblem(ctx context.Context, cx judge.Context, req judge.UploadRequest) (*judge.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Statement == nil {
		return nil, fmt.Errorf("memjudge: upload request has no statement")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	id := strconv.Itoa(m.nextID)
	m.nextID++
	m.problems = append(m.problems, memProblem{id: id, title: req.Title})

	switch m.behavior {
	case UploadRawBodyID:
		raw, _ := json.Marshal(map[string]any{"data": map[string]string{"pid": id}})
		return &judge.UploadResult{Raw: raw}, nil
	case UploadAcksOnly:
		return &judge.UploadResult{Raw: json.RawMessage(`{}`)}, nil
	default:
		raw, _ := json.Marshal(map[string]string{"id": id})
		return &judge.UploadResult{
			RealID: id,
			URL:    "mem://problem/" + id,
			Raw:    raw,
		}, nil
	}
}

func (m *MemJudge) SearchByTitle(ctx context.Context, cx judge.Context, title string) ([]judge.FoundProblem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []judge.FoundProblem
	for _, p := range m.problems {
		if p.title == title {
			found = append(found, judge.FoundProblem{
				ID:    p.id,
				Title: p.title,
				URL:   "mem://problem/" + p.id,
			})
		}
	}
	return found, nil
}

func (m *MemJudge) Submit(ctx context.Context, cx judge.Context, req judge.SubmitRequest) (*judge.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	id := "sub-" + strconv.Itoa(m.submits)
	m.submissions[id] = m.verdict
	return &judge.Submission{ID: id, Language: req.Language}, nil
}

func (m *MemJudge) SubmissionStatus(ctx context.Context, cx judge.Context, sub judge.Submission) (*judge.JudgeStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.submissions[sub.ID]
	if !ok {
		return nil, fmt.Errorf("memjudge: unknown submission %s", sub.ID)
	}
	status := &judge.JudgeStatus{Verdict: v}
	if v == judge.VerdictAccepted {
		status.Score = 100
	}
	return status, nil
}
