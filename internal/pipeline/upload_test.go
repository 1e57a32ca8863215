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

package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
)

func seedForUpload(t *testing.T, p *ProblemCtx) {
	t.Helper()
	seedStatement(t, p)
	seedCases(t, p, 3)
}

func TestUploadHappyPath(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	var got judge.UploadRequest
	e.adapter.upload = func(_ context.Context, _ judge.Context, req judge.UploadRequest) (*judge.UploadResult, error) {
		got = req
		return &judge.UploadResult{RealID: "P999", URL: "http://judge.example/p/P999"}, nil
	}

	require.NoError(t, runUpload(context.Background(), p))

	assert.Equal(t, "A + B Problem", got.Title)
	assert.Equal(t, "123", got.SuggestedID)
	assert.NotEmpty(t, got.DataZip)

	rec, err := p.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "P999", rec.RealID)
	assert.Equal(t, "http://judge.example/p/P999", rec.URL)
	assert.False(t, rec.UploadedAt.IsZero())

	row, err := e.store.GetProblem(context.Background(), p.Problem.ID)
	require.NoError(t, err)
	assert.Equal(t, "P999", row.RealID)
	assert.Equal(t, "http://judge.example/p/P999", row.UploadedURL)

	assert.True(t, p.freshUpload)
	assert.Equal(t, 1, e.adapter.Calls("upload"))
}

func TestUploadReusesExistingProblem(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	e.adapter.search = func(_ context.Context, _ judge.Context, title string) ([]judge.FoundProblem, error) {
		assert.Equal(t, "A + B Problem", title)
		return []judge.FoundProblem{
			{ID: "P1", Title: "A  +  B   Problem", URL: "http://judge.example/p/P1"},
		}, nil
	}

	require.NoError(t, runUpload(context.Background(), p))

	// Title matching collapses whitespace, so the hit counts.
	rec, err := p.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "P1", rec.RealID)

	assert.Zero(t, e.adapter.Calls("upload"))
	// Reuse does not pause solve for data ingestion.
	assert.False(t, p.freshUpload)
}

func TestUploadRequiresStatement(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)

	err := runUpload(context.Background(), p)
	se := stageError(t, err)
	assert.Equal(t, grindererrors.KindBadData, se.Kind)
	assert.Zero(t, e.adapter.Calls("upload"))
}

func TestUploadRequiresGeneratedData(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedStatement(t, p)

	err := runUpload(context.Background(), p)
	se := stageError(t, err)
	assert.Equal(t, grindererrors.KindBadData, se.Kind)
	assert.Zero(t, e.adapter.Calls("upload"))
}

func TestUploadDuplicateFallsBackToSearch(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	searches := 0
	e.adapter.search = func(context.Context, judge.Context, string) ([]judge.FoundProblem, error) {
		searches++
		if searches == 1 {
			return nil, nil
		}
		return []judge.FoundProblem{{ID: "P5", Title: "A + B Problem"}}, nil
	}
	e.adapter.upload = func(context.Context, judge.Context, judge.UploadRequest) (*judge.UploadResult, error) {
		return nil, &grindererrors.AdapterError{
			Adapter: "shsoj", Op: "upload_problem",
			Kind: grindererrors.KindDuplicate, Message: "problem already exists",
		}
	}

	require.NoError(t, runUpload(context.Background(), p))

	rec, err := p.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "P5", rec.RealID)
	assert.Equal(t, 1, e.adapter.Calls("upload"))
	assert.Equal(t, 2, searches)
}

func TestUploadDuplicateWithoutMatchFails(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	e.adapter.upload = func(context.Context, judge.Context, judge.UploadRequest) (*judge.UploadResult, error) {
		return nil, &grindererrors.AdapterError{
			Adapter: "shsoj", Op: "upload_problem",
			Kind: grindererrors.KindDuplicate, Message: "problem already exists",
		}
	}

	err := runUpload(context.Background(), p)
	se := stageError(t, err)
	assert.Equal(t, grindererrors.KindDuplicate, se.Kind)
	assert.Equal(t, 1, e.adapter.Calls("upload"))
}

func TestUploadRecoversRealIDFromResponseBody(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	e.adapter.upload = func(context.Context, judge.Context, judge.UploadRequest) (*judge.UploadResult, error) {
		return &judge.UploadResult{Raw: json.RawMessage(`{"data":{"pid":"P777"}}`)}, nil
	}

	require.NoError(t, runUpload(context.Background(), p))

	rec, err := p.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "P777", rec.RealID)
}

func TestUploadRecoversRealIDBySearch(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	searches := 0
	e.adapter.search = func(context.Context, judge.Context, string) ([]judge.FoundProblem, error) {
		searches++
		if searches == 1 {
			return nil, nil
		}
		return []judge.FoundProblem{
			{ID: "P8", Title: "A + B Problem", URL: "http://judge.example/p/P8"},
		}, nil
	}
	e.adapter.upload = func(context.Context, judge.Context, judge.UploadRequest) (*judge.UploadResult, error) {
		return &judge.UploadResult{}, nil
	}

	require.NoError(t, runUpload(context.Background(), p))

	rec, err := p.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "P8", rec.RealID)
	assert.Equal(t, "http://judge.example/p/P8", rec.URL)
}

func TestUploadWithoutAnyRealIDFails(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	e.adapter.upload = func(context.Context, judge.Context, judge.UploadRequest) (*judge.UploadResult, error) {
		return &judge.UploadResult{}, nil
	}

	err := runUpload(context.Background(), p)
	se := stageError(t, err)
	assert.Equal(t, grindererrors.KindUploadNoID, se.Kind)

	rec, err := p.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUploadRetriesTransientErrors(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	calls := 0
	e.adapter.upload = func(context.Context, judge.Context, judge.UploadRequest) (*judge.UploadResult, error) {
		calls++
		if calls < 3 {
			return nil, &grindererrors.AdapterError{
				Adapter: "shsoj", Op: "upload_problem",
				Kind: grindererrors.KindUpstream5xx, StatusCode: 503, Message: "overloaded",
			}
		}
		return &judge.UploadResult{RealID: "P2"}, nil
	}

	require.NoError(t, runUpload(context.Background(), p))

	assert.Equal(t, 3, e.adapter.Calls("upload"))
	assert.Equal(t, 3, p.Problem.UploadAttempts)
}

func TestUploadDerivesURLFromCredentials(t *testing.T) {
	e := newTestEnv(t)
	p := e.problemCtx(t)
	seedForUpload(t, p)

	ctx := context.Background()
	require.NoError(t, e.store.SaveAdapterConfig(ctx, e.userID, "shsoj", map[string]string{
		"base_url": "https://oj.example/d/school/",
		"domain":   "school",
	}))

	e.adapter.upload = func(context.Context, judge.Context, judge.UploadRequest) (*judge.UploadResult, error) {
		return &judge.UploadResult{RealID: "P3"}, nil
	}

	require.NoError(t, runUpload(ctx, p))

	rec, err := p.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://oj.example/d/school/p/P3", rec.URL)
}

// Two users drive the same adapter instance at the same time. Each
// call resolves the caller's own stored credentials, so neither
// receipt can pick up the other user's domain.
func TestUploadResolvesCredentialsPerUser(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	alice := e.problemCtx(t)
	seedForUpload(t, alice)
	bob := e.secondUserCtx(t, "bob")
	seedForUpload(t, bob)

	require.NoError(t, e.store.SaveAdapterConfig(ctx, alice.UserID, "shsoj", map[string]string{
		"base_url": "https://oj.example/d/school/",
		"domain":   "school",
	}))
	require.NoError(t, e.store.SaveAdapterConfig(ctx, bob.UserID, "shsoj", map[string]string{
		"base_url": "https://oj.example/d/club/",
		"domain":   "club",
	}))

	// The adapter answers with an id derived from whatever credentials
	// the per-call context resolves.
	e.adapter.upload = func(ctx context.Context, cx judge.Context, _ judge.UploadRequest) (*judge.UploadResult, error) {
		cfg, err := cx.Config(ctx, "shsoj")
		if err != nil {
			return nil, err
		}
		return &judge.UploadResult{RealID: "P-" + cfg["domain"]}, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, p := range []*ProblemCtx{alice, bob} {
		wg.Add(1)
		go func(p *ProblemCtx) {
			defer wg.Done()
			errs <- runUpload(ctx, p)
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	aliceRec, err := alice.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	require.NotNil(t, aliceRec)
	assert.Equal(t, "P-school", aliceRec.RealID)
	assert.Equal(t, "https://oj.example/d/school/p/P-school", aliceRec.URL)

	bobRec, err := bob.WS.UploadReceipt("shsoj")
	require.NoError(t, err)
	require.NotNil(t, bobRec)
	assert.Equal(t, "P-club", bobRec.RealID)
	assert.Equal(t, "https://oj.example/d/club/p/P-club", bobRec.URL)
}
