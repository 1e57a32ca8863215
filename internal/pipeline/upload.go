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
	"fmt"
	"strings"
	"time"

	"github.com/tombee/grinder/internal/jq"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/workspace"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
	"github.com/tombee/grinder/pkg/problem"
)

// realIDQueries are tried in order against a backend's raw upload
// response when the adapter did not surface the created problem's id.
var realIDQueries = []string{".pid", ".id", ".data.pid", ".data.id"}

// runUpload creates the problem on the target backend with the generated
// test data attached. A problem whose exact title already exists on the
// backend is reused instead of duplicated.
func runUpload(ctx context.Context, p *ProblemCtx) error {
	adapter, err := p.Registry.Resolve(p.Target, judge.CapUpload)
	if err != nil {
		return &grindererrors.StageError{
			Stage:   StageUpload,
			Kind:    grindererrors.KindNotFound,
			Message: fmt.Sprintf("no upload adapter for %q", p.Target),
			Cause:   err,
		}
	}
	uploader, ok := adapter.(judge.Uploader)
	if !ok {
		return &grindererrors.StageError{
			Stage:   StageUpload,
			Kind:    grindererrors.KindInternal,
			Message: fmt.Sprintf("adapter %q declares upload but does not implement it", adapter.Name()),
		}
	}

	st, err := p.WS.ReadStatement()
	if err != nil {
		return &grindererrors.StageError{
			Stage: StageUpload, Kind: grindererrors.KindBadData,
			Message: "upload requires a fetched statement", Cause: err,
		}
	}
	if !p.WS.HasGeneratedData() {
		return &grindererrors.StageError{
			Stage: StageUpload, Kind: grindererrors.KindBadData,
			Message: "upload requires generated test data",
		}
	}

	if found := p.searchExisting(ctx, adapter, st.Title); found != nil {
		p.logf(StageUpload, "found existing problem %s by title, reusing it", found.ID)
		return p.recordUpload(ctx, found.ID, found.URL)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	zipData, err := p.WS.TestDataZip()
	if err != nil {
		return &grindererrors.StageError{
			Stage: StageUpload, Kind: grindererrors.KindBadData,
			Message: "packaging test data", Cause: err,
		}
	}
	req := judge.UploadRequest{
		Title:       st.Title,
		Statement:   st,
		DataZip:     zipData,
		SuggestedID: p.Problem.ShortID,
	}

	cx := p.judgeCx()
	var lastErr error
	for {
		attempt, err := p.bumpAttempt(ctx, StageUpload)
		if err != nil {
			return err
		}
		p.logf(StageUpload, "attempt %d: uploading %q to %s (%d bytes of data)",
			attempt, st.Title, p.Target, len(zipData))

		res, err := uploader.UploadProblem(ctx, cx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			kind := grindererrors.KindOf(err)
			if kind == grindererrors.KindDuplicate {
				if found := p.searchExisting(ctx, adapter, st.Title); found != nil {
					p.logf(StageUpload, "backend reported a duplicate, reusing problem %s", found.ID)
					return p.recordUpload(ctx, found.ID, found.URL)
				}
				return &grindererrors.StageError{
					Stage:   StageUpload,
					Kind:    grindererrors.KindDuplicate,
					Message: "backend reported a duplicate but no matching title was found",
					Attempt: attempt,
					Cause:   err,
				}
			}
			if !kind.Retryable() {
				return &grindererrors.StageError{
					Stage: StageUpload, Kind: kind,
					Message: err.Error(), Attempt: attempt, Cause: err,
				}
			}
			if attempt >= maxStageAttempts {
				return exhausted(StageUpload, attempt, lastErr)
			}
			wait := time.Duration(attempt) * p.waits.uploadUnit
			p.logf(StageUpload, "attempt %d failed (%s), retrying in %s", attempt, kind, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		realID := res.RealID
		if realID == "" && len(res.Raw) > 0 {
			if v, ok := p.extractRealID(ctx, res.Raw); ok {
				p.logf(StageUpload, "real id %s recovered from response body", v)
				realID = v
			}
		}
		if realID == "" {
			if found := p.searchExisting(ctx, adapter, st.Title); found != nil {
				p.logf(StageUpload, "real id %s recovered by title search", found.ID)
				realID = found.ID
				if res.URL == "" {
					res.URL = found.URL
				}
			}
		}
		if realID == "" {
			if r, rerr := p.WS.UploadReceipt(p.Target); rerr == nil && r != nil {
				p.logf(StageUpload, "real id %s recovered from a prior receipt", r.RealID)
				realID = r.RealID
			}
		}
		if realID == "" {
			return &grindererrors.StageError{
				Stage:   StageUpload,
				Kind:    grindererrors.KindUploadNoID,
				Message: "backend did not name the created problem",
				Attempt: attempt,
			}
		}

		if err := p.recordUpload(ctx, realID, res.URL); err != nil {
			return err
		}
		p.freshUpload = true
		return nil
	}
}

// recordUpload persists the upload outcome. The workspace receipt is
// written before the problem row; the receipt is the skip oracle.
func (p *ProblemCtx) recordUpload(ctx context.Context, realID, url string) error {
	if url == "" {
		url = p.uploadedURL(ctx, realID)
	}
	receipt := &workspace.Receipt{
		Adapter:    p.Target,
		RealID:     realID,
		URL:        url,
		UploadedAt: time.Now().UTC(),
	}
	if err := p.WS.PutUploadReceipt(receipt); err != nil {
		return &grindererrors.StageError{
			Stage: StageUpload, Kind: grindererrors.KindInternal,
			Message: "writing upload receipt", Cause: err,
		}
	}
	err := p.Store.UpdateProblem(ctx, p.Problem.ID, p.Worker, store.ProblemUpdate{
		RealID:      &realID,
		UploadedURL: &url,
	})
	if err != nil {
		return fmt.Errorf("recording upload result: %w", err)
	}
	p.Problem.RealID = realID
	p.Problem.UploadedURL = url
	p.logf(StageUpload, "uploaded as %s (%s)", realID, url)
	return nil
}

// searchExisting looks for a problem with the same normalized title on
// the target. Search failures count as no match.
func (p *ProblemCtx) searchExisting(ctx context.Context, adapter judge.Adapter, title string) *judge.FoundProblem {
	searcher, ok := adapter.(judge.TitleSearcher)
	if !ok {
		return nil
	}
	found, err := searcher.SearchByTitle(ctx, p.judgeCx(), title)
	if err != nil {
		p.logf(StageUpload, "title search failed: %v", err)
		return nil
	}
	for i := range found {
		if problem.TitlesEqual(found[i].Title, title) {
			return &found[i]
		}
	}
	return nil
}

// extractRealID runs the fallback jq queries over the raw response body.
func (p *ProblemCtx) extractRealID(ctx context.Context, raw json.RawMessage) (string, bool) {
	return jq.NewExecutor(0, 0).FirstString(ctx, raw, realIDQueries...)
}

// uploadedURL derives a browsable URL from the adapter credentials when
// the backend declared none. The base_url may already carry the
// /d/<domain> suffix.
func (p *ProblemCtx) uploadedURL(ctx context.Context, realID string) string {
	cfg, err := p.judgeCx().Config(ctx, p.Target)
	if err != nil {
		return ""
	}
	base := strings.TrimRight(cfg["base_url"], "/")
	if base == "" {
		return ""
	}
	domain := cfg["domain"]
	if domain == "" {
		return base + "/p/" + realID
	}
	base = strings.TrimSuffix(base, "/d/"+domain)
	return fmt.Sprintf("%s/d/%s/p/%s", base, domain, realID)
}
