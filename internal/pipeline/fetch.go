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
	"fmt"

	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/judge"
)

// runFetch pulls the problem statement from the source adapter and writes
// it into the workspace. Only transient transport failures retry; a
// statement the backend does not have, cannot be parsed, or rejects the
// caller's credentials fails immediately.
func runFetch(ctx context.Context, p *ProblemCtx) error {
	adapter, err := p.Registry.Resolve(p.Problem.SourceAdapter, judge.CapFetch)
	if err != nil {
		return &grindererrors.StageError{
			Stage:   StageFetch,
			Kind:    grindererrors.KindNotFound,
			Message: fmt.Sprintf("no fetch adapter for %q", p.Problem.SourceAdapter),
			Cause:   err,
		}
	}
	fetcher, ok := adapter.(judge.Fetcher)
	if !ok {
		return &grindererrors.StageError{
			Stage:   StageFetch,
			Kind:    grindererrors.KindInternal,
			Message: fmt.Sprintf("adapter %q declares fetch but does not implement it", adapter.Name()),
		}
	}

	cx := p.judgeCx()
	var lastErr error
	for {
		attempt, err := p.bumpAttempt(ctx, StageFetch)
		if err != nil {
			return err
		}
		p.logf(StageFetch, "attempt %d: fetching %s from %s",
			attempt, p.Problem.ShortID, p.Problem.SourceAdapter)

		st, err := fetcher.FetchProblem(ctx, cx, p.Problem.ShortID)
		if err == nil && (st == nil || st.Title == "") {
			err = &grindererrors.StageError{
				Stage:   StageFetch,
				Kind:    grindererrors.KindParse,
				Message: "adapter returned an empty statement",
				Attempt: attempt,
			}
		}
		if err == nil {
			if werr := p.WS.WriteStatement(st); werr != nil {
				return &grindererrors.StageError{
					Stage:   StageFetch,
					Kind:    grindererrors.KindInternal,
					Message: "writing statement to workspace",
					Attempt: attempt,
					Cause:   werr,
				}
			}
			p.logf(StageFetch, "fetched %q (%d samples)", st.Title, len(st.Samples))
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		kind := grindererrors.KindOf(err)
		if !kind.Retryable() {
			return &grindererrors.StageError{
				Stage:   StageFetch,
				Kind:    kind,
				Message: err.Error(),
				Attempt: attempt,
				Cause:   err,
			}
		}
		if attempt >= maxStageAttempts {
			return exhausted(StageFetch, attempt, lastErr)
		}

		// 1s, 2s, 4s with jitter.
		wait := jittered(p.waits.fetchBase<<(attempt-1), 0.25)
		p.logf(StageFetch, "attempt %d failed (%s), retrying in %s", attempt, kind, wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}
