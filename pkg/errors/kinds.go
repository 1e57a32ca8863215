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

package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every failure the engine distinguishes. Stage executors
// attach a Kind to each error they surface; the pipeline runner uses it to
// decide between automatic retry and a terminal failure state.
type Kind string

const (
	// Retryable transport failures.
	KindTransientNetwork Kind = "transient_network"
	KindRateLimited      Kind = "rate_limited"
	KindTimeout          Kind = "timeout"
	KindUpstream5xx      Kind = "upstream_5xx"

	// Non-retryable input failures.
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not_found"
	KindParse     Kind = "parse"
	KindBadData   Kind = "bad_data"
	KindForbidden Kind = "forbidden"

	// Semantic terminal outcomes.
	KindDuplicate        Kind = "duplicate"
	KindGenInsufficient  Kind = "gen_insufficient"
	KindSolveWrongAnswer Kind = "solve_wrong_answer"
	KindSolveRuntime     Kind = "solve_runtime"
	KindSolveCompile     Kind = "solve_compile"
	KindUploadNoID       Kind = "upload_no_id"
	KindBadResponse      Kind = "bad_response"

	// Infrastructure.
	KindCancelled Kind = "cancelled"
	KindInternal  Kind = "internal"
)

// StageExhausted returns the kind recorded when a stage's retry budget is
// spent, e.g. "stage_exhausted(fetch)".
func StageExhausted(stage string) Kind {
	return Kind(fmt.Sprintf("stage_exhausted(%s)", stage))
}

// IsStageExhausted reports whether k is a stage_exhausted(X) kind.
func IsStageExhausted(k Kind) bool {
	return strings.HasPrefix(string(k), "stage_exhausted(")
}

// Retryable reports whether the runner may automatically retry an error of
// this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindTimeout, KindUpstream5xx:
		return true
	default:
		return false
	}
}

// Terminal reports whether an error of this kind ends the stage outright:
// either a semantic outcome (wrong answer, duplicate, ...) or infrastructure
// (cancelled). Non-retryable input errors are terminal too.
func (k Kind) Terminal() bool {
	return !k.Retryable()
}

// KindOf extracts the Kind from an error chain. Typed errors carry their own
// kind; context errors map to cancelled/timeout; everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var classified Classified
	if errors.As(err, &classified) {
		return classified.ErrorKind()
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return KindNotFound
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return KindBadData
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	return KindInternal
}

// IsRetryable reports whether err classifies as automatically retryable.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// KindFromStatus maps an upstream HTTP status code to a Kind. Used by
// adapters and LLM providers when no richer signal is available.
func KindFromStatus(status int) Kind {
	switch {
	case status == 401:
		return KindAuth
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status == 408:
		return KindTimeout
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUpstream5xx
	case status >= 400:
		return KindBadData
	default:
		return KindInternal
	}
}
