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

package errors_test

import (
	"context"
	"fmt"
	"testing"

	grindererrors "github.com/tombee/grinder/pkg/errors"
)

func TestKindRetryable(t *testing.T) {
	retryable := []grindererrors.Kind{
		grindererrors.KindTransientNetwork,
		grindererrors.KindRateLimited,
		grindererrors.KindTimeout,
		grindererrors.KindUpstream5xx,
	}
	terminal := []grindererrors.Kind{
		grindererrors.KindAuth,
		grindererrors.KindNotFound,
		grindererrors.KindParse,
		grindererrors.KindBadData,
		grindererrors.KindForbidden,
		grindererrors.KindDuplicate,
		grindererrors.KindGenInsufficient,
		grindererrors.KindSolveWrongAnswer,
		grindererrors.KindSolveRuntime,
		grindererrors.KindSolveCompile,
		grindererrors.KindUploadNoID,
		grindererrors.KindCancelled,
		grindererrors.KindInternal,
		grindererrors.StageExhausted("fetch"),
	}

	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("Kind(%s).Retryable() = false, want true", k)
		}
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("Kind(%s).Retryable() = true, want false", k)
		}
		if !k.Terminal() {
			t.Errorf("Kind(%s).Terminal() = false, want true", k)
		}
	}
}

func TestStageExhausted(t *testing.T) {
	k := grindererrors.StageExhausted("upload")
	if got, want := string(k), "stage_exhausted(upload)"; got != want {
		t.Errorf("StageExhausted() = %q, want %q", got, want)
	}
	if !grindererrors.IsStageExhausted(k) {
		t.Error("IsStageExhausted() = false, want true")
	}
	if grindererrors.IsStageExhausted(grindererrors.KindTimeout) {
		t.Error("IsStageExhausted(timeout) = true, want false")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want grindererrors.Kind
	}{
		{
			name: "stage error",
			err:  &grindererrors.StageError{Stage: "gen", Kind: grindererrors.KindGenInsufficient, Message: "2 of 10"},
			want: grindererrors.KindGenInsufficient,
		},
		{
			name: "wrapped adapter error",
			err:  fmt.Errorf("executing: %w", &grindererrors.AdapterError{Adapter: "a", Op: "op", Kind: grindererrors.KindRateLimited, Message: "429"}),
			want: grindererrors.KindRateLimited,
		},
		{
			name: "provider error",
			err:  &grindererrors.ProviderError{Provider: "deepseek", Kind: grindererrors.KindAuth, Message: "bad key"},
			want: grindererrors.KindAuth,
		},
		{
			name: "context cancelled",
			err:  context.Canceled,
			want: grindererrors.KindCancelled,
		},
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("calling: %w", context.DeadlineExceeded),
			want: grindererrors.KindTimeout,
		},
		{
			name: "not found",
			err:  &grindererrors.NotFoundError{Resource: "problem", ID: "p1"},
			want: grindererrors.KindNotFound,
		},
		{
			name: "plain error",
			err:  fmt.Errorf("boom"),
			want: grindererrors.KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := grindererrors.KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   grindererrors.Kind
	}{
		{401, grindererrors.KindAuth},
		{403, grindererrors.KindForbidden},
		{404, grindererrors.KindNotFound},
		{408, grindererrors.KindTimeout},
		{429, grindererrors.KindRateLimited},
		{500, grindererrors.KindUpstream5xx},
		{503, grindererrors.KindUpstream5xx},
		{400, grindererrors.KindBadData},
		{422, grindererrors.KindBadData},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			if got := grindererrors.KindFromStatus(tt.status); got != tt.want {
				t.Errorf("KindFromStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	ok := &grindererrors.AdapterError{Adapter: "a", Op: "op", Kind: grindererrors.KindTransientNetwork, Message: "reset"}
	if !grindererrors.IsRetryable(ok) {
		t.Error("IsRetryable(transient) = false, want true")
	}
	bad := &grindererrors.AdapterError{Adapter: "a", Op: "op", Kind: grindererrors.KindParse, Message: "html"}
	if grindererrors.IsRetryable(bad) {
		t.Error("IsRetryable(parse) = true, want false")
	}
}
