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
	"errors"
	"fmt"
	"testing"
	"time"

	grindererrors "github.com/tombee/grinder/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *grindererrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &grindererrors.ValidationError{
				Field:      "problem_ids",
				Message:    "at least one problem id is required",
				Suggestion: "Pass one or more problem refs",
			},
			wantMsg: "validation failed on problem_ids: at least one problem id is required",
		},
		{
			name: "without field",
			err: &grindererrors.ValidationError{
				Message: "invalid format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &grindererrors.NotFoundError{Resource: "task", ID: "t-42"}
	if got, want := err.Error(), "task not found: t-42"; got != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestAdapterError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *grindererrors.AdapterError
		wantMsg string
	}{
		{
			name: "with status",
			err: &grindererrors.AdapterError{
				Adapter:    "hydrooj",
				Op:         "upload_data",
				Kind:       grindererrors.KindUpstream5xx,
				StatusCode: 502,
				Message:    "bad gateway",
			},
			wantMsg: "adapter hydrooj: upload_data [HTTP 502]: upstream_5xx: bad gateway",
		},
		{
			name: "without status",
			err: &grindererrors.AdapterError{
				Adapter: "localjudge",
				Op:      "fetch_problem",
				Kind:    grindererrors.KindNotFound,
				Message: "no such problem",
			},
			wantMsg: "adapter localjudge: fetch_problem: not_found: no such problem",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("AdapterError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestStageError_Error(t *testing.T) {
	err := &grindererrors.StageError{
		Stage:   "solve",
		Kind:    grindererrors.KindSolveWrongAnswer,
		Message: "submission rejected",
		Verdict: "wrong_answer",
	}
	want := "stage solve: solve_wrong_answer: submission rejected (verdict: wrong_answer)"
	if got := err.Error(); got != want {
		t.Errorf("StageError.Error() = %q, want %q", got, want)
	}
}

func TestUnwrapChains(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
	}{
		{"adapter", &grindererrors.AdapterError{Adapter: "a", Op: "op", Kind: grindererrors.KindTransientNetwork, Message: "m", Cause: cause}},
		{"provider", &grindererrors.ProviderError{Provider: "deepseek", Kind: grindererrors.KindTransientNetwork, Message: "m", Cause: cause}},
		{"stage", &grindererrors.StageError{Stage: "fetch", Kind: grindererrors.KindTransientNetwork, Message: "m", Cause: cause}},
		{"config", &grindererrors.ConfigError{Key: "k", Reason: "r", Cause: cause}},
		{"timeout", &grindererrors.TimeoutError{Operation: "op", Duration: time.Second, Cause: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, cause) {
				t.Errorf("errors.Is(%T, cause) = false, want true", tt.err)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if got := grindererrors.Wrap(nil, "context"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}

	base := errors.New("boom")
	wrapped := grindererrors.Wrapf(base, "loading %s", "file.json")
	if want := "loading file.json: boom"; wrapped.Error() != want {
		t.Errorf("Wrapf() = %q, want %q", wrapped.Error(), want)
	}
	if !errors.Is(wrapped, base) {
		t.Error("Wrapf() lost the error chain")
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &grindererrors.TimeoutError{Operation: "judge poll", Duration: 30 * time.Second}
	want := fmt.Sprintf("judge poll operation timed out after %v", 30*time.Second)
	if got := err.Error(); got != want {
		t.Errorf("TimeoutError.Error() = %q, want %q", got, want)
	}
}
