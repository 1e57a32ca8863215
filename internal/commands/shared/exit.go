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

package shared

import (
	"errors"
	"fmt"
	"os"

	"github.com/tombee/grinder/sdk"
)

// Exit codes for the grinder CLI.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitAuth        = 3
	ExitDaemonDown  = 4
	ExitTaskFailed  = 5 // a watched task settled failed or cancelled
	ExitInterrupted = 130
)

// ExitError is an error that carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// NewUsageError creates an error for invalid arguments.
func NewUsageError(msg string) *ExitError {
	return &ExitError{Code: ExitUsage, Message: msg}
}

// NewTaskFailedError creates an error for a watched task that settled
// without completing.
func NewTaskFailedError(taskID, status string) *ExitError {
	return &ExitError{
		Code:    ExitTaskFailed,
		Message: fmt.Sprintf("task %s %s", taskID, status),
	}
}

// HandleExitError prints err to stderr and exits with the matching code.
// sdk errors get targeted guidance: a down daemon explains how to start
// one, a 401 points at 'grinder login'.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}

	var dnr *sdk.DaemonNotRunningError
	if errors.As(err, &dnr) {
		fmt.Fprintln(os.Stderr, "Error:", dnr.Error())
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, dnr.Guidance())
		os.Exit(ExitDaemonDown)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	if sdk.IsUnauthorized(err) {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Run 'grinder login' to authenticate.")
		os.Exit(ExitAuth)
	}
	os.Exit(ExitFailure)
}
