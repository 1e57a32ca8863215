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

package task

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/sdk"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's progress until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			return watchTask(cmd, client, args[0])
		},
	}
}

// watchTask follows the daemon's event stream for one task and returns
// when it settles. A dropped stream falls back to polling, so a slow
// terminal still sees the outcome.
func watchTask(cmd *cobra.Command, client *sdk.Client, taskID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// The task may have settled before the subscription lands.
	if done, err := reportIfSettled(cmd, client, taskID); done || err != nil {
		return err
	}

	stream, err := client.Events(ctx)
	if err != nil {
		return pollTask(cmd, client, taskID)
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil {
					return pollTask(cmd, client, taskID)
				}
				return pollTask(cmd, client, taskID)
			}
			if ev.TaskID != taskID {
				continue
			}
			switch ev.Kind {
			case sdk.EventTaskProgress:
				if !shared.GetQuiet() {
					fmt.Fprintf(out, "  %s %s %s\n",
						shared.Muted.Render(ev.Stage), shared.RenderState(ev.Status), ev.Detail)
				}
			case sdk.EventProblemCompleted:
				if !shared.GetQuiet() {
					fmt.Fprintf(out, "  problem %d %s\n", ev.ProblemID, shared.RenderState(ev.Status))
				}
			case sdk.EventTaskCompleted:
				return reportOutcome(cmd, client, taskID)
			case sdk.EventTaskFailed:
				if ev.Reason != "" && !shared.GetQuiet() {
					fmt.Fprintln(out, shared.RenderError(ev.Reason))
				}
				return reportOutcome(cmd, client, taskID)
			}
		}
	}
}

// pollTask is the degraded path when no event stream is available.
func pollTask(cmd *cobra.Command, client *sdk.Client, taskID string) error {
	ctx := cmd.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := reportIfSettled(cmd, client, taskID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func reportIfSettled(cmd *cobra.Command, client *sdk.Client, taskID string) (bool, error) {
	detail, err := client.Task(cmd.Context(), taskID)
	if err != nil {
		return false, err
	}
	switch detail.Task.Status {
	case "completed", "failed", "cancelled":
		return true, reportOutcome(cmd, client, taskID)
	}
	return false, nil
}

// reportOutcome prints the final task state and maps failure onto the
// task-failed exit code.
func reportOutcome(cmd *cobra.Command, client *sdk.Client, taskID string) error {
	detail, err := client.Task(cmd.Context(), taskID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, detail); err != nil {
			return err
		}
	} else if !shared.GetQuiet() {
		fmt.Fprintf(out, "Task %s %s\n", detail.Task.ID, shared.RenderState(detail.Task.Status))
		for _, p := range detail.Problems {
			line := fmt.Sprintf("  %s %s", p.Canonical, shared.RenderState(p.State))
			if p.UploadedURL != "" {
				line += "  " + p.UploadedURL
			}
			if p.LastError != "" {
				line += "  " + shared.Truncate(p.LastError, 60)
			}
			fmt.Fprintln(out, line)
		}
	}

	if detail.Task.Status != "completed" {
		return shared.NewTaskFailedError(detail.Task.ID, detail.Task.Status)
	}
	return nil
}
