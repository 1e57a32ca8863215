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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
)

func newRetryCmd() *cobra.Command {
	var stage string

	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Re-run a task's failed problems",
		Long: `Retry the failed problems of a task.

With --stage, each failed problem re-enters the pipeline at that stage
and its attempt counters reset. Without it, problems retry from their
failing stage. Artifacts already in the workspace are kept and skip
their stage on the way through.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			n, err := client.RetryTask(cmd.Context(), args[0], stage)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]int{"redispatched": n})
			}
			if n == 0 {
				fmt.Fprintln(out, "Nothing to retry.")
				return nil
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%d problem(s) redispatched", n)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Stage to re-enter at (fetch, gen, upload, solve, all)")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task",
		Long: `Request cancellation of a running task.

Cancellation is cooperative: in-flight problems stop at their next
checkpoint and settle as cancelled. Poll 'grinder task get' until the
status settles.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			if err := client.CancelTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Cancellation requested"))
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a settled task and its workspaces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && !shared.Confirm(fmt.Sprintf("Delete task %s and its workspaces?", args[0])) {
				return shared.NewUsageError("aborted (use --force to skip confirmation)")
			}

			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			if err := client.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Task deleted"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <task-id>",
		Short: "Download a task's workspaces as a zip",
		Long: `Download every workspace of a task as one zip archive:
statements, samples, generated cases, reference solutions, upload
receipts and stage logs. Writes <task-id>.zip unless -o names a path
("-" streams to stdout).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			body, err := client.DownloadWorkspace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer body.Close()

			if output == "-" {
				_, err = io.Copy(os.Stdout, body)
				return err
			}

			path := output
			if path == "" {
				path = shared.ShortID(args[0]) + ".zip"
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			n, err := io.Copy(f, body)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				os.Remove(path)
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Wrote %s (%d bytes)", path, n)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (- for stdout)")
	return cmd
}
