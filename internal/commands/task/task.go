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

// Package task implements the grinder task command group.
package task

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/sdk"
)

// NewCommand creates the task command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and manage pipeline tasks",
		Long: `Manage pipeline tasks.

A task is a batch of problems moving through the pipeline: fetch the
statement, generate test data, upload to the target judge, solve to
verify. Problems are referenced by short id (P1001, 4A) or URL.

Examples:
  # Submit two problems end to end
  grinder task submit P1001 https://codeforces.com/problemset/problem/4/A

  # Fetch and generate only, from a training list
  grinder task submit --training-adapter shsoj --training-id 305 --stages fetch,gen

  # Watch a running task
  grinder task watch 4f8d2c1a

  # Retry the upload stage after fixing credentials
  grinder task retry 4f8d2c1a --stage upload`,
	}

	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

func newListCmd() *cobra.Command {
	var opts sdk.ListTasksOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			tasks, err := client.Tasks(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]any{"tasks": tasks})
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks.")
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Run 'grinder task submit <problem>...' to start one.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPROBLEMS\tTARGET\tSTAGES\tAGE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.Task.ID,
					shared.RenderState(t.Task.Status),
					formatCounts(t.Counts),
					t.Task.TargetAdapter,
					strings.Join(t.Task.Stages, "+"),
					shared.FormatAge(t.Task.CreatedAt),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&opts.Search, "search", "", "Filter by problem reference substring")
	cmd.Flags().StringVar(&opts.Source, "source", "", "Filter by source adapter")
	cmd.Flags().StringVar(&opts.Target, "target", "", "Filter by target adapter")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum tasks to return")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Offset into the result set")
	return cmd
}

// formatCounts renders per-state problem counts like "3 ok" or
// "1/5 failed". Order: completed, failures, everything else.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if counts["completed"] == total {
		return fmt.Sprintf("%d ok", total)
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	return strings.Join(parts, ", ")
}
