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

// Package concurrency implements the grinder concurrency command group.
package concurrency

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/sdk"
)

// NewCommand creates the concurrency command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concurrency",
		Short: "Inspect and tune the daemon's concurrency gates",
		Long: `Inspect and tune the concurrency gates.

Gates bound how much work runs at once: globally, per user, per stage
and per LLM provider. Changes apply to in-flight gates immediately
(held permits stay valid) and persist across daemon restarts. Setting
limits is admin-only.

Examples:
  grinder concurrency get
  grinder concurrency set --stage-fetch 20 --llm-total 12
  grinder concurrency preset aggressive
  grinder concurrency queue`,
	}

	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newPresetCmd())
	cmd.AddCommand(newQueueCmd())
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show limits and live gate usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			state, err := client.Concurrency(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, state)
			}
			return renderGates(out, state.Gates)
		},
	}
}

func newSetCmd() *cobra.Command {
	var limits sdk.Limits

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Apply new limits (admin)",
		Long: `Apply new gate limits.

Flags left at zero keep their current value, so one gate can be tuned
without restating the rest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}

			// Merge onto the live limits so zero flags mean "keep".
			current, err := client.Concurrency(cmd.Context())
			if err != nil {
				return err
			}
			merged := mergeLimits(current.Limits, limits)

			applied, err := client.SetConcurrency(cmd.Context(), merged)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]any{"limits": applied})
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(out, shared.RenderOK("Limits applied"))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limits.GlobalTasks, "global", 0, "Problems in flight across all users")
	cmd.Flags().IntVar(&limits.PerUser, "per-user", 0, "Problems in flight per user")
	cmd.Flags().IntVar(&limits.StageFetch, "stage-fetch", 0, "Concurrent fetch executions")
	cmd.Flags().IntVar(&limits.StageUpload, "stage-upload", 0, "Concurrent upload executions")
	cmd.Flags().IntVar(&limits.StageSolve, "stage-solve", 0, "Concurrent solve executions")
	cmd.Flags().IntVar(&limits.StageCompile, "stage-compile", 0, "Concurrent local compiles")
	cmd.Flags().IntVar(&limits.LLMTotal, "llm-total", 0, "Concurrent LLM calls across providers")
	cmd.Flags().IntVar(&limits.LLMPerProvider, "llm-per-provider", 0, "Concurrent LLM calls per provider")
	cmd.Flags().IntVar(&limits.QueueSize, "queue", 0, "Pending admission queue size")
	cmd.Flags().IntVar(&limits.TaskTimeoutSeconds, "task-timeout", 0, "Wall-clock seconds per problem")
	return cmd
}

func newPresetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preset [name]",
		Short: "List presets or apply one (admin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				presets, err := client.Presets(cmd.Context())
				if err != nil {
					return err
				}
				if shared.GetJSON() {
					return shared.EmitJSON(out, map[string]any{"presets": presets})
				}
				names := make([]string, 0, len(presets))
				for name := range presets {
					names = append(names, name)
				}
				sort.Strings(names)
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PRESET\tGLOBAL\tPER-USER\tFETCH\tUPLOAD\tSOLVE\tLLM")
				for _, name := range names {
					p := presets[name]
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
						name, p.GlobalTasks, p.PerUser, p.StageFetch, p.StageUpload, p.StageSolve, p.LLMTotal)
				}
				return w.Flush()
			}

			limits, err := client.ApplyPreset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]any{"preset": args[0], "limits": limits})
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Applied preset %s", args[0])))
			}
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show task counts and gate occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			stats, err := client.QueueStats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, stats)
			}

			statuses := make([]string, 0, len(stats.Tasks))
			for s := range stats.Tasks {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(out, "%s %d  ", shared.RenderState(s), stats.Tasks[s])
			}
			fmt.Fprintf(out, "%s %d\n\n", shared.Muted.Render("total"), stats.Total)
			return renderGates(out, stats.Gates)
		},
	}
}

func renderGates(out io.Writer, gates []sdk.GateStat) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GATE\tLIMIT\tIN USE\tWAITING\tACQUIRED")
	for _, g := range gates {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", g.Name, g.Limit, g.InUse, g.Waiting, g.TotalAcquired)
	}
	return w.Flush()
}

// mergeLimits overlays non-zero fields of changes onto base.
func mergeLimits(base, changes sdk.Limits) sdk.Limits {
	merge := func(current, change int) int {
		if change > 0 {
			return change
		}
		return current
	}
	return sdk.Limits{
		GlobalTasks:        merge(base.GlobalTasks, changes.GlobalTasks),
		PerUser:            merge(base.PerUser, changes.PerUser),
		StageFetch:         merge(base.StageFetch, changes.StageFetch),
		StageUpload:        merge(base.StageUpload, changes.StageUpload),
		StageSolve:         merge(base.StageSolve, changes.StageSolve),
		StageCompile:       merge(base.StageCompile, changes.StageCompile),
		LLMTotal:           merge(base.LLMTotal, changes.LLMTotal),
		LLMPerProvider:     merge(base.LLMPerProvider, changes.LLMPerProvider),
		QueueSize:          merge(base.QueueSize, changes.QueueSize),
		TaskTimeoutSeconds: merge(base.TaskTimeoutSeconds, changes.TaskTimeoutSeconds),
	}
}
