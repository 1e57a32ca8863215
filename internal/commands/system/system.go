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

// Package system implements grinder stats, activity and version.
package system

import (
	"fmt"
	"runtime"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show a daemon-wide overview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, stats)
			}

			fmt.Fprintf(out, "%s %s   %s %s\n",
				shared.Muted.Render("version:"), stats.Version,
				shared.Muted.Render("uptime:"), (time.Duration(stats.UptimeSeconds) * time.Second).String())
			fmt.Fprintf(out, "%s %d   %s %d\n\n",
				shared.Muted.Render("users:"), stats.Users,
				shared.Muted.Render("event subscribers:"), stats.EventSubscribers)

			statuses := make([]string, 0, len(stats.Tasks))
			for s := range stats.Tasks {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASKS\tCOUNT")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%d\n", shared.RenderState(s), stats.Tasks[s])
			}
			return w.Flush()
		},
	}
}

// NewActivityCommand creates the activity command.
func NewActivityCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show your recent activity log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			entries, err := client.Activity(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]any{"activity": entries})
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No activity.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tACTION\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					shared.FormatAge(e.CreatedAt), e.Action, shared.Truncate(e.Detail, 70))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum entries (0 = server default)")
	return cmd
}

// NewVersionCommand creates the version command. It reports the CLI
// build and, when a daemon is reachable, the daemon build too.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show CLI and daemon versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c, b := shared.GetVersion()
			out := cmd.OutOrStdout()

			type buildInfo struct {
				Version   string `json:"version"`
				Commit    string `json:"commit"`
				BuildDate string `json:"build_date"`
				Go        string `json:"go"`
			}
			cli := buildInfo{Version: v, Commit: c, BuildDate: b, Go: runtime.Version()}

			var daemon *buildInfo
			if client, err := shared.NewClient(); err == nil {
				if dv, err := client.Version(cmd.Context()); err == nil {
					daemon = &buildInfo{Version: dv.Version, Commit: dv.Commit, BuildDate: dv.BuildDate, Go: dv.Go}
				}
			}

			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]any{"cli": cli, "daemon": daemon})
			}

			fmt.Fprintf(out, "grinder %s (%s, %s, %s)\n", cli.Version, cli.Commit, cli.BuildDate, cli.Go)
			if daemon != nil {
				fmt.Fprintf(out, "grinderd %s (%s, %s, %s)\n", daemon.Version, daemon.Commit, daemon.BuildDate, daemon.Go)
			} else if !shared.GetQuiet() {
				fmt.Fprintln(out, shared.Muted.Render("daemon unreachable"))
			}
			return nil
		},
	}
}
