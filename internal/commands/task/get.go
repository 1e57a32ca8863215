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
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/sdk"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task and its problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			detail, err := client.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, detail)
			}

			t := detail.Task
			fmt.Fprintf(out, "%s %s\n", shared.Bold.Render(t.ID), shared.RenderState(t.Status))
			fmt.Fprintf(out, "%s %s   %s %s   %s %s\n",
				shared.Muted.Render("stages:"), strings.Join(t.Stages, "+"),
				shared.Muted.Render("target:"), t.TargetAdapter,
				shared.Muted.Render("created:"), t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			if t.Provider != "" {
				fmt.Fprintf(out, "%s %s\n", shared.Muted.Render("provider:"), t.Provider)
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROBLEM\tSTATE\tUPLOADED AS\tATTEMPTS\tLAST ERROR")
			for _, p := range detail.Problems {
				uploaded := p.RealID
				if uploaded == "" {
					uploaded = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.Canonical,
					shared.RenderState(p.State),
					uploaded,
					formatAttempts(p),
					shared.Truncate(p.LastError, 60),
				)
			}
			return w.Flush()
		},
	}
}

// formatAttempts renders non-zero attempt counters like "f1 g2 u1 s1".
func formatAttempts(p *sdk.Problem) string {
	parts := []string{}
	for _, c := range []struct {
		tag string
		n   int
	}{
		{"f", p.FetchAttempts},
		{"g", p.GenAttempts},
		{"u", p.UploadAttempts},
		{"s", p.SolveAttempts},
	} {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%s%d", c.tag, c.n))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
