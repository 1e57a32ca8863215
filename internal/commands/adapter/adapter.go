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

// Package adapter implements the grinder adapter command group.
package adapter

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/sdk"
)

// NewCommand creates the adapter command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "List and configure judge adapters",
		Long: `Manage judge adapters.

Adapters connect the daemon to external judges. Each declares the
capabilities it supports (fetch, upload, submit, ...) and a credential
schema. Credentials are per-user and stored encrypted by the daemon.

Examples:
  grinder adapter list
  grinder adapter configure shsoj
  grinder adapter configure shsoj --set username=alice --set password=s3cret`,
	}

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newConfigureCmd())
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			adapters, err := client.Adapters(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]any{"adapters": adapters})
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY\tCAPABILITIES\tCONFIGURED")
			for _, a := range adapters {
				name := a.Name
				if a.Default {
					name += " (default)"
				}
				configured := "-"
				if a.Configured {
					configured = shared.StatusOK.Render("yes")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					name, a.DisplayName, strings.Join(a.Capabilities, ","), configured)
			}
			return w.Flush()
		},
	}
}

func newConfigureCmd() *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "configure <adapter>",
		Short: "Store credentials for an adapter",
		Long: `Configure an adapter for the logged-in user.

Without --set, an interactive form is built from the adapter's config
schema. With --set key=value pairs, values are sent directly, which
suits scripts and headless environments. The daemon validates the
values against the schema and stores them encrypted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}

			adapters, err := client.Adapters(cmd.Context())
			if err != nil {
				return err
			}
			var target *sdk.Adapter
			for _, a := range adapters {
				if a.Name == args[0] {
					target = a
					break
				}
			}
			if target == nil {
				return shared.NewUsageError(fmt.Sprintf("unknown adapter %q (see 'grinder adapter list')", args[0]))
			}

			values := map[string]string{}
			for _, kv := range sets {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return shared.NewUsageError(fmt.Sprintf("--set %q: expected key=value", kv))
				}
				values[key] = value
			}

			if len(values) == 0 {
				if !shared.IsInteractive() {
					return shared.NewUsageError("no terminal: supply values with --set key=value")
				}
				values, err = promptSchema(target)
				if err != nil {
					return err
				}
			}

			if err := client.SaveAdapterConfig(cmd.Context(), target.Name, values); err != nil {
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Saved %s configuration", target.Name)))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "Set a field directly (key=value, repeatable)")
	return cmd
}
