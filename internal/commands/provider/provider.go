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

// Package provider implements the grinder provider command group.
package provider

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/sdk"
)

// NewCommand creates the provider command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "List, configure and test LLM providers",
		Long: `Manage LLM providers.

Providers back the pipeline's model calls: generation, solution, OCR
and summary. The daemon ships a fixed provider catalogue; configuring
one means storing an API key (and optional overrides) for it. Saving
is admin-only.

Examples:
  grinder provider list
  grinder provider set deepseek --api-key sk-... --enable
  grinder provider test deepseek --full`,
	}

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newTestCmd())
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List LLM providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			providers, err := client.Providers(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]any{"providers": providers})
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDISPLAY\tCAPABILITIES\tMODEL\tKEY\tENABLED")
			for _, p := range providers {
				key := "-"
				if p.HasKey {
					key = shared.StatusOK.Render("set")
				}
				enabled := "-"
				if p.Enabled {
					enabled = shared.StatusOK.Render("yes")
				}
				model := p.Model
				if model == "" {
					model = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.DisplayName, strings.Join(p.Capabilities, ","), model, key, enabled)
			}
			return w.Flush()
		},
	}
}

func newSetCmd() *cobra.Command {
	var (
		apiKey       string
		baseURL      string
		model        string
		summaryModel string
		enable       bool
		disable      bool
		promptKey    bool
	)

	cmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Update a provider's settings (admin)",
		Long: `Update a provider's stored settings.

Only the flags given change; an omitted --api-key keeps the stored key.
Pass --prompt-key to enter the key at a hidden prompt instead of the
command line (which lands in shell history).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return shared.NewUsageError("--enable and --disable are mutually exclusive")
			}
			if promptKey {
				var err error
				apiKey, err = shared.ReadSecret("API key: ")
				if err != nil {
					return err
				}
			}

			update := sdk.ProviderUpdate{
				APIKey:       apiKey,
				BaseURL:      baseURL,
				Model:        model,
				SummaryModel: summaryModel,
			}
			if enable {
				t := true
				update.Enabled = &t
			}
			if disable {
				f := false
				update.Enabled = &f
			}

			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			if err := client.SaveProvider(cmd.Context(), args[0], update); err != nil {
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Updated provider %s", args[0])))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (empty keeps the stored key)")
	cmd.Flags().BoolVar(&promptKey, "prompt-key", false, "Read the API key from a hidden prompt")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Override the provider's API URL")
	cmd.Flags().StringVar(&model, "model", "", "Override the default model")
	cmd.Flags().StringVar(&summaryModel, "summary-model", "", "Override the summary model")
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable the provider")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable the provider")
	return cmd
}

func newTestCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "test <provider>",
		Short: "Check a provider's credentials",
		Long: `Test a provider.

The default check validates the stored credential shape without any
network traffic. --full sends one minimal prompt to the real API and
reports the round-trip.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			result, err := client.TestProvider(cmd.Context(), args[0], full)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, result)
			}
			if result.OK {
				msg := result.Message
				if full && result.Latency > 0 {
					msg = fmt.Sprintf("%s (%s, %s)", msg, result.Model, result.Latency.Round(10*time.Millisecond))
				}
				fmt.Fprintln(out, shared.RenderOK(msg))
				return nil
			}
			fmt.Fprintln(out, shared.RenderError(result.Message))
			return &shared.ExitError{Code: shared.ExitFailure, Message: fmt.Sprintf("provider %s check failed", args[0])}
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Send a real prompt instead of a shape check")
	return cmd
}
