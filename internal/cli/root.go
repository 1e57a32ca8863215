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

// Package cli builds the grinder root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/adapter"
	"github.com/tombee/grinder/internal/commands/auth"
	"github.com/tombee/grinder/internal/commands/concurrency"
	"github.com/tombee/grinder/internal/commands/provider"
	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/internal/commands/system"
	"github.com/tombee/grinder/internal/commands/task"
)

// SetVersion sets the build information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for grinder.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grinder",
		Short: "grinder - contest problem pipeline",
		Long: `grinder drives contest problems through a four-stage pipeline:
fetch the statement from its source judge, generate test data with an
LLM, upload the package to a target judge, and solve the uploaded
problem to verify it.

The grinder CLI talks to a running grinderd daemon. Start one with
'grinderd', then authenticate with 'grinder login'.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	host, json, quiet := shared.RegisterFlagPointers()
	cmd.PersistentFlags().StringVar(host, "host", "", "Daemon address (unix://, tcp://, http:// or https://; default tcp://"+shared.DefaultHostAddr+")")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")

	cmd.AddCommand(auth.NewLoginCommand())
	cmd.AddCommand(auth.NewLogoutCommand())
	cmd.AddCommand(auth.NewWhoamiCommand())
	cmd.AddCommand(task.NewCommand())
	cmd.AddCommand(adapter.NewCommand())
	cmd.AddCommand(provider.NewCommand())
	cmd.AddCommand(concurrency.NewCommand())
	cmd.AddCommand(system.NewStatsCommand())
	cmd.AddCommand(system.NewActivityCommand())
	cmd.AddCommand(system.NewVersionCommand())

	return cmd
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
