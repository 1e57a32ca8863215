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

// Package auth implements grinder login, logout and whoami.
package auth

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
)

// NewLoginCommand creates the login command.
func NewLoginCommand() *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login [username]",
		Short: "Authenticate against the daemon",
		Long: `Log in to grinderd and store the session token in the system
keychain. The token is scoped to the daemon address, so one CLI can
hold sessions with several daemons.

The password is read from a hidden prompt, or from stdin when piped:

  echo "$GRINDER_PASSWORD" | grinder login admin`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				username = args[0]
			}
			if username == "" {
				var err error
				username, err = shared.ReadLine("Username: ")
				if err != nil {
					return err
				}
			}
			if username == "" {
				return shared.NewUsageError("username is required")
			}

			if password == "" {
				var err error
				password, err = shared.ReadSecret("Password: ")
				if err != nil {
					return err
				}
			}

			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			session, err := client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}

			host := shared.ResolveHost()
			if err := shared.SaveToken(host, session.Token); err != nil {
				// The login worked; tell the user how to proceed without
				// a keychain.
				fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderWarn(err.Error()))
				fmt.Fprintf(cmd.ErrOrStderr(), "Export the token manually:\n  export GRINDER_TOKEN=%s\n", session.Token)
				return nil
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), session)
			}
			who := session.Username
			if session.IsAdmin {
				who += " (admin)"
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Logged in as "+who))
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username to log in as")
	cmd.Flags().StringVar(&password, "password", "", "Password (prefer the prompt or stdin)")
	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host := shared.ResolveHost()

			// Best effort: record the logout server-side when the token
			// still works.
			if client, err := shared.NewClient(); err == nil && client.Token() != "" {
				_ = client.Logout(cmd.Context())
			}

			if err := shared.ClearToken(host); err != nil {
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Logged out"))
			}
			return nil
		},
	}
}

// NewWhoamiCommand creates the whoami command.
func NewWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the authenticated user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			id, err := client.AuthCheck(cmd.Context())
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), id)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", id.Username)
			if id.IsAdmin {
				fmt.Fprintln(out, shared.Muted.Render("admin"))
			}
			fmt.Fprintln(out, shared.Muted.Render("host: "+shared.ResolveHost()))
			return nil
		},
	}
}
