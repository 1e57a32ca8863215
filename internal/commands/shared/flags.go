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

// Package shared holds state and helpers common to all grinder commands:
// global flags, the daemon client, token storage, styles and exit codes.
package shared

// Global flag values, bound by the root command.
var (
	hostFlag  string
	jsonFlag  bool
	quietFlag bool

	// Build-time version information.
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by the root command to register flags.
func RegisterFlagPointers() (*string, *bool, *bool) {
	return &hostFlag, &jsonFlag, &quietFlag
}

// SetVersion sets the build information (called from main).
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns the build information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetJSON returns the JSON output flag value.
func GetJSON() bool {
	return jsonFlag
}

// GetQuiet returns the quiet flag value.
func GetQuiet() bool {
	return quietFlag
}

// GetHost returns the host flag value.
func GetHost() string {
	return hostFlag
}

// SetHostForTest points commands at a test server.
func SetHostForTest(host string) {
	hostFlag = host
}
