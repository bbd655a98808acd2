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

// Package commands assembles the maestro command tree. Each subcommand
// lives in its own package below this one and exposes a NewCommand
// constructor; cross-cutting flag state and exit handling live in
// shared.
package commands

import (
	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for maestro
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maestro",
		Short: "Maestro - durable workflow orchestration",
		Long: `Maestro is a command-line tool for running durable multi-step
workflows. Definitions are YAML; runs execute on a maestrod daemon and
survive restarts through checkpointed state.

Run 'maestro init' to scaffold a starter workflow.
Run 'maestro run workflow.yaml --follow' to execute one and watch it.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	// Get flag pointers from shared package
	flags := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(flags.Verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(flags.Quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(flags.JSON, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(flags.Host, "host", "", "Daemon base URL (default: $MAESTRO_HOST or http://127.0.0.1:9876)")
	cmd.PersistentFlags().StringVar(flags.Token, "token", "", "Bearer token for daemon auth (default: $MAESTRO_TOKEN)")
	cmd.PersistentFlags().StringVar(flags.Config, "config", "", "Path to daemon config file (default: ~/.config/maestro/config.yaml)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
