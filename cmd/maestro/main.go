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

package main

import (
	"github.com/tombee/maestro/internal/cli"
	"github.com/tombee/maestro/internal/commands"
	"github.com/tombee/maestro/internal/commands/auth"
	"github.com/tombee/maestro/internal/commands/initcmd"
	"github.com/tombee/maestro/internal/commands/run"
	"github.com/tombee/maestro/internal/commands/runs"
	"github.com/tombee/maestro/internal/commands/secrets"
	"github.com/tombee/maestro/internal/commands/signal"
	"github.com/tombee/maestro/internal/commands/validate"
	versioncmd "github.com/tombee/maestro/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	commands.SetVersion(version, commit, buildDate)

	// Create root command and add subcommands
	rootCmd := commands.NewRootCommand()

	// Execution commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())

	// Run management commands
	rootCmd.AddCommand(runs.NewCommand())
	rootCmd.AddCommand(signal.NewCommand())

	// Configuration commands
	rootCmd.AddCommand(initcmd.NewCommand())
	rootCmd.AddCommand(auth.NewCommand())
	rootCmd.AddCommand(secrets.NewCommand())

	// Version command
	rootCmd.AddCommand(versioncmd.NewCommand())

	// JSON-capable help for agents and scripts
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		commands.HandleExitError(err)
	}
}
