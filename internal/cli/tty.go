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

package cli

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ciEnvVars are set by the common CI systems; any of them present
// means prompting would hang a build.
var ciEnvVars = []string{
	"CI",
	"GITHUB_ACTIONS",
	"GITLAB_CI",
	"CIRCLECI",
	"TRAVIS",
	"BUILDKITE",
	"DRONE",
	"JENKINS_HOME",
	"TEAMCITY_VERSION",
}

// IsTTY determines if output should use terminal formatting.
// Returns true if stdout is a TTY with color support.
// Returns false if stdout is piped, NO_COLOR is set, or TERM is "dumb" or empty.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}

	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsInteractive reports whether interactive prompts are allowed.
// Prompting is disabled when MAESTRO_NO_INTERACTIVE is set, in CI
// environments, or when stdin is not a terminal.
func IsInteractive() bool {
	if envVal := os.Getenv("MAESTRO_NO_INTERACTIVE"); envVal != "" {
		switch strings.ToLower(envVal) {
		case "true", "1", "yes":
			return false
		}
	}

	for _, envVar := range ciEnvVars {
		if os.Getenv(envVar) != "" {
			return false
		}
	}

	return term.IsTerminal(int(os.Stdin.Fd()))
}
