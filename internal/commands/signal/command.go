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

package signal

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/sdk"
)

// NewCommand creates the signal command
func NewCommand() *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "signal <run-id> <name>",
		Short: "Deliver a signal to a waiting run",
		Annotations: map[string]string{
			"group": "management",
		},
		Long: `Signal delivers a named signal to a run. Steps waiting on that name
resume with the payload as their result; if nothing is waiting yet the
signal is buffered until a step asks for it.`,
		Example: `  # Example 1: Approve a gated run
  maestro signal 0190b2aa-7c3e-7f9a-b2d1-8f6f1e2a3b4c approval

  # Example 2: Attach a payload the waiting step will see
  maestro signal 0190b2aa-7c3e-7f9a-b2d1-8f6f1e2a3b4c approval --payload '{"approved": true, "by": "ops"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignal(cmd, args[0], args[1], payload)
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload delivered with the signal")

	return cmd
}

func runSignal(cmd *cobra.Command, runID, name, payload string) error {
	var body any
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return shared.NewMissingInputError("--payload must be valid JSON", err)
		}
	}

	client, err := shared.NewClient()
	if err != nil {
		return shared.NewDaemonError("failed to build daemon client", err)
	}

	if err := client.Signal(cmd.Context(), runID, name, body); err != nil {
		if sdk.IsNotFound(err) {
			return shared.NewExecutionError(fmt.Sprintf("run %q not found", runID), nil)
		}
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}

	if !shared.GetQuiet() {
		cmd.Printf("Signal %q delivered to %s\n", name, runID)
	}
	return nil
}
