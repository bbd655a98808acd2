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

package runs

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/sdk"
)

func newCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of an active run",
		Long: `Cancel asks the engine to stop a run. Running steps get a grace
period to finish before they are cut off; the run settles in the
cancelled state shortly after. Cancelling an already-terminal run is
an error.`,
		Example: `  # Example 1: Cancel with a recorded reason
  maestro runs cancel 0190b2aa-7c3e-7f9a-b2d1-8f6f1e2a3b4c --reason "bad input data"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, args[0], reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the cancelled run")

	return cmd
}

func runCancel(cmd *cobra.Command, runID, reason string) error {
	client, err := shared.NewClient()
	if err != nil {
		return shared.NewDaemonError("failed to build daemon client", err)
	}

	if err := client.Cancel(cmd.Context(), runID, reason); err != nil {
		if sdk.IsNotFound(err) {
			return shared.NewExecutionError(fmt.Sprintf("run %q not found", runID), nil)
		}
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}

	if shared.GetQuiet() {
		return nil
	}
	cmd.Printf("Cancellation requested for %s\n", runID)
	cmd.Printf("Check it with: maestro runs get %s\n", runID)
	return nil
}
