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
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/cli"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/sdk"
)

func newPurgeCommand() *cobra.Command {
	var (
		tenant     string
		state      string
		workflowID string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal run history",
		Long: `Purge deletes finished runs and their event logs from the daemon's
store. Active runs are never touched. Deletion is permanent; the
command asks for confirmation unless --yes is given.

Requires the admin scope when the daemon has auth enabled.`,
		Example: `  # Example 1: Purge everything terminal, with confirmation
  maestro runs purge

  # Example 2: Purge one workflow's failed runs, no prompt
  maestro runs purge --workflow nightly-report --state failed --yes`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, sdk.ListOptions{
				TenantID:   tenant,
				State:      workflow.RunState(state),
				WorkflowID: workflowID,
			}, yes)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Purge only this tenant's runs")
	cmd.Flags().StringVar(&state, "state", "", "Purge only runs in this terminal state")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Purge only runs of this workflow")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func runPurge(cmd *cobra.Command, opts sdk.ListOptions, yes bool) error {
	if !yes {
		if !cli.IsInteractive() {
			return shared.NewExecutionError("refusing to purge without --yes in non-interactive mode", nil)
		}

		confirmed := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Permanently delete %s?", purgeScope(opts)),
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return shared.NewExecutionError("confirmation prompt failed", err)
		}
		if !confirmed {
			cmd.Println("Aborted.")
			return nil
		}
	}

	client, err := shared.NewClient()
	if err != nil {
		return shared.NewDaemonError("failed to build daemon client", err)
	}

	purged, err := client.Purge(cmd.Context(), opts)
	if err != nil {
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}

	switch {
	case shared.GetJSON():
		cmd.Printf("{\"purged\": %d}\n", purged)
	case shared.GetQuiet():
		cmd.Println(purged)
	default:
		cmd.Printf("Purged %d runs.\n", purged)
	}
	return nil
}

// purgeScope describes what the filter will delete, for the prompt.
func purgeScope(opts sdk.ListOptions) string {
	if opts.State == "" && opts.WorkflowID == "" && opts.TenantID == "" {
		return "all terminal runs"
	}
	noun := "terminal runs"
	if opts.State != "" {
		noun = string(opts.State) + " runs"
	}
	parts := []string{noun}
	if opts.WorkflowID != "" {
		parts = append(parts, "of workflow "+opts.WorkflowID)
	}
	if opts.TenantID != "" {
		parts = append(parts, "for tenant "+opts.TenantID)
	}
	return strings.Join(parts, " ")
}
