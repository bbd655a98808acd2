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
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/cli"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/sdk"
)

func newGetCommand() *cobra.Command {
	var timeline bool

	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run in detail",
		Example: `  # Example 1: Full run record
  maestro runs get 0190b2aa-7c3e-7f9a-b2d1-8f6f1e2a3b4c

  # Example 2: Machine-readable record
  maestro runs get 0190b2aa-7c3e-7f9a-b2d1-8f6f1e2a3b4c --json

  # Example 3: Step timing chart
  maestro runs get 0190b2aa-7c3e-7f9a-b2d1-8f6f1e2a3b4c --timeline`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args[0], timeline)
		},
	}

	cmd.Flags().BoolVar(&timeline, "timeline", false, "Render the step timing chart (default when on a terminal)")

	return cmd
}

func runGet(cmd *cobra.Command, runID string, timeline bool) error {
	client, err := shared.NewClient()
	if err != nil {
		return shared.NewDaemonError("failed to build daemon client", err)
	}

	run, err := client.GetRun(cmd.Context(), runID)
	if err != nil {
		if sdk.IsNotFound(err) {
			return shared.NewExecutionError(fmt.Sprintf("run %q not found", runID), nil)
		}
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}

	if shared.GetJSON() {
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return shared.NewExecutionError("failed to encode run", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if shared.GetQuiet() {
		cmd.Println(run.State)
		return nil
	}

	printRunDetail(cmd, run)

	if timeline || cli.IsTTY() {
		renderer, err := cli.NewTimelineRenderer()
		if err == nil {
			if chart, err := renderer.Render(run); err == nil {
				cmd.Println()
				cmd.Print(chart)
			}
		}
	}

	return nil
}

func printRunDetail(cmd *cobra.Command, run *workflow.Run) {
	cmd.Printf("Run:      %s\n", run.RunID)
	cmd.Printf("Workflow: %s\n", run.WorkflowID)
	cmd.Printf("Tenant:   %s\n", run.TenantID)
	cmd.Printf("State:    %s\n", cli.RenderRunState(run.State))
	cmd.Printf("Created:  %s\n", run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if run.FinishedAt != nil {
		cmd.Printf("Finished: %s (%s)\n",
			run.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			cli.FormatDuration(run.FinishedAt.Sub(run.CreatedAt)))
	}
	if run.Error != nil {
		cmd.Printf("Error:    %s\n", run.Error.Message)
	}
	if run.CancelReason != "" {
		cmd.Printf("Reason:   %s\n", run.CancelReason)
	}

	if len(run.Steps) > 0 {
		cmd.Println("\nSteps:")
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTATE\tATTEMPTS\tDURATION")
		for _, id := range stepOrder(run) {
			st := run.Steps[id]
			fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", id, st.State, st.Attempts, stepDuration(st))
		}
		w.Flush()
	}

	if len(run.Outputs) > 0 {
		if data, err := json.MarshalIndent(run.Outputs, "", "  "); err == nil {
			cmd.Printf("\nOutputs:\n%s\n", data)
		}
	}
}

// stepOrder sorts step ids by start time, unstarted steps last, ties
// by id, matching the timeline's row order.
func stepOrder(run *workflow.Run) []string {
	ids := make([]string, 0, len(run.Steps))
	for id := range run.Steps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := run.Steps[ids[i]], run.Steps[ids[j]]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return ids[i] < ids[j]
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case a.StartedAt.Equal(*b.StartedAt):
			return ids[i] < ids[j]
		default:
			return a.StartedAt.Before(*b.StartedAt)
		}
	})
	return ids
}

func stepDuration(st *workflow.StepStatus) string {
	if st.StartedAt == nil || st.FinishedAt == nil {
		return "-"
	}
	return cli.FormatDuration(st.FinishedAt.Sub(*st.StartedAt))
}
