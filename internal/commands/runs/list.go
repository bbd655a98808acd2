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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/cli"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/sdk"
)

func newListCommand() *cobra.Command {
	var (
		tenant     string
		state      string
		workflowID string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Example: `  # Example 1: Recent runs
  maestro runs list

  # Example 2: Only active runs for one workflow
  maestro runs list --state running --workflow nightly-report

  # Example 3: Run IDs for scripting
  maestro runs list --state failed --quiet`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, sdk.ListOptions{
				TenantID:   tenant,
				State:      workflow.RunState(state),
				WorkflowID: workflowID,
				Limit:      limit,
				Offset:     offset,
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Filter by tenant")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (queued, running, succeeded, failed, cancelled, timed_out)")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Filter by workflow ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many runs")

	return cmd
}

func runList(cmd *cobra.Command, opts sdk.ListOptions) error {
	client, err := shared.NewClient()
	if err != nil {
		return shared.NewDaemonError("failed to build daemon client", err)
	}

	summaries, err := client.ListRuns(cmd.Context(), opts)
	if err != nil {
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}

	if shared.GetJSON() {
		data, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return shared.NewExecutionError("failed to encode runs", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if shared.GetQuiet() {
		for _, s := range summaries {
			cmd.Println(s.RunID)
		}
		return nil
	}

	if len(summaries) == 0 {
		cmd.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tWORKFLOW\tSTATE\tCREATED\tDURATION")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.RunID,
			s.WorkflowID,
			s.State,
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			summaryDuration(s),
		)
	}
	return w.Flush()
}

// summaryDuration reports elapsed wall time: creation to finish for
// terminal runs, creation to now for active ones.
func summaryDuration(s workflow.RunSummary) string {
	if s.FinishedAt != nil {
		return cli.FormatDuration(s.FinishedAt.Sub(s.CreatedAt))
	}
	if s.State.Terminal() {
		return "-"
	}
	return cli.FormatDuration(time.Since(s.CreatedAt)) + "+"
}
