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

package run

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/sdk"
)

// runViaDaemon submits the workflow to maestrod and optionally follows
// the event stream to completion. The definition is parsed locally
// first so inputs can be coerced against the declared schema and
// obvious mistakes fail before the round trip; the daemon re-validates
// on admission either way.
func runViaDaemon(cmd *cobra.Command, path string, inputArgs []string, inputFile, tenant string, follow bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.NewInvalidWorkflowError("failed to read workflow file", err)
	}

	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return shared.NewInvalidWorkflowError("invalid workflow", err)
	}

	inputs, err := parseInputs(inputArgs, inputFile)
	if err != nil {
		return shared.NewMissingInputError("", err)
	}
	if inputs, err = coerceInputs(def, inputs); err != nil {
		return shared.NewMissingInputError("", err)
	}
	if missing := missingInputs(def, inputs); len(missing) > 0 {
		return shared.NewMissingInputError(formatMissingInputsError(missing), nil)
	}

	client, err := shared.NewClient()
	if err != nil {
		return shared.NewDaemonError("failed to build daemon client", err)
	}

	ctx := cmd.Context()
	run, err := client.Submit(ctx, data, sdk.SubmitOptions{Inputs: inputs, TenantID: tenant})
	if err != nil {
		var apiErr *sdk.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			return shared.NewInvalidWorkflowError("daemon rejected workflow", err)
		}
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}

	if !follow {
		switch {
		case shared.GetJSON():
			cmd.Printf("{\"run_id\": %q}\n", run.RunID)
		case shared.GetQuiet():
			cmd.Println(run.RunID)
		default:
			cmd.Printf("Run submitted: %s\n", run.RunID)
			cmd.Printf("Watch it with: maestro runs get %s\n", run.RunID)
		}
		return nil
	}

	if !shared.GetQuiet() && !shared.GetJSON() {
		cmd.Printf("Run %s (%s)\n", run.RunID, run.WorkflowID)
	}
	return followRun(cmd, client, run.RunID)
}

// followRun streams a run's events to the terminal and reports the
// terminal state's exit code.
func followRun(cmd *cobra.Command, client *sdk.Client, runID string) error {
	ctx := cmd.Context()

	stream, err := client.FollowEvents(ctx, runID, 0)
	if err != nil {
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return shared.NewDaemonError("event stream interrupted", err)
		}
		renderEvent(cmd, ev)
	}

	run, err := client.GetRun(ctx, runID)
	if err != nil {
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}
	return printOutcome(cmd, run)
}
