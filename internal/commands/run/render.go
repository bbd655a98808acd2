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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/cli"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/workflow"
)

// renderEvent prints one checkpoint event as a progress line. The
// bookkeeping kinds (created, started, ready) stay silent; step
// transitions get one line each. Under --quiet only failures print.
func renderEvent(cmd *cobra.Command, ev checkpoint.Event) {
	if shared.GetQuiet() && ev.Kind != checkpoint.KindStepFailed {
		return
	}

	switch ev.Kind {
	case checkpoint.KindStepRunning:
		line := "step " + ev.StepID
		if ev.Attempt > 1 {
			line = fmt.Sprintf("%s (attempt %d)", line, ev.Attempt)
		}
		cmd.Printf("%s %s\n", cli.SymbolInfo, line)
	case checkpoint.KindStepSucceeded:
		cmd.Println(cli.RenderOK("step " + ev.StepID))
	case checkpoint.KindStepFailed:
		msg := "step " + ev.StepID + " failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg += ": " + ev.Error.Message
		}
		cmd.Println(cli.RenderError(msg))
	case checkpoint.KindStepRetryScheduled:
		msg := "step " + ev.StepID + " retrying"
		if n := payloadInt(ev.Payload, "next_attempt"); n > 0 {
			msg = fmt.Sprintf("%s (attempt %d)", msg, n)
		}
		cmd.Println(cli.RenderWarn(msg))
	case checkpoint.KindStepSkipped:
		reason, _ := ev.Payload["reason"].(string)
		if reason != "" {
			cmd.Printf("- step %s skipped (%s)\n", ev.StepID, reason)
		} else {
			cmd.Printf("- step %s skipped\n", ev.StepID)
		}
	case checkpoint.KindStepCancelled:
		cmd.Println(cli.RenderWarn("step " + ev.StepID + " cancelled"))
	}
}

// payloadInt reads a numeric payload entry. Events decoded from the
// wire carry JSON numbers as float64; events straight off the engine
// carry the normalized int64.
func payloadInt(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// printOutcome renders the terminal run record and maps non-success
// states to exit codes.
func printOutcome(cmd *cobra.Command, run *workflow.Run) error {
	if shared.GetJSON() {
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return shared.NewExecutionError("failed to encode run", err)
		}
		cmd.Println(string(data))
	} else if !shared.GetQuiet() {
		cmd.Printf("\nRun %s: %s\n", run.RunID, cli.RenderRunState(run.State))
		if run.Error != nil {
			cmd.Printf("  %s\n", run.Error.Message)
		}
		if run.CancelReason != "" {
			cmd.Printf("  reason: %s\n", run.CancelReason)
		}
		if len(run.Outputs) > 0 {
			data, err := json.MarshalIndent(run.Outputs, "", "  ")
			if err == nil {
				cmd.Printf("\nOutputs:\n%s\n", data)
			}
		}
	}

	switch run.State {
	case workflow.RunSucceeded:
		return nil
	default:
		msg := fmt.Sprintf("run %s", run.State)
		if run.FirstFailedStep != "" {
			msg = fmt.Sprintf("%s (first failed step: %s)", msg, run.FirstFailedStep)
		}
		return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: msg}
	}
}
