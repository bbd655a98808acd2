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

package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/engine"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/schemas"
)

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	var (
		remote      bool
		printSchema bool
	)

	cmd := &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Validate a workflow definition",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate checks that a workflow file would be admitted for execution:
YAML syntax, schema shape, expression syntax, action configuration,
and DAG acyclicity.

Checks run in-process with the same admission rules maestrod applies
at submission, so no daemon is needed. Use --remote to ask a running
maestrod instead; useful when the daemon runs a different version.

Use --print-schema to emit the workflow JSON Schema for IDE
autocompletion and external tooling.`,
		Example: `  # Example 1: Basic validation
  maestro validate workflow.yaml

  # Example 2: JSON output for scripting
  maestro validate workflow.yaml --json

  # Example 3: Validate against the daemon's admission rules
  maestro validate workflow.yaml --remote

  # Example 4: Save the JSON Schema for IDE integration
  maestro validate --print-schema > workflow-schema.json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				return runPrintSchema(cmd)
			}
			if len(args) != 1 {
				return fmt.Errorf("requires a workflow file argument (or --print-schema)")
			}
			return runValidate(cmd, args[0], remote)
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Validate via the maestrod admission endpoint")
	cmd.Flags().BoolVar(&printSchema, "print-schema", false, "Print the workflow JSON Schema and exit")

	return cmd
}

func runPrintSchema(cmd *cobra.Command) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, schemas.Workflow(), "", "  "); err != nil {
		return shared.NewExecutionError("failed to render embedded schema", err)
	}
	cmd.Println(buf.String())
	return nil
}

func runValidate(cmd *cobra.Command, path string, remote bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &shared.ExitError{Code: shared.ExitInvalidWorkflow, Message: fmt.Sprintf("failed to read workflow file: %v", err)}
	}

	if remote {
		return validateRemote(cmd, data)
	}

	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return reportInvalid(cmd, path, err)
	}

	// An engine over a throwaway store runs the full admission path,
	// action config validation included.
	eng, err := engine.New(engine.Config{
		Store:  checkpoint.NewMemoryStore(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return shared.NewExecutionError("failed to create validator", err)
	}
	defer eng.Close()

	if err := eng.ValidateDefinition(def); err != nil {
		return reportInvalid(cmd, path, err)
	}

	return reportValid(cmd, def.ID, len(def.Steps), inputNames(def))
}

func validateRemote(cmd *cobra.Command, data []byte) error {
	client, err := shared.NewClient()
	if err != nil {
		return shared.NewDaemonError("failed to build daemon client", err)
	}

	resp, err := client.Validate(cmd.Context(), data)
	if err != nil {
		return shared.WrapDaemonError(err, shared.ExitExecutionFailed)
	}

	if !resp.Valid {
		msg := resp.Error
		if resp.Code != "" {
			msg = fmt.Sprintf("%s (%s)", msg, resp.Code)
		}
		return reportInvalid(cmd, "workflow", fmt.Errorf("%s", msg))
	}

	return reportValid(cmd, resp.WorkflowID, resp.Steps, nil)
}

func reportInvalid(cmd *cobra.Command, path string, err error) error {
	if shared.GetJSON() {
		payload := map[string]any{"valid": false, "error": err.Error()}
		data, _ := json.MarshalIndent(payload, "", "  ")
		cmd.Println(string(data))
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", path, err)
	}
	return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "validation failed"}
}

func reportValid(cmd *cobra.Command, workflowID string, steps int, inputs []string) error {
	if shared.GetJSON() {
		payload := map[string]any{
			"valid":       true,
			"workflow_id": workflowID,
			"steps":       steps,
		}
		if len(inputs) > 0 {
			payload["inputs"] = inputs
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return shared.NewExecutionError("failed to encode result", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println("Validation Results:")
	cmd.Println("  [OK] Syntax valid")
	cmd.Println("  [OK] Schema valid")
	cmd.Println("  [OK] DAG acyclic, references resolve")
	cmd.Printf("\nWorkflow: %s (%d steps)\n", workflowID, steps)
	if len(inputs) > 0 {
		cmd.Printf("Declared inputs: %s\n", strings.Join(inputs, ", "))
	}
	return nil
}

func inputNames(def *workflow.WorkflowDef) []string {
	if len(def.InputsSchema) == 0 {
		return nil
	}
	names := make([]string, 0, len(def.InputsSchema))
	for _, p := range def.InputsSchema {
		names = append(names, p.Name)
	}
	return names
}
