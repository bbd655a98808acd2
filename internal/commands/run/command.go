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
	"github.com/spf13/cobra"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		inputs    []string
		inputFile string
		follow    bool
		tenant    string
		local     bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Submit a workflow for execution",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run submits a workflow definition to maestrod and prints the run ID.
The run executes durably on the daemon: it survives daemon restarts and
can be inspected later with 'maestro runs get'.

Execution Modes:
  (default)    Submit to maestrod and return immediately
  --follow     Submit, then stream step events until the run finishes
  --local      Execute in-process with an in-memory store (no daemon,
               no durability; state is lost when the command exits)

Inputs:
  --input, -i k=v    Repeatable. Values are coerced to the type the
                     workflow declares for the input (int, float, bool,
                     list, map); undeclared inputs stay strings.
  --input-file FILE  JSON object of inputs ('-' reads stdin).
                     Flag inputs override file inputs per key.`,
		Example: `  # Example 1: Fire and forget
  maestro run workflow.yaml --input topic=databases

  # Example 2: Watch the run as it executes
  maestro run workflow.yaml -i topic=databases --follow

  # Example 3: Inputs from a JSON file, one override
  maestro run workflow.yaml --input-file inputs.json -i retries=3

  # Example 4: No daemon available
  maestro run workflow.yaml --local`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return runLocal(cmd, args[0], inputs, inputFile)
			}
			return runViaDaemon(cmd, args[0], inputs, inputFile, tenant, follow)
		},
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Workflow input in key=value format")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with inputs (use '-' for stdin)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream run events until the run finishes")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant to run as (default: token tenant or daemon default)")
	cmd.Flags().BoolVar(&local, "local", false, "Execute in-process without a daemon")

	return cmd
}
