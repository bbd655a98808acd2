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

// Package initcmd implements the maestro init command for scaffolding
// starter workflows.
package initcmd

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/maestro/internal/cli"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/pkg/workflow"
)

var workflowIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// NewCommand creates the init command for scaffolding workflows.
func NewCommand() *cobra.Command {
	var (
		template string
		id       string
		output   string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a starter workflow",
		Long: `Init writes a ready-to-run workflow file into the current directory.

On a terminal it walks through template and name selection. In scripts,
pass --template and --id (both default to the hello template).

Templates:
  hello      Expressions and step dependencies
  approval   Durable wait for an external signal
  fan-out    Parallel branches, retries, a join

Examples:
  # Example 1: Pick a template interactively
  maestro init

  # Example 2: Scaffold without prompts
  maestro init --template approval --id deploy-gate

  # Example 3: Write to a specific path
  maestro init --template fan-out --output workflows/pipeline.yaml`,
		Args: cobra.NoArgs,
		Annotations: map[string]string{
			"group": "configuration",
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, template, id, output, force)
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", "", "Template to scaffold (hello, approval, fan-out)")
	cmd.Flags().StringVar(&id, "id", "", "Workflow id (defaults to the template name)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (defaults to <id>.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func runInit(cmd *cobra.Command, templateName, id, output string, force bool) error {
	if templateName == "" {
		if cli.IsInteractive() {
			var err error
			templateName, id, err = promptChoices(id)
			if err != nil {
				return err
			}
		} else {
			templateName = "hello"
		}
	}

	tmpl, ok := templateByName(templateName)
	if !ok {
		return shared.NewExecutionError(
			fmt.Sprintf("unknown template %q (have: %s)", templateName, strings.Join(templateNames(), ", ")), nil)
	}

	if id == "" {
		id = tmpl.name
	}
	if !workflowIDPattern.MatchString(id) {
		return shared.NewExecutionError(
			fmt.Sprintf("workflow id %q must match %s", id, workflowIDPattern.String()), nil)
	}

	doc := tmpl.render(id)

	// A template bug must never ship a file the daemon would reject.
	if _, err := workflow.ParseDefinition([]byte(doc)); err != nil {
		return fmt.Errorf("template %q rendered an invalid workflow: %w", tmpl.name, err)
	}

	if output == "" {
		output = id + ".yaml"
	}
	if _, err := os.Stat(output); err == nil && !force {
		return shared.NewExecutionError(
			fmt.Sprintf("%s already exists (use --force to overwrite)", output), nil)
	}

	if err := os.WriteFile(output, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	cmd.Printf("%s\n", cli.RenderOK("Created "+output))
	cmd.Printf("\nRun it with: maestro run %s --follow\n", output)
	if tmpl.hint != "" {
		cmd.Printf("%s\n", tmpl.hint)
	}
	return nil
}

// promptChoices walks template and id selection on a terminal.
func promptChoices(id string) (string, string, error) {
	options := make([]huh.Option[string], 0, len(templates))
	for _, t := range templates {
		options = append(options, huh.NewOption(t.label, t.name))
	}

	var templateName string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Create a starter workflow").
				Description("Pick a template and a workflow id. The file lands in the current directory."),
			huh.NewSelect[string]().
				Title("Template").
				Options(options...).
				Value(&templateName),
			huh.NewInput().
				Title("Workflow id").
				Placeholder("defaults to the template name").
				Value(&id).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if !workflowIDPattern.MatchString(s) {
						return fmt.Errorf("use letters, digits, - and _ only")
					}
					return nil
				}),
		),
	)

	if err := form.Run(); err != nil {
		return "", "", err
	}
	return templateName, id, nil
}
