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

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/maestro/internal/commands/shared"
)

const docsBaseURL = "https://tombee.github.io/maestro"

// CommandInfo describes one command for machine-readable help.
type CommandInfo struct {
	Name        string     `json:"name"`
	Short       string     `json:"short"`
	Long        string     `json:"long,omitempty"`
	Usage       string     `json:"usage"`
	Group       string     `json:"group,omitempty"`
	Aliases     []string   `json:"aliases,omitempty"`
	Examples    string     `json:"examples,omitempty"`
	Flags       []FlagInfo `json:"flags,omitempty"`
	Subcommands []string   `json:"subcommands,omitempty"`
}

// FlagInfo describes one flag of a command.
type FlagInfo struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// NewHelpCommand builds the help command. With --json it emits command
// metadata as structured output so agents and scripts can discover the
// CLI surface without scraping help text.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help shows usage for maestro or one of its commands.

Use --json for machine-readable command metadata: flags, groups,
aliases, and subcommands.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			useJSON := shared.GetJSON() || jsonOutput

			if len(args) == 0 {
				if useJSON {
					return printTreeJSON(cmd, rootCmd)
				}
				return rootCmd.Help()
			}

			target, _, err := rootCmd.Find(args)
			if err != nil {
				return fmt.Errorf("command %q not found", args[0])
			}
			if useJSON {
				return printCommandJSON(cmd, target, rootCmd)
			}
			return target.Help()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func printTreeJSON(cmd, rootCmd *cobra.Command) error {
	commands := make([]CommandInfo, 0, len(rootCmd.Commands()))
	for _, c := range rootCmd.Commands() {
		if c.Hidden {
			continue
		}
		commands = append(commands, commandInfo(c))
	}

	return printJSON(cmd, map[string]any{
		"commands":     commands,
		"global_flags": flagInfos(rootCmd.PersistentFlags()),
		"docs_url":     docsBaseURL + "/reference/cli/",
	})
}

func printCommandJSON(cmd, target, rootCmd *cobra.Command) error {
	return printJSON(cmd, map[string]any{
		"command":      commandInfo(target),
		"global_flags": flagInfos(rootCmd.PersistentFlags()),
		"docs_url":     docsBaseURL + "/reference/cli/",
	})
}

func commandInfo(c *cobra.Command) CommandInfo {
	info := CommandInfo{
		Name:     c.Name(),
		Short:    c.Short,
		Long:     c.Long,
		Usage:    c.UseLine(),
		Group:    c.Annotations["group"],
		Aliases:  c.Aliases,
		Examples: c.Example,
		Flags:    flagInfos(c.Flags()),
	}
	for _, sub := range c.Commands() {
		if !sub.Hidden {
			info.Subcommands = append(info.Subcommands, sub.Name())
		}
	}
	return info
}

func flagInfos(set *pflag.FlagSet) []FlagInfo {
	var flags []FlagInfo
	set.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden {
			return
		}
		flags = append(flags, FlagInfo{
			Name:      flag.Name,
			Shorthand: flag.Shorthand,
			Usage:     flag.Usage,
			Default:   flag.DefValue,
			Required:  len(flag.Annotations[cobra.BashCompOneRequiredFlag]) > 0,
		})
	})
	return flags
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
