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

// Package cli holds the terminal-facing helpers shared by maestro
// commands: lipgloss styles, TTY detection, and the run timeline
// renderer.
package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tombee/maestro/pkg/workflow"
)

// CLI style colors using lipgloss
var (
	// StatusOK styles success indicators
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// StatusWarn styles warning indicators
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// StatusError styles error indicators
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// StatusInfo styles informational text
	StatusInfo = lipgloss.NewStyle().Foreground(lipgloss.Color("39")) // blue

	// Muted styles secondary/less important text
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Bold styles emphasized text
	Bold = lipgloss.NewStyle().Bold(true)

	// Header styles section headers
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")) // blue bold
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
	SymbolInfo  = "•"
)

// RenderOK renders a success message with green checkmark
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderWarn renders a warning message with orange symbol
func RenderWarn(msg string) string {
	return StatusWarn.Render(SymbolWarn) + " " + msg
}

// RenderError renders an error message with red X
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderLabel renders a dim label (for key: value pairs)
func RenderLabel(label string) string {
	return Muted.Render(label)
}

// RenderRunState renders a run state with its conventional color:
// green for succeeded, red for failed and timed out, orange for
// cancelled, blue for anything still moving.
func RenderRunState(state workflow.RunState) string {
	switch state {
	case workflow.RunSucceeded:
		return StatusOK.Render(string(state))
	case workflow.RunFailed, workflow.RunTimedOut:
		return StatusError.Render(string(state))
	case workflow.RunCancelled:
		return StatusWarn.Render(string(state))
	default:
		return StatusInfo.Render(string(state))
	}
}

// RenderStepState renders a step state with the same palette as
// RenderRunState; skipped steps read as muted rather than alarming.
func RenderStepState(state workflow.StepState) string {
	switch state {
	case workflow.StepSucceeded:
		return StatusOK.Render(string(state))
	case workflow.StepFailed:
		return StatusError.Render(string(state))
	case workflow.StepCancelled:
		return StatusWarn.Render(string(state))
	case workflow.StepSkipped:
		return Muted.Render(string(state))
	default:
		return StatusInfo.Render(string(state))
	}
}
