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
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tombee/maestro/pkg/workflow"
)

const (
	// MinTerminalWidth is the minimum supported terminal width
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
)

// timelineRow is one step's line in the rendered timeline.
type timelineRow struct {
	StepID   string
	Start    *time.Time
	End      *time.Time
	State    workflow.StepState
	Attempts int
}

// TimelineRenderer renders an ASCII timeline of a run's step execution.
type TimelineRenderer struct {
	Width    int
	BarWidth int

	// now stubs the clock for still-running steps in tests.
	now func() time.Time
}

// NewTimelineRenderer creates a timeline renderer sized to the
// terminal. Width falls back to 100 columns when stdout is not a
// terminal.
func NewTimelineRenderer() (*TimelineRenderer, error) {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width = 100
	}

	if width < MinTerminalWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinTerminalWidth)
	}

	// Reserve space for the step name, duration, state icon, and
	// attempt count columns plus borders.
	barWidth := width - 50
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &TimelineRenderer{
		Width:    width,
		BarWidth: barWidth,
		now:      time.Now,
	}, nil
}

// Render generates an ASCII timeline from a run's step records.
func (r *TimelineRenderer) Render(run *workflow.Run) (string, error) {
	if run == nil || len(run.Steps) == 0 {
		return "", fmt.Errorf("no steps to render")
	}
	if r.now == nil {
		r.now = time.Now
	}

	rows := r.prepareRows(run)
	minTime, maxTime := r.bounds(run, rows)
	totalDuration := maxTime.Sub(minTime)
	if totalDuration <= 0 {
		totalDuration = time.Millisecond
	}

	var sb strings.Builder

	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")

	header := fmt.Sprintf("│ Run: %-*s Total: %8s │\n",
		r.Width-25,
		truncate(run.WorkflowID, r.Width-25),
		FormatDuration(totalDuration))
	sb.WriteString(header)

	sb.WriteString("├" + border + "┤\n")

	for _, row := range rows {
		sb.WriteString(r.renderRow(row, minTime, totalDuration))
	}

	sb.WriteString("└" + border + "┘\n")

	sb.WriteString(fmt.Sprintf("State: %s  Steps: %d/%d succeeded\n",
		run.State, run.CountSteps(workflow.StepSucceeded), len(run.Steps)))

	return sb.String(), nil
}

// prepareRows orders steps by start time; steps that never started
// sort last by id so skips read below the executed work.
func (r *TimelineRenderer) prepareRows(run *workflow.Run) []timelineRow {
	rows := make([]timelineRow, 0, len(run.Steps))
	for id, st := range run.Steps {
		rows = append(rows, timelineRow{
			StepID:   id,
			Start:    st.StartedAt,
			End:      st.FinishedAt,
			State:    st.State,
			Attempts: st.Attempts,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch {
		case a.Start == nil && b.Start == nil:
			return a.StepID < b.StepID
		case a.Start == nil:
			return false
		case b.Start == nil:
			return true
		case a.Start.Equal(*b.Start):
			return a.StepID < b.StepID
		default:
			return a.Start.Before(*b.Start)
		}
	})

	return rows
}

// bounds finds the earliest start and latest end across the run.
func (r *TimelineRenderer) bounds(run *workflow.Run, rows []timelineRow) (time.Time, time.Time) {
	minTime := run.CreatedAt
	if run.StartedAt != nil {
		minTime = *run.StartedAt
	}
	maxTime := minTime

	for _, row := range rows {
		if row.Start != nil && row.Start.Before(minTime) {
			minTime = *row.Start
		}
		if row.End != nil && row.End.After(maxTime) {
			maxTime = *row.End
		}
	}

	if run.FinishedAt != nil && run.FinishedAt.After(maxTime) {
		maxTime = *run.FinishedAt
	}
	if !run.State.Terminal() {
		if now := r.now(); now.After(maxTime) {
			maxTime = now
		}
	}

	return minTime, maxTime
}

// renderRow generates a timeline line for a single step.
func (r *TimelineRenderer) renderRow(row timelineRow, minTime time.Time, totalDuration time.Duration) string {
	bar := make([]rune, r.BarWidth)
	for i := range bar {
		bar[i] = '░'
	}

	var duration time.Duration
	if row.Start != nil {
		end := r.now()
		if row.End != nil {
			end = *row.End
		}
		duration = end.Sub(*row.Start)

		startOffset := row.Start.Sub(minTime)
		startPos := int(float64(startOffset) / float64(totalDuration) * float64(r.BarWidth))
		barLength := int(float64(duration) / float64(totalDuration) * float64(r.BarWidth))

		if barLength < 1 {
			barLength = 1
		}
		if startPos >= r.BarWidth {
			startPos = r.BarWidth - 1
		}
		if startPos+barLength > r.BarWidth {
			barLength = r.BarWidth - startPos
		}
		for i := startPos; i < startPos+barLength; i++ {
			bar[i] = '█'
		}
	}

	durStr := ""
	if row.Start != nil {
		durStr = FormatDuration(duration)
	}

	attempts := ""
	if row.Attempts > 1 {
		attempts = fmt.Sprintf("x%d", row.Attempts)
	}

	name := truncate(row.StepID, 20)
	line := fmt.Sprintf("│ %-20s %s  %8s  %s  %4s │\n",
		name,
		string(bar),
		durStr,
		stateIcon(row.State),
		attempts,
	)

	return line
}

// stateIcon maps a step state to its single-column marker.
func stateIcon(state workflow.StepState) string {
	switch state {
	case workflow.StepSucceeded:
		return SymbolOK
	case workflow.StepFailed:
		return SymbolError
	case workflow.StepCancelled:
		return SymbolWarn
	case workflow.StepSkipped:
		return "-"
	case workflow.StepRunning:
		return "▶"
	default:
		return " "
	}
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
