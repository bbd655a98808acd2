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
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/commands/shared"
	internallog "github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/toolexec"
	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/action/builtin"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/engine"
	"github.com/tombee/maestro/pkg/workflow"
)

// runLocal executes the workflow in-process against an in-memory
// store: the same engine the daemon runs, minus durability. State is
// gone when the command exits, so runs that wait on signals are better
// served by a daemon.
func runLocal(cmd *cobra.Command, path string, inputArgs []string, inputFile string) error {
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

	logCfg := &internallog.Config{
		Level:  "warn",
		Format: internallog.FormatText,
		Output: os.Stderr,
	}
	if shared.GetVerbose() {
		logCfg.Level = "debug"
	}
	logger := internallog.New(logCfg)

	registry := action.NewRegistry()
	deps := builtin.Deps{
		Tools: toolexec.New(toolexec.Options{
			InheritEnv: true,
			Logger:     logger,
		}),
	}
	if err := builtin.RegisterAll(registry, deps); err != nil {
		return shared.NewExecutionError("failed to register actions", err)
	}

	eng, err := engine.New(engine.Config{
		Store:    checkpoint.NewMemoryStore(),
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return shared.NewExecutionError("failed to create engine", err)
	}
	defer eng.Close()

	// Same tenant fallback the daemon applies to untagged submissions.
	ctx := cmd.Context()
	runID, err := eng.Submit(ctx, "default", def, inputs)
	if err != nil {
		return shared.NewInvalidWorkflowError("workflow rejected", err)
	}

	// Watch before replaying the log so no event falls between the
	// two; duplicates across the seam drop by sequence number.
	watch, cancelWatch := eng.Watch(runID)
	defer cancelWatch()

	replayed, err := eng.Events(ctx, runID, 0)
	if err != nil {
		return shared.NewExecutionError("failed to read run events", err)
	}

	var lastSeq uint64
	finished := false
	for _, ev := range replayed {
		renderEvent(cmd, ev)
		lastSeq = ev.Seq
		if ev.Kind == checkpoint.KindRunFinished {
			finished = true
		}
	}

	for !finished {
		select {
		case <-ctx.Done():
			return shared.NewExecutionError("interrupted", ctx.Err())
		case ev, ok := <-watch:
			if !ok {
				finished = true
				break
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			renderEvent(cmd, ev)
			if ev.Kind == checkpoint.KindRunFinished {
				finished = true
			}
		}
	}

	run, err := eng.Wait(ctx, runID)
	if err != nil {
		return shared.NewExecutionError("failed to read run record", err)
	}
	return printOutcome(cmd, run)
}
