// Package builtin provides the core action kinds: agent invocation,
// sandboxed code, governed commands, pure validation and transformation,
// conditional branching, parallel fan-out, waits, and nested workflows.
package builtin

import (
	"context"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// Registered kind names.
const (
	KindInvokeAgent   = "invoke_agent"
	KindExecuteCode   = "execute_code"
	KindRunCommand    = "run_command"
	KindValidate      = "validate"
	KindTransform     = "transform"
	KindConditional   = "conditional"
	KindParallelGroup = "parallel_group"
	KindWait          = "wait"
	KindSubWorkflow   = "sub_workflow"
)

// Deps are the external collaborators the side-effecting kinds need.
// A nil collaborator leaves its kind registered but failing permanently
// at run time, so definitions validate everywhere and only execution
// requires the wiring.
type Deps struct {
	Agents  action.AgentInvoker
	Sandbox action.Sandbox
	Tools   action.ToolRunner
}

// RegisterAll registers every built-in kind on the registry.
func RegisterAll(reg *action.Registry, deps Deps) error {
	eval := expression.NewEvaluator()
	acts := []action.Action{
		NewInvokeAgent(deps.Agents),
		NewExecuteCode(deps.Sandbox),
		NewRunCommand(deps.Tools),
		NewValidate(eval),
		NewTransform(),
		NewConditional(eval),
		NewParallelGroup(reg),
		NewWait(),
		NewSubWorkflow(),
	}
	for _, a := range acts {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// collaboratorOutcome classifies an error returned by an injected
// collaborator. Deadline and cancellation win, classified errors keep
// their class, and anything unrecognized gets the kind's fallback
// (transport and infra failures default retriable).
func collaboratorOutcome(err error, fallback action.Outcome) action.Outcome {
	if err == nil {
		return action.OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return action.OutcomeTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return action.OutcomeCancelled
	}
	var perr *errors.PolicyError
	if errors.As(err, &perr) {
		return action.OutcomePermanent
	}
	var serr *errors.StepError
	if errors.As(err, &serr) {
		switch serr.Class {
		case errors.ClassRetriable:
			return action.OutcomeRetriable
		case errors.ClassCancelled:
			return action.OutcomeCancelled
		case errors.ClassTimedOut:
			return action.OutcomeTimedOut
		default:
			return action.OutcomePermanent
		}
	}
	return fallback
}

// stringSlice converts a config list to strings, ignoring non-strings.
func stringSlice(vals []any) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
