package builtin

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// fakeInvoker echoes the prompt back, recording the last request.
type fakeInvoker struct {
	lastReq action.AgentRequest
	err     error
}

func (f *fakeInvoker) Invoke(ctx context.Context, req action.AgentRequest) (*action.AgentResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &action.AgentResponse{
		Output:       "echo: " + req.Prompt,
		Model:        "test-model",
		InputTokens:  3,
		OutputTokens: 5,
		StopReason:   "end_turn",
	}, nil
}

// fakeSandbox returns a canned result.
type fakeSandbox struct {
	result *action.CodeResult
	err    error
}

func (f *fakeSandbox) Execute(ctx context.Context, req action.CodeRequest) (*action.CodeResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &action.CodeResult{Stdout: "ok", ExitCode: 0, Duration: 5 * time.Millisecond}, nil
}

// fakeRunner returns a canned command result.
type fakeRunner struct {
	result  *action.CommandResult
	err     error
	lastReq action.CommandRequest
}

func (f *fakeRunner) RunCommand(ctx context.Context, req action.CommandRequest) (*action.CommandResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &action.CommandResult{Stdout: "done", ExitCode: 0}, nil
}

// fakeSignals delivers a payload after an optional delay.
type fakeSignals struct {
	payload any
	delay   time.Duration
}

func (f *fakeSignals) Wait(ctx context.Context, runID, name string) (any, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.payload, nil
}

// fakeLauncher records the launched definition and returns canned
// outputs.
type fakeLauncher struct {
	lastTenant string
	lastDef    *workflow.WorkflowDef
	lastInputs map[string]any
	outputs    map[string]any
	err        error
}

func (f *fakeLauncher) LaunchChild(ctx context.Context, tenantID string, def *workflow.WorkflowDef, inputs map[string]any) (*action.ChildRun, error) {
	f.lastTenant = tenantID
	f.lastDef = def
	f.lastInputs = inputs
	if f.err != nil {
		return nil, f.err
	}
	return &action.ChildRun{RunID: "child-run", Outputs: f.outputs}, nil
}

// denyPolicy blocks a configured target and screens a configured phrase.
type denyPolicy struct {
	blockTarget string
	blockPhrase string
}

func (p *denyPolicy) CheckAction(ctx context.Context, tenantID, kind, target string) error {
	if p.blockTarget != "" && target == p.blockTarget {
		return &errors.PolicyError{Code: errors.CodeToolNotAllowed, Rule: p.blockTarget, Message: "target not allowed"}
	}
	return nil
}

func (p *denyPolicy) ScreenPrompt(ctx context.Context, tenantID, prompt string) error {
	if p.blockPhrase != "" && prompt == p.blockPhrase {
		return &errors.PolicyError{Code: errors.CodePromptInjectionBlocked, Rule: "phrase", Message: "prompt blocked"}
	}
	return nil
}

// countingAction succeeds after failing a configured number of times,
// for group retry tests.
type countingAction struct {
	kind     string
	failures int32
	calls    atomic.Int32
}

func (c *countingAction) Kind() string                       { return c.kind }
func (c *countingAction) ValidateConfig(action.Config) error { return nil }
func (c *countingAction) EstimatedCost(action.Config) int    { return 1 }
func (c *countingAction) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	n := c.calls.Add(1)
	if n <= c.failures {
		return nil, action.OutcomeRetriable, &errors.StepError{
			Class:   errors.ClassRetriable,
			Code:    "flaky",
			Message: fmt.Sprintf("attempt %d failed", n),
		}
	}
	return map[string]any{"call": int64(n)}, action.OutcomeSuccess, nil
}

func testHC() *action.HandlerContext {
	return &action.HandlerContext{
		TenantID:       "acme",
		RunID:          "run-1",
		StepID:         "step-1",
		Attempt:        1,
		AttemptBucket:  1,
		IdempotencyKey: action.IdempotencyKey("run-1", "step-1", 1),
	}
}
