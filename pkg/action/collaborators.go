package action

import (
	"context"
	"time"

	"github.com/tombee/maestro/pkg/workflow"
)

// AgentRequest asks the routing collaborator to invoke an agent.
type AgentRequest struct {
	// Agent is the routed agent id.
	Agent string

	// Prompt is the fully resolved prompt text.
	Prompt string

	// System is an optional system prompt.
	System string

	// Tools are the tool names offered to the agent, already
	// policy-filtered.
	Tools []string

	// Params carries model parameters (temperature, max_tokens, ...).
	Params map[string]any

	// IdempotencyKey deduplicates replays downstream.
	IdempotencyKey string
}

// AgentResponse is the routing collaborator's reply.
type AgentResponse struct {
	// Output is the agent's response Value: text or structured content.
	Output any

	// Model is the concrete model that served the request.
	Model string

	// InputTokens and OutputTokens report usage for cost accounting.
	InputTokens  int
	OutputTokens int

	// StopReason explains why generation ended.
	StopReason string
}

// AgentInvoker routes invoke_agent steps to an LLM backend. Transport
// failures should be returned retriable (implement IsRetryable or wrap a
// StepError); policy refusals permanent.
type AgentInvoker interface {
	Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error)
}

// CodeRequest submits source to the sandbox collaborator.
type CodeRequest struct {
	// Runtime names the execution environment ("python", "node", ...).
	Runtime string

	// Source is the program text.
	Source string

	// Stdin is fed to the process.
	Stdin string

	// Env is merged into the sandbox environment.
	Env map[string]string

	// Files are written into the working directory before execution.
	Files map[string][]byte

	// Artifacts lists paths to collect after execution.
	Artifacts []string

	// Limits carries resource bounds (cpu_ms, memory_mb) the sandbox
	// understands.
	Limits map[string]any

	// IdempotencyKey deduplicates replays downstream.
	IdempotencyKey string
}

// CodeResult reports a sandboxed execution.
type CodeResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Artifacts map[string][]byte
	Duration  time.Duration
}

// Sandbox executes code for execute_code steps. Infrastructure failures
// (sandbox unavailable, container start) should be returned retriable; a
// clean run with a non-zero exit is not an error, it is a CodeResult.
type Sandbox interface {
	Execute(ctx context.Context, req CodeRequest) (*CodeResult, error)
}

// CommandRequest asks the tool runner to execute a governed command.
type CommandRequest struct {
	// Argv is the command and its arguments.
	Argv []string

	// Dir is the working directory; empty means the runner's default.
	Dir string

	// Env is merged into the command environment.
	Env map[string]string

	// Stdin is fed to the process.
	Stdin string
}

// CommandResult reports a completed command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ToolRunner executes run_command steps. Like Sandbox, a non-zero exit
// is reported in the result, not as an error.
type ToolRunner interface {
	RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// SignalWaiter parks until an external signal named (run_id, name)
// arrives, returning its payload. Implementations must unblock on ctx
// cancellation.
type SignalWaiter interface {
	Wait(ctx context.Context, runID, name string) (any, error)
}

// ChildRun reports a finished nested run.
type ChildRun struct {
	// RunID is the child run's id.
	RunID string

	// Outputs are the child run's outputs when it succeeded.
	Outputs map[string]any
}

// SubworkflowLauncher starts a nested run and blocks until it reaches a
// terminal state. A failed, cancelled, or timed-out child is reported as
// an error carrying the child's classification; cancellation of ctx
// propagates into the child.
type SubworkflowLauncher interface {
	LaunchChild(ctx context.Context, tenantID string, def *workflow.WorkflowDef, inputs map[string]any) (*ChildRun, error)
}

// PolicyChecker gates side-effecting actions before they run. CheckAction
// returns a PolicyError with code tool_not_allowed when the target is
// outside the tenant's allowlist for the kind; ScreenPrompt returns
// prompt_injection_blocked when the prompt trips the lexical screen.
type PolicyChecker interface {
	CheckAction(ctx context.Context, tenantID, kind, target string) error
	ScreenPrompt(ctx context.Context, tenantID, prompt string) error
}
