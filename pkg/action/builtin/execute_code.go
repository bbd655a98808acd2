package builtin

import (
	"context"
	"fmt"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// ExecuteCode submits source to the sandbox collaborator. The source and
// stdin arrive in inputs; the runtime contract (language, limits,
// artifact list, retry behavior) is config.
type ExecuteCode struct {
	sandbox action.Sandbox
}

// NewExecuteCode creates the execute_code action.
func NewExecuteCode(sandbox action.Sandbox) *ExecuteCode {
	return &ExecuteCode{sandbox: sandbox}
}

// Kind implements action.Action.
func (a *ExecuteCode) Kind() string { return KindExecuteCode }

// ValidateConfig implements action.Action.
func (a *ExecuteCode) ValidateConfig(cfg action.Config) error {
	if _, err := cfg.GetString("runtime"); err != nil {
		return err
	}
	if cfg.Has("retry_on_nonzero") {
		if _, err := cfg.GetBool("retry_on_nonzero"); err != nil {
			return err
		}
	}
	if cfg.Has("artifacts") {
		if _, err := cfg.GetSlice("artifacts"); err != nil {
			return err
		}
	}
	if cfg.Has("limits") {
		if _, err := cfg.GetMap("limits"); err != nil {
			return err
		}
	}
	return nil
}

// EstimatedCost implements action.Action. Sandbox runs hold a container.
func (a *ExecuteCode) EstimatedCost(cfg action.Config) int { return 3 }

// Run implements action.Action.
func (a *ExecuteCode) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	if a.sandbox == nil {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "sandbox_unavailable",
			Message: "no sandbox is configured",
		}
	}

	source, ok := inputs["source"].(string)
	if !ok || source == "" {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "sandbox_bad_request",
			Message: "execute_code requires a non-empty string input \"source\"",
		}
	}

	runtime := cfg.GetStringOr("runtime", "")
	if hc.Policy != nil {
		if err := hc.Policy.CheckAction(ctx, hc.TenantID, KindExecuteCode, runtime); err != nil {
			return nil, action.OutcomePermanent, err
		}
	}

	req := action.CodeRequest{
		Runtime:        runtime,
		Source:         source,
		IdempotencyKey: hc.IdempotencyKey,
	}
	if stdin, ok := inputs["stdin"].(string); ok {
		req.Stdin = stdin
	}
	if env, ok := inputs["env"].(map[string]any); ok {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			req.Env[k] = fmt.Sprintf("%v", v)
		}
	}
	if files, ok := inputs["files"].(map[string]any); ok {
		req.Files = make(map[string][]byte, len(files))
		for name, v := range files {
			switch data := v.(type) {
			case []byte:
				req.Files[name] = data
			case string:
				req.Files[name] = []byte(data)
			}
		}
	}
	if raw, err := cfg.GetSlice("artifacts"); err == nil {
		req.Artifacts = stringSlice(raw)
	}
	req.Limits, _ = cfg.GetMap("limits")

	res, err := a.sandbox.Execute(ctx, req)
	if err != nil {
		outcome := collaboratorOutcome(err, action.OutcomeRetriable)
		return nil, outcome, errors.Wrapf(err, "%s sandbox", runtime)
	}

	artifacts := make(map[string]any, len(res.Artifacts))
	for name, data := range res.Artifacts {
		artifacts[name] = data
	}
	result, err := workflow.Normalize(map[string]any{
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"artifacts":   artifacts,
		"duration_ms": res.Duration.Milliseconds(),
	})
	if err != nil {
		return nil, action.OutcomePermanent, fmt.Errorf("normalizing sandbox result: %w", err)
	}

	if res.ExitCode != 0 {
		class := errors.ClassPermanent
		outcome := action.OutcomePermanent
		if cfg.GetBoolOr("retry_on_nonzero", false) {
			class = errors.ClassRetriable
			outcome = action.OutcomeRetriable
		}
		return result, outcome, &errors.StepError{
			Class:   class,
			Code:    "sandbox_exit",
			Message: fmt.Sprintf("code exited %d: %s", res.ExitCode, firstLine(res.Stderr)),
		}
	}
	return result, action.OutcomeSuccess, nil
}

// firstLine trims a stderr blob to its first line for error messages.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
