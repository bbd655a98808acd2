package builtin

import (
	"context"
	"fmt"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// RunCommand invokes a governed tool command through the injected
// runner. The command comes from config, never from inputs, so resolved
// upstream data can only flow into arguments explicitly templated there
// by the definition author.
type RunCommand struct {
	runner action.ToolRunner
}

// NewRunCommand creates the run_command action.
func NewRunCommand(runner action.ToolRunner) *RunCommand {
	return &RunCommand{runner: runner}
}

// Kind implements action.Action.
func (a *RunCommand) Kind() string { return KindRunCommand }

// ValidateConfig implements action.Action.
func (a *RunCommand) ValidateConfig(cfg action.Config) error {
	argv, err := commandArgv(cfg)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return errors.New("command must not be empty")
	}
	if cfg.Has("env") {
		if _, err := cfg.GetMap("env"); err != nil {
			return err
		}
	}
	if cfg.Has("retry_on_nonzero") {
		if _, err := cfg.GetBool("retry_on_nonzero"); err != nil {
			return err
		}
	}
	return nil
}

// EstimatedCost implements action.Action.
func (a *RunCommand) EstimatedCost(cfg action.Config) int { return 2 }

// Run implements action.Action.
func (a *RunCommand) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	if a.runner == nil {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "tool_unavailable",
			Message: "no tool runner is configured",
		}
	}

	argv, err := commandArgv(cfg)
	if err != nil || len(argv) == 0 {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "tool_bad_request",
			Message: "run_command requires a non-empty command",
			Cause:   err,
		}
	}

	if hc.Policy != nil {
		if err := hc.Policy.CheckAction(ctx, hc.TenantID, KindRunCommand, argv[0]); err != nil {
			return nil, action.OutcomePermanent, err
		}
	}

	req := action.CommandRequest{
		Argv: argv,
		Dir:  cfg.GetStringOr("dir", ""),
	}
	if env, err := cfg.GetMap("env"); err == nil {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			req.Env[k] = fmt.Sprintf("%v", v)
		}
	}
	if stdin, ok := inputs["stdin"].(string); ok {
		req.Stdin = stdin
	}

	res, err := a.runner.RunCommand(ctx, req)
	if err != nil {
		outcome := collaboratorOutcome(err, action.OutcomeRetriable)
		return nil, outcome, errors.Wrapf(err, "command %s", argv[0])
	}

	result, err := workflow.Normalize(map[string]any{
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	})
	if err != nil {
		return nil, action.OutcomePermanent, fmt.Errorf("normalizing command result: %w", err)
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
			Code:    "command_failed",
			Message: fmt.Sprintf("%s exited %d: %s", argv[0], res.ExitCode, firstLine(res.Stderr)),
		}
	}
	return result, action.OutcomeSuccess, nil
}

// commandArgv reads the command from config: a string (split by the
// runner's shell) is rejected here in favor of explicit argv form, so
// resolved values never undergo shell word-splitting.
func commandArgv(cfg action.Config) ([]string, error) {
	raw, ok := cfg["command"]
	if !ok {
		return nil, action.ErrKeyNotFound{Key: "command"}
	}
	switch v := raw.(type) {
	case []any:
		argv := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command[%d] must be a string, got %T", i, item)
			}
			argv[i] = s
		}
		return argv, nil
	case []string:
		return v, nil
	default:
		return nil, fmt.Errorf("command must be a list of strings, got %T", raw)
	}
}
