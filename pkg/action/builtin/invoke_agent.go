package builtin

import (
	"context"
	"fmt"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// InvokeAgent routes a prompt to an agent through the injected invoker.
// The prompt arrives in inputs (so upstream references resolve into it);
// agent selection and model parameters live in config.
type InvokeAgent struct {
	invoker action.AgentInvoker
}

// NewInvokeAgent creates the invoke_agent action.
func NewInvokeAgent(invoker action.AgentInvoker) *InvokeAgent {
	return &InvokeAgent{invoker: invoker}
}

// Kind implements action.Action.
func (a *InvokeAgent) Kind() string { return KindInvokeAgent }

// ValidateConfig implements action.Action.
func (a *InvokeAgent) ValidateConfig(cfg action.Config) error {
	if _, err := cfg.GetString("agent"); err != nil {
		return err
	}
	if cfg.Has("params") {
		if _, err := cfg.GetMap("params"); err != nil {
			return err
		}
	}
	if cfg.Has("tools") {
		if _, err := cfg.GetSlice("tools"); err != nil {
			return err
		}
	}
	if cfg.Has("system") {
		if _, err := cfg.GetString("system"); err != nil {
			return err
		}
	}
	return nil
}

// EstimatedCost implements action.Action. Agent calls dominate spend.
func (a *InvokeAgent) EstimatedCost(cfg action.Config) int { return 5 }

// Run implements action.Action.
func (a *InvokeAgent) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	if a.invoker == nil {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "agent_unavailable",
			Message: "no agent invoker is configured",
		}
	}

	agent := cfg.GetStringOr("agent", "")
	prompt, ok := inputs["prompt"].(string)
	if !ok || prompt == "" {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "agent_bad_request",
			Message: "invoke_agent requires a non-empty string input \"prompt\"",
		}
	}

	if hc.Policy != nil {
		if err := hc.Policy.CheckAction(ctx, hc.TenantID, KindInvokeAgent, agent); err != nil {
			return nil, action.OutcomePermanent, err
		}
		if err := hc.Policy.ScreenPrompt(ctx, hc.TenantID, prompt); err != nil {
			return nil, action.OutcomePermanent, err
		}
	}

	var tools []string
	if raw, err := cfg.GetSlice("tools"); err == nil {
		tools = stringSlice(raw)
	}
	params, _ := cfg.GetMap("params")

	resp, err := a.invoker.Invoke(ctx, action.AgentRequest{
		Agent:          agent,
		Prompt:         prompt,
		System:         cfg.GetStringOr("system", ""),
		Tools:          tools,
		Params:         params,
		IdempotencyKey: hc.IdempotencyKey,
	})
	if err != nil {
		outcome := collaboratorOutcome(err, action.OutcomeRetriable)
		return nil, outcome, errors.Wrapf(err, "agent %s", agent)
	}

	result, err := workflow.Normalize(map[string]any{
		"response":    resp.Output,
		"model":       resp.Model,
		"stop_reason": resp.StopReason,
		"usage": map[string]any{
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
		},
	})
	if err != nil {
		return nil, action.OutcomePermanent, fmt.Errorf("normalizing agent response: %w", err)
	}
	return result, action.OutcomeSuccess, nil
}
