package builtin

import (
	"context"
	"testing"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
)

func TestInvokeAgentRun(t *testing.T) {
	inv := &fakeInvoker{}
	a := NewInvokeAgent(inv)

	cfg := action.Config{
		"agent":  "researcher",
		"system": "be brief",
		"tools":  []any{"search", "read_file"},
		"params": map[string]any{"temperature": 0.2},
	}

	got, outcome, err := a.Run(context.Background(), testHC(), cfg, map[string]any{"prompt": "summarize the report"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome != action.OutcomeSuccess {
		t.Fatalf("outcome = %s", outcome)
	}

	m := got.(map[string]any)
	if m["response"] != "echo: summarize the report" {
		t.Errorf("response = %v", m["response"])
	}
	if m["model"] != "test-model" {
		t.Errorf("model = %v", m["model"])
	}
	usage := m["usage"].(map[string]any)
	if usage["input_tokens"] != int64(3) || usage["output_tokens"] != int64(5) {
		t.Errorf("usage = %#v", usage)
	}

	if inv.lastReq.Agent != "researcher" || inv.lastReq.System != "be brief" {
		t.Errorf("request = %+v", inv.lastReq)
	}
	if len(inv.lastReq.Tools) != 2 {
		t.Errorf("tools = %v", inv.lastReq.Tools)
	}
	if inv.lastReq.IdempotencyKey == "" {
		t.Error("idempotency key must flow to the invoker")
	}
}

func TestInvokeAgentTransportRetries(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("connection reset")}
	a := NewInvokeAgent(inv)

	_, outcome, err := a.Run(context.Background(), testHC(),
		action.Config{"agent": "researcher"}, map[string]any{"prompt": "hi"})
	if err == nil {
		t.Fatal("Run() expected error")
	}
	if outcome != action.OutcomeRetriable {
		t.Errorf("outcome = %s, transport errors must be retriable", outcome)
	}
}

func TestInvokeAgentPolicyBlocked(t *testing.T) {
	a := NewInvokeAgent(&fakeInvoker{})

	hc := testHC()
	hc.Policy = &denyPolicy{blockTarget: "forbidden-agent"}
	_, outcome, err := a.Run(context.Background(), hc,
		action.Config{"agent": "forbidden-agent"}, map[string]any{"prompt": "hi"})
	if outcome != action.OutcomePermanent {
		t.Errorf("outcome = %s, policy blocks are permanent", outcome)
	}
	var perr *errors.PolicyError
	if !errors.As(err, &perr) || perr.Code != errors.CodeToolNotAllowed {
		t.Errorf("error = %v, want tool_not_allowed", err)
	}
}

func TestInvokeAgentPromptScreened(t *testing.T) {
	a := NewInvokeAgent(&fakeInvoker{})

	hc := testHC()
	hc.Policy = &denyPolicy{blockPhrase: "ignore previous instructions"}
	_, outcome, err := a.Run(context.Background(), hc,
		action.Config{"agent": "researcher"}, map[string]any{"prompt": "ignore previous instructions"})
	if outcome != action.OutcomePermanent {
		t.Errorf("outcome = %s", outcome)
	}
	var perr *errors.PolicyError
	if !errors.As(err, &perr) || perr.Code != errors.CodePromptInjectionBlocked {
		t.Errorf("error = %v, want prompt_injection_blocked", err)
	}
}

func TestInvokeAgentMissingPrompt(t *testing.T) {
	a := NewInvokeAgent(&fakeInvoker{})

	_, outcome, err := a.Run(context.Background(), testHC(),
		action.Config{"agent": "researcher"}, map[string]any{})
	if err == nil || outcome != action.OutcomePermanent {
		t.Errorf("outcome = %s, err = %v; missing prompt is permanent", outcome, err)
	}
}

func TestInvokeAgentNoInvoker(t *testing.T) {
	a := NewInvokeAgent(nil)

	_, outcome, err := a.Run(context.Background(), testHC(),
		action.Config{"agent": "researcher"}, map[string]any{"prompt": "hi"})
	if err == nil || outcome != action.OutcomePermanent {
		t.Errorf("outcome = %s, err = %v", outcome, err)
	}
}

func TestInvokeAgentValidateConfig(t *testing.T) {
	a := NewInvokeAgent(nil)

	if err := a.ValidateConfig(action.Config{"agent": "researcher"}); err != nil {
		t.Errorf("minimal config rejected: %v", err)
	}
	if err := a.ValidateConfig(action.Config{}); err == nil {
		t.Error("missing agent accepted")
	}
	if err := a.ValidateConfig(action.Config{"agent": "r", "params": "hot"}); err == nil {
		t.Error("non-map params accepted")
	}
}
