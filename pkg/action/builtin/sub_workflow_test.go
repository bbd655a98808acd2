package builtin

import (
	"context"
	"testing"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
)

func inlineDefinition() map[string]any {
	return map[string]any{
		"id": "child-flow",
		"steps": []any{
			map[string]any{
				"id":          "shape",
				"action_kind": "transform",
				"config":      map[string]any{"query": "."},
			},
		},
	}
}

func TestSubWorkflowRun(t *testing.T) {
	launcher := &fakeLauncher{outputs: map[string]any{"total": int64(7)}}
	a := NewSubWorkflow()

	hc := testHC()
	hc.Launcher = launcher
	got, outcome, err := a.Run(context.Background(), hc,
		action.Config{"definition": inlineDefinition()},
		map[string]any{"n": int64(7)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome != action.OutcomeSuccess {
		t.Fatalf("outcome = %s", outcome)
	}

	m := got.(map[string]any)
	if m["run_id"] != "child-run" {
		t.Errorf("run_id = %v", m["run_id"])
	}
	outputs := m["outputs"].(map[string]any)
	if outputs["total"] != int64(7) {
		t.Errorf("outputs = %#v", outputs)
	}

	if launcher.lastDef == nil || launcher.lastDef.ID != "child-flow" {
		t.Fatalf("launched definition = %+v", launcher.lastDef)
	}
	if launcher.lastTenant != "acme" {
		t.Errorf("tenant = %q", launcher.lastTenant)
	}
	if launcher.lastInputs["n"] != int64(7) {
		t.Errorf("child inputs = %#v", launcher.lastInputs)
	}
}

func TestSubWorkflowStringDefinition(t *testing.T) {
	launcher := &fakeLauncher{}
	a := NewSubWorkflow()

	doc := `
id: child-flow
steps:
  - id: shape
    action_kind: transform
    config:
      query: "."
`
	hc := testHC()
	hc.Launcher = launcher
	_, outcome, err := a.Run(context.Background(), hc,
		action.Config{"definition": doc}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome != action.OutcomeSuccess {
		t.Fatalf("outcome = %s", outcome)
	}
	if launcher.lastDef.Steps[0].ID != "shape" {
		t.Errorf("steps = %+v", launcher.lastDef.Steps)
	}
}

func TestSubWorkflowChildFailure(t *testing.T) {
	launcher := &fakeLauncher{err: &errors.StepError{
		Class: errors.ClassRetriable,
		Code:  "agent_unavailable",
	}}
	a := NewSubWorkflow()

	hc := testHC()
	hc.Launcher = launcher
	_, outcome, err := a.Run(context.Background(), hc,
		action.Config{"definition": inlineDefinition()}, nil)
	// The child's error class carries through to the parent step.
	if outcome != action.OutcomeRetriable {
		t.Errorf("outcome = %s, want retriable_error", outcome)
	}
	var serr *errors.StepError
	if !errors.As(err, &serr) {
		t.Errorf("error = %v, want StepError", err)
	}
}

func TestSubWorkflowNoLauncher(t *testing.T) {
	a := NewSubWorkflow()

	_, outcome, err := a.Run(context.Background(), testHC(),
		action.Config{"definition": inlineDefinition()}, nil)
	if outcome != action.OutcomePermanent {
		t.Errorf("outcome = %s", outcome)
	}
	var serr *errors.StepError
	if !errors.As(err, &serr) || serr.Code != "subworkflow_unavailable" {
		t.Errorf("error = %v, want subworkflow_unavailable", err)
	}
}

func TestSubWorkflowValidateConfig(t *testing.T) {
	a := NewSubWorkflow()

	cyclic := map[string]any{
		"id": "loop",
		"steps": []any{
			map[string]any{"id": "a", "action_kind": "transform", "config": map[string]any{"query": "."}, "depends_on": []any{"b"}},
			map[string]any{"id": "b", "action_kind": "transform", "config": map[string]any{"query": "."}, "depends_on": []any{"a"}},
		},
	}

	tests := []struct {
		name    string
		cfg     action.Config
		wantErr bool
	}{
		{name: "inline mapping", cfg: action.Config{"definition": inlineDefinition()}},
		{name: "missing definition", cfg: action.Config{}, wantErr: true},
		{name: "wrong type", cfg: action.Config{"definition": 42}, wantErr: true},
		{name: "unparseable document", cfg: action.Config{"definition": "steps: [}"}, wantErr: true},
		{name: "cycle caught at admission", cfg: action.Config{"definition": cyclic}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
