package builtin

import (
	"context"
	"reflect"
	"testing"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

func conditionalConfig() action.Config {
	return action.Config{"branches": []any{
		map[string]any{
			"name":  "high",
			"when":  "inputs.score >= 0.8",
			"steps": []any{"publish"},
		},
		map[string]any{
			"name":  "low",
			"steps": []any{"revise", "resubmit"},
		},
	}}
}

func TestConditionalRun(t *testing.T) {
	tests := []struct {
		name        string
		score       float64
		wantBranch  string
		wantSteps   []any
		wantSkipped []any
	}{
		{
			name:        "predicate branch taken",
			score:       0.9,
			wantBranch:  "high",
			wantSteps:   []any{"publish"},
			wantSkipped: []any{"revise", "resubmit"},
		},
		{
			name:        "default branch taken",
			score:       0.3,
			wantBranch:  "low",
			wantSteps:   []any{"revise", "resubmit"},
			wantSkipped: []any{"publish"},
		},
	}

	a := NewConditional(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome, err := a.Run(context.Background(), testHC(), conditionalConfig(), map[string]any{"score": tt.score})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if outcome != action.OutcomeSuccess {
				t.Fatalf("outcome = %s", outcome)
			}
			m, ok := got.(map[string]any)
			if !ok {
				t.Fatalf("Run() = %T, want map", got)
			}
			if m["branch"] != tt.wantBranch {
				t.Errorf("branch = %v, want %v", m["branch"], tt.wantBranch)
			}
			if !reflect.DeepEqual(m["steps"], tt.wantSteps) {
				t.Errorf("steps = %v, want %v", m["steps"], tt.wantSteps)
			}
			if !reflect.DeepEqual(m["skipped"], tt.wantSkipped) {
				t.Errorf("skipped = %v, want %v", m["skipped"], tt.wantSkipped)
			}
		})
	}
}

func TestConditionalNoBranchMatched(t *testing.T) {
	a := NewConditional(nil)
	cfg := action.Config{"branches": []any{
		map[string]any{"when": "inputs.score > 100", "steps": []any{"never"}},
	}}

	_, outcome, err := a.Run(context.Background(), testHC(), cfg, map[string]any{"score": 0.5})
	if outcome != action.OutcomePermanent {
		t.Fatalf("outcome = %s, want permanent_error", outcome)
	}
	var serr *errors.StepError
	if !errors.As(err, &serr) || serr.Code != "no_branch_matched" {
		t.Errorf("error = %v, want no_branch_matched", err)
	}
}

func TestConditionalValidateConfig(t *testing.T) {
	a := NewConditional(nil)

	tests := []struct {
		name    string
		cfg     action.Config
		wantErr bool
	}{
		{name: "ok", cfg: conditionalConfig()},
		{name: "no branches", cfg: action.Config{"branches": []any{}}, wantErr: true},
		{name: "missing branches", cfg: action.Config{}, wantErr: true},
		{
			name: "bad predicate",
			cfg: action.Config{"branches": []any{
				map[string]any{"when": "inputs.x ==", "steps": []any{"a"}},
			}},
			wantErr: true,
		},
		{
			name: "empty steps",
			cfg: action.Config{"branches": []any{
				map[string]any{"when": "true", "steps": []any{}},
			}},
			wantErr: true,
		},
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

func TestConditionalValidateStep(t *testing.T) {
	a := NewConditional(nil)

	def := &workflow.WorkflowDef{
		ID: "review",
		Steps: []workflow.StepSpec{
			{ID: "gate", ActionKind: KindConditional, Config: map[string]any{"branches": []any{
				map[string]any{"when": "inputs.ok", "steps": []any{"publish"}},
				map[string]any{"steps": []any{"revise"}},
			}}},
			{ID: "publish", ActionKind: "noop", DependsOn: []string{"gate"}},
			{ID: "revise", ActionKind: "noop", DependsOn: []string{"gate"}},
		},
	}
	if err := a.ValidateStep(def, &def.Steps[0]); err != nil {
		t.Errorf("ValidateStep() error = %v", err)
	}

	// Branch target that is not a step.
	bad := &workflow.WorkflowDef{
		ID: "review",
		Steps: []workflow.StepSpec{
			{ID: "gate", ActionKind: KindConditional, Config: map[string]any{"branches": []any{
				map[string]any{"steps": []any{"ghost"}},
			}}},
		},
	}
	if err := a.ValidateStep(bad, &bad.Steps[0]); err == nil {
		t.Error("unknown branch target accepted")
	}

	// Branch target that does not depend on the conditional.
	detached := &workflow.WorkflowDef{
		ID: "review",
		Steps: []workflow.StepSpec{
			{ID: "gate", ActionKind: KindConditional, Config: map[string]any{"branches": []any{
				map[string]any{"steps": []any{"free"}},
			}}},
			{ID: "free", ActionKind: "noop"},
		},
	}
	if err := a.ValidateStep(detached, &detached.Steps[0]); err == nil {
		t.Error("detached branch target accepted")
	}
}
