package action

import (
	"context"
	"testing"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	kind    string
	cost    int
	cfgErr  error
	suspend bool
}

func (s *stubAction) Kind() string                         { return s.kind }
func (s *stubAction) ValidateConfig(cfg Config) error      { return s.cfgErr }
func (s *stubAction) EstimatedCost(cfg Config) int         { return s.cost }
func (s *stubAction) Suspends(cfg Config) bool             { return s.suspend }
func (s *stubAction) Run(ctx context.Context, hc *HandlerContext, cfg Config, inputs map[string]any) (any, Outcome, error) {
	return nil, OutcomeSuccess, nil
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&stubAction{kind: "noop", cost: 1}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(&stubAction{kind: "noop"}); err == nil {
		t.Error("duplicate kind must be rejected")
	}
	if err := reg.Register(&stubAction{kind: ""}); err == nil {
		t.Error("empty kind must be rejected")
	}

	if _, ok := reg.Get("noop"); !ok {
		t.Error("Get(noop) not found after Register")
	}
	if _, ok := reg.Get("ghost"); ok {
		t.Error("Get(ghost) unexpectedly found")
	}
}

func TestRegistryKinds(t *testing.T) {
	reg := NewRegistry()
	for _, k := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(&stubAction{kind: k, cost: 1}); err != nil {
			t.Fatal(err)
		}
	}
	kinds := reg.Kinds()
	want := []string{"alpha", "mid", "zeta"}
	if len(kinds) != len(want) {
		t.Fatalf("Kinds() = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("Kinds()[%d] = %q, want %q (sorted)", i, kinds[i], want[i])
		}
	}
}

func TestRegistryValidateDefinition(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&stubAction{kind: "noop", cost: 1}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&stubAction{kind: "broken", cfgErr: errors.New("bad knob")}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		kind     string
		wantCode string
	}{
		{name: "known kind passes", kind: "noop", wantCode: ""},
		{name: "unknown kind", kind: "teleport", wantCode: errors.CodeDefUnknownAction},
		{name: "config rejected", kind: "broken", wantCode: errors.CodeDefSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &workflow.WorkflowDef{
				ID:    "wf",
				Steps: []workflow.StepSpec{{ID: "a", ActionKind: tt.kind}},
			}
			err := reg.ValidateDefinition(def)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("ValidateDefinition() error = %v", err)
				}
				return
			}
			var derr *errors.DefinitionError
			if !errors.As(err, &derr) {
				t.Fatalf("ValidateDefinition() error = %v, want DefinitionError", err)
			}
			if derr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", derr.Code, tt.wantCode)
			}
		})
	}
}

func TestRegistryEstimatedCost(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&stubAction{kind: "pricey", cost: 7}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&stubAction{kind: "negative", cost: -3}); err != nil {
		t.Fatal(err)
	}

	if got := reg.EstimatedCost(&workflow.StepSpec{ID: "a", ActionKind: "pricey"}); got != 7 {
		t.Errorf("EstimatedCost(pricey) = %d", got)
	}
	if got := reg.EstimatedCost(&workflow.StepSpec{ID: "a", ActionKind: "negative"}); got != 0 {
		t.Errorf("EstimatedCost(negative) = %d, want clamped 0", got)
	}
	if got := reg.EstimatedCost(&workflow.StepSpec{ID: "a", ActionKind: "ghost"}); got != 1 {
		t.Errorf("EstimatedCost(ghost) = %d, want fallback 1", got)
	}
}

func TestRegistrySuspends(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&stubAction{kind: "parker", suspend: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&stubAction{kind: "worker"}); err != nil {
		t.Fatal(err)
	}

	if !reg.Suspends(&workflow.StepSpec{ID: "a", ActionKind: "parker"}) {
		t.Error("Suspends(parker) = false")
	}
	if reg.Suspends(&workflow.StepSpec{ID: "a", ActionKind: "worker"}) {
		t.Error("Suspends(worker) = true")
	}
	if reg.Suspends(&workflow.StepSpec{ID: "a", ActionKind: "ghost"}) {
		t.Error("Suspends(ghost) = true")
	}
}
