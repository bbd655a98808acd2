package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
)

func TestExecuteCodeRun(t *testing.T) {
	sb := &fakeSandbox{result: &action.CodeResult{
		Stdout:    "42\n",
		ExitCode:  0,
		Artifacts: map[string][]byte{"report.txt": []byte("data")},
		Duration:  12 * time.Millisecond,
	}}
	a := NewExecuteCode(sb)

	cfg := action.Config{"runtime": "python"}
	got, outcome, err := a.Run(context.Background(), testHC(), cfg, map[string]any{
		"source": "print(6*7)",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome != action.OutcomeSuccess {
		t.Fatalf("outcome = %s", outcome)
	}

	m := got.(map[string]any)
	if m["stdout"] != "42\n" || m["exit_code"] != int64(0) {
		t.Errorf("result = %#v", m)
	}
	artifacts := m["artifacts"].(map[string]any)
	if string(artifacts["report.txt"].([]byte)) != "data" {
		t.Errorf("artifacts = %#v", artifacts)
	}
}

func TestExecuteCodeNonZeroExit(t *testing.T) {
	tests := []struct {
		name        string
		cfg         action.Config
		wantOutcome action.Outcome
	}{
		{
			name:        "permanent by default",
			cfg:         action.Config{"runtime": "python"},
			wantOutcome: action.OutcomePermanent,
		},
		{
			name:        "retriable when opted in",
			cfg:         action.Config{"runtime": "python", "retry_on_nonzero": true},
			wantOutcome: action.OutcomeRetriable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := &fakeSandbox{result: &action.CodeResult{
				Stderr:   "Traceback (most recent call last):\n  boom",
				ExitCode: 1,
			}}
			a := NewExecuteCode(sb)

			_, outcome, err := a.Run(context.Background(), testHC(), tt.cfg, map[string]any{"source": "raise"})
			if err == nil {
				t.Fatal("Run() expected error")
			}
			if outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", outcome, tt.wantOutcome)
			}
			var serr *errors.StepError
			if !errors.As(err, &serr) || serr.Code != "sandbox_exit" {
				t.Errorf("error = %v, want sandbox_exit", err)
			}
		})
	}
}

func TestExecuteCodeInfraErrorRetriable(t *testing.T) {
	a := NewExecuteCode(&fakeSandbox{err: errors.New("container start failed")})

	_, outcome, err := a.Run(context.Background(), testHC(),
		action.Config{"runtime": "python"}, map[string]any{"source": "pass"})
	if err == nil {
		t.Fatal("Run() expected error")
	}
	if outcome != action.OutcomeRetriable {
		t.Errorf("outcome = %s, infra errors must be retriable", outcome)
	}
}

func TestExecuteCodeMissingSource(t *testing.T) {
	a := NewExecuteCode(&fakeSandbox{})

	_, outcome, err := a.Run(context.Background(), testHC(),
		action.Config{"runtime": "python"}, map[string]any{})
	if err == nil || outcome != action.OutcomePermanent {
		t.Errorf("outcome = %s, err = %v", outcome, err)
	}
}

func TestExecuteCodeValidateConfig(t *testing.T) {
	a := NewExecuteCode(nil)

	if err := a.ValidateConfig(action.Config{"runtime": "python"}); err != nil {
		t.Errorf("minimal config rejected: %v", err)
	}
	if err := a.ValidateConfig(action.Config{}); err == nil {
		t.Error("missing runtime accepted")
	}
	if err := a.ValidateConfig(action.Config{"runtime": "python", "retry_on_nonzero": "yes"}); err == nil {
		t.Error("non-bool retry_on_nonzero accepted")
	}
}
