// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &maestroerrors.ValidationError{
				Field:      "steps[0].id",
				Message:    "required field is missing",
				Suggestion: "Give every step a unique id",
			},
			wantMsg: "validation failed on steps[0].id: required field is missing",
		},
		{
			name: "without field",
			err: &maestroerrors.ValidationError{
				Message:    "invalid format",
				Suggestion: "Check the input format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "run not found",
			err: &maestroerrors.NotFoundError{
				Resource: "run",
				ID:       "0198a2b4-7c3d-7e21-90af-d41d8cd98f00",
			},
			wantMsg: "run not found: 0198a2b4-7c3d-7e21-90af-d41d8cd98f00",
		},
		{
			name: "workflow not found",
			err: &maestroerrors.NotFoundError{
				Resource: "workflow",
				ID:       "deploy-review",
			},
			wantMsg: "workflow not found: deploy-review",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestDefinitionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *maestroerrors.DefinitionError
		want []string
	}{
		{
			name: "cycle with path",
			err: &maestroerrors.DefinitionError{
				Code:   maestroerrors.CodeDefCycle,
				Detail: "dependency cycle detected",
				Cycle:  []string{"a", "b", "a"},
			},
			want: []string{"def_cycle", "a -> b -> a"},
		},
		{
			name: "unknown action",
			err: &maestroerrors.DefinitionError{
				Code:   maestroerrors.CodeDefUnknownAction,
				Detail: `step "fetch" uses unregistered action kind "scrape"`,
			},
			want: []string{"def_unknown_action", "scrape"},
		},
		{
			name: "missing dep",
			err: &maestroerrors.DefinitionError{
				Code:   maestroerrors.CodeDefMissingDep,
				Detail: `step "b" depends on unknown step "zz"`,
			},
			want: []string{"def_missing_dep", "zz"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("DefinitionError.Error() = %q, missing %q", got, want)
				}
			}
			if tt.err.IsRetryable() {
				t.Error("definition errors must not be retryable")
			}
		})
	}
}

func TestExprError_Error(t *testing.T) {
	err := &maestroerrors.ExprError{
		Code:    maestroerrors.CodeExprUnbound,
		Ref:     "steps.fetch.output.body",
		Message: `step "fetch" has not completed`,
	}
	got := err.Error()
	for _, want := range []string{"expr_unbound", "${steps.fetch.output.body}", "has not completed"} {
		if !strings.Contains(got, want) {
			t.Errorf("ExprError.Error() = %q, missing %q", got, want)
		}
	}
	if err.IsRetryable() {
		t.Error("expression errors must not be retryable")
	}
	if err.ErrorType() != "expression" {
		t.Errorf("ErrorType() = %q, want %q", err.ErrorType(), "expression")
	}
}

func TestStepError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &maestroerrors.StepError{
		Class:   maestroerrors.ClassRetriable,
		Code:    "transport",
		Message: "agent call failed",
		Cause:   cause,
	}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !err.IsRetryable() {
		t.Error("retriable step error should report retryable")
	}

	wrapped := fmt.Errorf("executing step: %w", err)
	var stepErr *maestroerrors.StepError
	if !errors.As(wrapped, &stepErr) {
		t.Fatal("errors.As should find StepError through wrapping")
	}
	if stepErr.Code != "transport" {
		t.Errorf("Code = %q, want %q", stepErr.Code, "transport")
	}
}

func TestInfraError_Retryability(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{maestroerrors.CodeCheckpointUnavailable, true},
		{maestroerrors.CodeLeaseLost, false},
		{maestroerrors.CodeQuotaDenied, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := &maestroerrors.InfraError{Code: tt.code, Op: "append", Cause: errors.New("boom")}
			if got := err.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestPolicyError_Error(t *testing.T) {
	err := &maestroerrors.PolicyError{
		Code:    maestroerrors.CodeToolNotAllowed,
		Rule:    "commands: git *",
		Message: `command "rm -rf /" not in allowlist`,
	}
	got := err.Error()
	if !strings.Contains(got, "tool_not_allowed") || !strings.Contains(got, "commands: git *") {
		t.Errorf("PolicyError.Error() = %q", got)
	}
	if err.IsRetryable() {
		t.Error("policy errors must not be retryable")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want maestroerrors.Class
	}{
		{
			name: "nil-ish unknown error is permanent",
			err:  errors.New("mystery"),
			want: maestroerrors.ClassPermanent,
		},
		{
			name: "step error keeps its class",
			err:  &maestroerrors.StepError{Class: maestroerrors.ClassRetriable, Code: "transport"},
			want: maestroerrors.ClassRetriable,
		},
		{
			name: "wrapped step error keeps its class",
			err:  fmt.Errorf("outer: %w", &maestroerrors.StepError{Class: maestroerrors.ClassCancelled, Code: "cancel"}),
			want: maestroerrors.ClassCancelled,
		},
		{
			name: "deadline exceeded is timed_out",
			err:  context.DeadlineExceeded,
			want: maestroerrors.ClassTimedOut,
		},
		{
			name: "context cancel is cancelled",
			err:  fmt.Errorf("running: %w", context.Canceled),
			want: maestroerrors.ClassCancelled,
		},
		{
			name: "timeout error is timed_out",
			err:  &maestroerrors.TimeoutError{Operation: "step", Duration: 2 * time.Second},
			want: maestroerrors.ClassTimedOut,
		},
		{
			name: "expression error is permanent",
			err:  &maestroerrors.ExprError{Code: maestroerrors.CodeExprType, Ref: "inputs.x[0]"},
			want: maestroerrors.ClassPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maestroerrors.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsStep(t *testing.T) {
	t.Run("preserves existing step error", func(t *testing.T) {
		orig := &maestroerrors.StepError{Class: maestroerrors.ClassPermanent, Code: "sandbox_exit"}
		got := maestroerrors.AsStep(fmt.Errorf("wrap: %w", orig), "internal")
		if got != orig {
			t.Error("AsStep should return the original StepError")
		}
	})

	t.Run("wraps plain error with default code", func(t *testing.T) {
		got := maestroerrors.AsStep(errors.New("boom"), "internal")
		if got.Code != "internal" {
			t.Errorf("Code = %q, want internal", got.Code)
		}
		if got.Class != maestroerrors.ClassPermanent {
			t.Errorf("Class = %q, want permanent", got.Class)
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		if got := maestroerrors.AsStep(nil, "internal"); got != nil {
			t.Errorf("AsStep(nil) = %v, want nil", got)
		}
	})
}
