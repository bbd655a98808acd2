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

package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Class categorizes a step failure for retry decisions and terminal
// classification. Handlers report one of these with every non-success
// outcome; unclassified errors are treated as permanent.
type Class string

const (
	// ClassRetriable marks transient failures worth another attempt.
	ClassRetriable Class = "retriable"

	// ClassPermanent marks failures that will not succeed on retry.
	ClassPermanent Class = "permanent"

	// ClassCancelled marks work stopped by cancellation.
	ClassCancelled Class = "cancelled"

	// ClassTimedOut marks work stopped by a deadline.
	ClassTimedOut Class = "timed_out"
)

// Definition error codes, surfaced at submission time. A run is never
// created for a definition carrying one of these.
const (
	CodeDefCycle         = "def_cycle"
	CodeDefUnknownAction = "def_unknown_action"
	CodeDefMissingDep    = "def_missing_dep"
	CodeDefSchema        = "def_schema"
)

// Expression resolution error codes, surfaced as permanent step failures.
const (
	CodeExprUnbound    = "expr_unbound"
	CodeExprType       = "expr_type"
	CodeExprOutOfRange = "expr_out_of_range"
)

// Infrastructure error codes.
const (
	CodeCheckpointUnavailable = "checkpoint_unavailable"
	CodeLeaseLost             = "lease_lost"
	CodeQuotaDenied           = "quota_denied_permanent"
)

// Policy error codes, raised by pre-action hooks.
const (
	CodePromptInjectionBlocked = "prompt_injection_blocked"
	CodeToolNotAllowed         = "tool_not_allowed"
)

// General step failure codes.
const (
	CodeInternal       = "internal"
	CodeRunTimeout     = "run_timeout"
	CodeUpstreamFailed = "upstream_failed"
)

// DefinitionError reports a workflow definition that failed admission
// validation. Code is one of the CodeDef* constants.
type DefinitionError struct {
	// Code identifies the failure category (def_cycle, def_unknown_action, ...)
	Code string

	// Detail is the human-readable explanation
	Detail string

	// Cycle holds the offending step ids for def_cycle, in discovery order
	Cycle []string
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	if e.Code == CodeDefCycle && len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Detail, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// ErrorType identifies the error category for ErrorClassifier.
func (e *DefinitionError) ErrorType() string { return "definition" }

// IsRetryable always returns false: definitions do not become valid on retry.
func (e *DefinitionError) IsRetryable() bool { return false }

// ExprError reports a template reference that could not be resolved.
// Code is one of the CodeExpr* constants. Expression errors always fail a
// step permanently; re-evaluating the same reference would fail again.
type ExprError struct {
	// Code identifies the failure (expr_unbound, expr_type, expr_out_of_range)
	Code string

	// Ref is the reference text that failed, without the ${} delimiters
	Ref string

	// Message explains what went wrong at which path element
	Message string
}

// Error implements the error interface.
func (e *ExprError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s: ${%s}: %s", e.Code, e.Ref, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorType identifies the error category for ErrorClassifier.
func (e *ExprError) ErrorType() string { return "expression" }

// IsRetryable always returns false.
func (e *ExprError) IsRetryable() bool { return false }

// StepError is the externally visible error recorded for a failed step
// attempt: a class for retry decisions, a short machine-readable code, a
// human message, and an optional nested cause.
type StepError struct {
	// Class categorizes the failure (retriable, permanent, cancelled, timed_out)
	Class Class

	// Code is a short stable tag (e.g., "expr_unbound", "sandbox_exit", "internal")
	Code string

	// Message is the human-readable description
	Message string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	msg := fmt.Sprintf("step failed [%s/%s]: %s", e.Class, e.Code, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category for ErrorClassifier.
func (e *StepError) ErrorType() string { return "step" }

// IsRetryable reports whether the step may be attempted again.
func (e *StepError) IsRetryable() bool { return e.Class == ClassRetriable }

// stepErrorJSON is the persisted form of StepError. The cause chain
// flattens to its text; only class, code, and message survive a
// round trip intact.
type stepErrorJSON struct {
	Class   Class  `json:"class"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *StepError) MarshalJSON() ([]byte, error) {
	w := stepErrorJSON{Class: e.Class, Code: e.Code, Message: e.Message}
	if e.Cause != nil {
		w.Cause = e.Cause.Error()
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *StepError) UnmarshalJSON(data []byte) error {
	var w stepErrorJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Class = w.Class
	e.Code = w.Code
	e.Message = w.Message
	e.Cause = nil
	if w.Cause != "" {
		e.Cause = errors.New(w.Cause)
	}
	return nil
}

// InfraError reports an engine infrastructure failure: the checkpoint store
// is unreachable, the run lease was lost to another owner, or a tenant was
// denied admission permanently.
type InfraError struct {
	// Code identifies the failure (checkpoint_unavailable, lease_lost, ...)
	Code string

	// Op names the operation that failed (e.g., "append", "acquire_lease")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InfraError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s during %s: %v", e.Code, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InfraError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category for ErrorClassifier.
func (e *InfraError) ErrorType() string { return "infrastructure" }

// IsRetryable reports whether the operation may succeed if repeated.
// Lease loss and permanent quota denial never do.
func (e *InfraError) IsRetryable() bool {
	return e.Code == CodeCheckpointUnavailable
}

// PolicyError reports work blocked by a pre-action policy hook. Policy
// blocks are permanent: the same input will be blocked again.
type PolicyError struct {
	// Code identifies the policy (prompt_injection_blocked, tool_not_allowed)
	Code string

	// Rule is the pattern or rule that matched
	Rule string

	// Message is the human-readable description
	Message string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s (rule %q): %s", e.Code, e.Rule, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorType identifies the error category for ErrorClassifier.
func (e *PolicyError) ErrorType() string { return "policy" }

// IsRetryable always returns false.
func (e *PolicyError) IsRetryable() bool { return false }

// Classify maps an arbitrary error to a failure Class. Context
// cancellation and deadline errors map to cancelled/timed_out, classified
// errors report their own class, and everything else is permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var step *StepError
	if errors.As(err, &step) {
		return step.Class
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return ClassTimedOut
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) && classifier.IsRetryable() {
		return ClassRetriable
	}
	return ClassPermanent
}

// AsStep converts an arbitrary error to a StepError, preserving an existing
// one and otherwise wrapping with the classified class and the given code.
func AsStep(err error, code string) *StepError {
	if err == nil {
		return nil
	}
	var step *StepError
	if errors.As(err, &step) {
		return step
	}
	return &StepError{
		Class:   Classify(err),
		Code:    code,
		Message: err.Error(),
		Cause:   err,
	}
}
