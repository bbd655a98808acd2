// Package checkpoint persists workflow runs as append-only event logs
// so an executor can resume them after a crash. Each run's log carries
// a monotone sequence number; appends are compare-and-swap guarded on
// both the sequence and the run's lease, so exactly one writer advances
// a run at a time. A materialized run view sits beside the log for
// cheap reads; the log remains the source of truth and Replay rebuilds
// the view from it.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// Kind identifies a checkpoint event.
type Kind string

// Event kinds, in rough lifecycle order.
const (
	KindRunCreated         Kind = "run_created"
	KindRunStarted         Kind = "run_started"
	KindStepReady          Kind = "step_ready"
	KindStepRunning        Kind = "step_running"
	KindStepSucceeded      Kind = "step_succeeded"
	KindStepFailed         Kind = "step_failed"
	KindStepCancelled      Kind = "step_cancelled"
	KindStepSkipped        Kind = "step_skipped"
	KindStepRetryScheduled Kind = "step_retry_scheduled"
	KindRunFinished        Kind = "run_finished"
)

var validKinds = map[Kind]bool{
	KindRunCreated:         true,
	KindRunStarted:         true,
	KindStepReady:          true,
	KindStepRunning:        true,
	KindStepSucceeded:      true,
	KindStepFailed:         true,
	KindStepCancelled:      true,
	KindStepSkipped:        true,
	KindStepRetryScheduled: true,
	KindRunFinished:        true,
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool { return validKinds[k] }

// StepEvent reports whether events of this kind describe a single step
// and therefore require a step id.
func (k Kind) StepEvent() bool {
	switch k {
	case KindStepReady, KindStepRunning, KindStepSucceeded, KindStepFailed,
		KindStepCancelled, KindStepSkipped, KindStepRetryScheduled:
		return true
	default:
		return false
	}
}

// Durable reports whether the event must reach stable storage before
// the executor may act on it. Only step completions carry this burden:
// losing one would let a descendant observe a result that a restarted
// executor no longer knows about. Everything else is best-effort and
// at worst re-executes work behind an idempotency key.
func (k Kind) Durable() bool {
	return k == KindStepSucceeded || k == KindStepFailed
}

// Event is one entry in a run's checkpoint log. Payload keys by kind:
//
//	run_created    workflow_id, definition_hash, definition
//	run_started    definition_hash, inputs
//	step_succeeded result
//	step_skipped   reason
//	step_cancelled partial (bool)
//	step_retry_scheduled delay_ms, next_attempt
//	run_finished   outputs, first_failed_step, reason
//
// run_created embeds the full normalized definition so recovery can
// rebuild the plan from the log alone.
//
// Values in Payload are normalized per the workflow value model so the
// log serializes canonically.
type Event struct {
	// RunID identifies the run this event belongs to
	RunID string `json:"run_id"`

	// TenantID scopes the event for external consumers
	TenantID string `json:"tenant_id"`

	// Seq is the position in the run's log, starting at 1
	Seq uint64 `json:"seq"`

	// Time is when the executor recorded the transition
	Time time.Time `json:"ts"`

	// Kind names the transition
	Kind Kind `json:"kind"`

	// StepID is set on step-scoped events
	StepID string `json:"step_id,omitempty"`

	// Attempt is the handler invocation count at the time of the event
	Attempt int `json:"attempt,omitempty"`

	// State is the resulting step or run state label
	State string `json:"state,omitempty"`

	// Error carries the failure for step_failed, step_cancelled, and
	// failed run_finished events
	Error *errors.StepError `json:"error,omitempty"`

	// Payload holds kind-specific data
	Payload map[string]any `json:"payload,omitempty"`
}

// Validate checks structural requirements before an append.
func (e *Event) Validate() error {
	if e.RunID == "" {
		return &errors.ValidationError{Field: "run_id", Message: "event run ID cannot be empty"}
	}
	if !e.Kind.Valid() {
		return &errors.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown event kind %q", e.Kind)}
	}
	if e.Seq == 0 {
		return &errors.ValidationError{Field: "seq", Message: "event sequence numbers start at 1"}
	}
	if e.Kind.StepEvent() && e.StepID == "" {
		return &errors.ValidationError{Field: "step_id", Message: fmt.Sprintf("%s events require a step ID", e.Kind)}
	}
	if !e.Kind.StepEvent() && e.StepID != "" {
		return &errors.ValidationError{Field: "step_id", Message: fmt.Sprintf("%s events must not carry a step ID", e.Kind)}
	}
	return nil
}

// Clone returns a deep copy safe to retain after the caller's buffers
// are reused.
func (e Event) Clone() Event {
	cp := e
	if e.Payload != nil {
		cp.Payload = workflow.CopyValue(e.Payload).(map[string]any)
	}
	if e.Error != nil {
		errCopy := *e.Error
		cp.Error = &errCopy
	}
	return cp
}
