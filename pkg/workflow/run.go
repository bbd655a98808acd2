package workflow

import (
	"time"

	"github.com/tombee/maestro/pkg/errors"
)

// StepState represents the lifecycle state of one step within a run.
type StepState string

// Step states. Transitions are monotone: once a step reaches a terminal
// state it never changes. Retrying is an internal sub-state of running
// and is not modeled separately.
const (
	StepPending   StepState = "pending"
	StepReady     StepState = "ready"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
	StepCancelled StepState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s StepState) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

var stepTransitions = map[StepState]map[StepState]bool{
	StepPending: {
		StepReady:     true,
		StepSkipped:   true,
		StepCancelled: true,
	},
	StepReady: {
		StepRunning:   true,
		StepSkipped:   true,
		StepCancelled: true,
	},
	StepRunning: {
		StepSucceeded: true,
		StepFailed:    true,
		StepCancelled: true,
	},
}

// CanTransition reports whether the transition from s to next is legal.
// The empty state behaves as pending.
func (s StepState) CanTransition(next StepState) bool {
	from := s
	if from == "" {
		from = StepPending
	}
	return stepTransitions[from][next]
}

// RunState represents the lifecycle state of a workflow run.
type RunState string

// Run states.
const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
	RunTimedOut  RunState = "timed_out"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunTimedOut:
		return true
	default:
		return false
	}
}

var runTransitions = map[RunState]map[RunState]bool{
	RunQueued: {
		RunRunning:   true,
		RunCancelled: true,
	},
	RunRunning: {
		RunSucceeded: true,
		RunFailed:    true,
		RunCancelled: true,
		RunTimedOut:  true,
	},
}

// CanTransition reports whether the transition from s to next is legal.
func (s RunState) CanTransition(next RunState) bool {
	return runTransitions[s][next]
}

// SkipReasonUpstreamFailed marks steps skipped because an ancestor
// failed or an untaken conditional branch disabled them.
const (
	SkipReasonUpstreamFailed = "upstream_failed"
	SkipReasonBranchNotTaken = "branch_not_taken"
)

// StepStatus is the mutable execution record of one step within a run.
type StepStatus struct {
	// State is the current lifecycle state
	State StepState `json:"state"`

	// Attempts counts handler invocations so far
	Attempts int `json:"attempts,omitempty"`

	// Activations counts ready transitions. Retries within one
	// activation share an idempotency bucket; only a recovery
	// re-activation advances it.
	Activations int `json:"activations,omitempty"`

	// Result holds the normalized step output once succeeded
	Result any `json:"result,omitempty"`

	// Error records the last failure
	Error *errors.StepError `json:"error,omitempty"`

	// SkipReason explains a skipped state
	SkipReason string `json:"skip_reason,omitempty"`

	// Partial marks a cancelled step whose handler was abandoned after
	// the grace period and may have performed side effects
	Partial bool `json:"partial,omitempty"`

	// StartedAt is the first running transition
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt is the terminal transition
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is the execution record of one workflow submission. A run is
// mutated only by the single executor loop that owns it; everything
// handed to other goroutines goes through Snapshot.
type Run struct {
	// RunID is the time-ordered unique identifier (UUIDv7)
	RunID string `json:"run_id"`

	// TenantID scopes the run to its isolation domain
	TenantID string `json:"tenant_id"`

	// WorkflowID names the definition this run executes
	WorkflowID string `json:"workflow_id"`

	// DefinitionHash pins the exact definition content
	DefinitionHash string `json:"definition_hash"`

	// Inputs are the resolved, normalized submission inputs
	Inputs map[string]any `json:"inputs,omitempty"`

	// State is the run lifecycle state
	State RunState `json:"state"`

	// Steps maps step id to its execution record; entries appear lazily
	// on first activation
	Steps map[string]*StepStatus `json:"steps,omitempty"`

	// Outputs are the sink-step results, assembled at success
	Outputs map[string]any `json:"outputs,omitempty"`

	// FirstFailedStep is the id of the first step whose failure decided
	// a failed run
	FirstFailedStep string `json:"first_failed_step,omitempty"`

	// Error is the failure that decided a terminal failed/timed_out state
	Error *errors.StepError `json:"error,omitempty"`

	// CancelReason records why a cancelled run stopped
	CancelReason string `json:"cancel_reason,omitempty"`

	// CheckpointSeq is the sequence number of the last appended event
	CheckpointSeq uint64 `json:"checkpoint_seq"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Step returns the status record for a step id, creating it lazily in
// pending state.
func (r *Run) Step(id string) *StepStatus {
	if r.Steps == nil {
		r.Steps = make(map[string]*StepStatus)
	}
	st, ok := r.Steps[id]
	if !ok {
		st = &StepStatus{State: StepPending}
		r.Steps[id] = st
	}
	return st
}

// StepStates projects the per-step lifecycle states for the planner's
// ready-set computation.
func (r *Run) StepStates() map[string]StepState {
	states := make(map[string]StepState, len(r.Steps))
	for id, st := range r.Steps {
		states[id] = st.State
	}
	return states
}

// CountSteps returns how many steps are currently in the given state.
func (r *Run) CountSteps(state StepState) int {
	n := 0
	for _, st := range r.Steps {
		if st.State == state {
			n++
		}
	}
	return n
}

// Snapshot returns a deep copy of the run safe to hand to readers while
// the executor loop keeps mutating the original.
func (r *Run) Snapshot() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Inputs = copyValueMap(r.Inputs)
	cp.Outputs = copyValueMap(r.Outputs)
	cp.StartedAt = copyTime(r.StartedAt)
	cp.FinishedAt = copyTime(r.FinishedAt)
	if r.Steps != nil {
		cp.Steps = make(map[string]*StepStatus, len(r.Steps))
		for id, st := range r.Steps {
			s := *st
			s.Result = CopyValue(st.Result)
			s.StartedAt = copyTime(st.StartedAt)
			s.FinishedAt = copyTime(st.FinishedAt)
			cp.Steps[id] = &s
		}
	}
	return &cp
}

// Summary returns the listing row for this run.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		TenantID:   r.TenantID,
		WorkflowID: r.WorkflowID,
		State:      r.State,
		CreatedAt:  r.CreatedAt,
		FinishedAt: copyTime(r.FinishedAt),
	}
}

// RunSummary is the compact listing view of a run.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	TenantID   string     `json:"tenant_id"`
	WorkflowID string     `json:"workflow_id"`
	State      RunState   `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// CopyValue deep-copies a normalized value. Scalars and []byte contents
// are immutable by convention; lists and maps are copied structurally.
func CopyValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = CopyValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = CopyValue(elem)
		}
		return out
	default:
		return v
	}
}

func copyValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return CopyValue(m).(map[string]any)
}
