// Package action defines the contract between the engine and step
// handlers: the Action interface, the outcome taxonomy, the handler
// context passed to every attempt, and the registry of known kinds.
//
// Built-in kinds live in the builtin subpackage. External collaborators
// (agent router, code sandbox, tool runner) are injected as interfaces
// declared here so the engine stays free of transport concerns.
package action

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/tombee/maestro/pkg/errors"
)

// Outcome classifies the result of one handler attempt. The engine maps
// it onto the step state machine and the retry policy.
type Outcome int

const (
	// OutcomeSuccess means the handler produced a result.
	OutcomeSuccess Outcome = iota

	// OutcomeRetriable means the attempt failed transiently and may be retried.
	OutcomeRetriable

	// OutcomePermanent means retrying cannot help.
	OutcomePermanent

	// OutcomeCancelled means the attempt observed cancellation and unwound.
	OutcomeCancelled

	// OutcomeTimedOut means the attempt exceeded its deadline.
	OutcomeTimedOut
)

// String returns the wire name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetriable:
		return "retriable_error"
	case OutcomePermanent:
		return "permanent_error"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Class maps the outcome onto the error taxonomy. OutcomeSuccess has no
// class and maps to permanent for safety; callers should not ask.
func (o Outcome) Class() errors.Class {
	switch o {
	case OutcomeRetriable:
		return errors.ClassRetriable
	case OutcomeCancelled:
		return errors.ClassCancelled
	case OutcomeTimedOut:
		return errors.ClassTimedOut
	default:
		return errors.ClassPermanent
	}
}

// OutcomeFromError classifies an error returned by a collaborator or
// handler into an Outcome. Context cancellation and deadlines win over
// any wrapped classification.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch errors.Classify(err) {
	case errors.ClassRetriable:
		return OutcomeRetriable
	case errors.ClassCancelled:
		return OutcomeCancelled
	case errors.ClassTimedOut:
		return OutcomeTimedOut
	default:
		return OutcomePermanent
	}
}

// HandlerContext carries per-attempt identity and engine capabilities
// into a handler. The deadline travels on the context.Context argument,
// not here.
type HandlerContext struct {
	// TenantID owns the run.
	TenantID string

	// RunID is the run this attempt belongs to.
	RunID string

	// StepID is the step being attempted. Child activations of compound
	// steps extend it with a suffix ("fanout.resize").
	StepID string

	// Attempt is the 1-based attempt number.
	Attempt int

	// AttemptBucket identifies the activation: it is shared by every
	// retry of one activation and advances only when a recovered run
	// re-activates the step.
	AttemptBucket int

	// IdempotencyKey is derived from (run, step, attempt bucket), so it
	// is stable across every retry of one step activation. Handlers with
	// external side effects must pass it downstream so replays
	// deduplicate.
	IdempotencyKey string

	// Logger is scoped with run, step, and attempt fields.
	Logger *slog.Logger

	// Signals resolves named external signals for this run. Nil when the
	// engine runs without a signal hub.
	Signals SignalWaiter

	// Launcher starts nested runs for sub_workflow steps. Nil when
	// nesting is disabled.
	Launcher SubworkflowLauncher

	// Policy gates actions and screens prompts before side effects. Nil
	// means no policy enforcement.
	Policy PolicyChecker
}

// Log returns the scoped logger, falling back to the default logger so
// handlers never need a nil check.
func (h *HandlerContext) Log() *slog.Logger {
	if h == nil || h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Child derives a HandlerContext for a child activation of a compound
// step. The idempotency key is re-derived from the extended step id and
// the parent's attempt bucket, so child keys stay stable across group
// retries too.
func (h *HandlerContext) Child(suffix string) *HandlerContext {
	c := *h
	c.StepID = h.StepID + "." + suffix
	c.IdempotencyKey = IdempotencyKey(h.RunID, c.StepID, h.AttemptBucket)
	if h.Logger != nil {
		c.Logger = h.Logger.With("step_id", c.StepID)
	}
	return &c
}

// IdempotencyKey derives the stable key for one step activation. All
// retries within the activation share an attempt bucket, so the key is
// identical across them and a resumed run reproduces it.
func IdempotencyKey(runID, stepID string, attemptBucket int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d", runID, stepID, attemptBucket))
	return fmt.Sprintf("sha256:%x", sum)
}

// Action is one registered step kind. Implementations must be safe for
// concurrent use; one instance serves every step of its kind.
type Action interface {
	// Kind returns the registry name ("invoke_agent", "transform", ...).
	Kind() string

	// ValidateConfig checks a step's config block at admission time,
	// before any run is created.
	ValidateConfig(config Config) error

	// Run executes one attempt. The result is a normalized Value on
	// success. A non-success outcome should be accompanied by an error
	// explaining it.
	Run(ctx context.Context, hc *HandlerContext, config Config, inputs map[string]any) (any, Outcome, error)

	// EstimatedCost weighs the step for tenant fair-share scheduling.
	// Pure in-process work is 1; costlier kinds report more.
	EstimatedCost(config Config) int
}

// Suspender is implemented by kinds that park on a timer or signal
// instead of doing work. The engine runs suspending steps without
// charging a concurrency slot.
type Suspender interface {
	Suspends(config Config) bool
}
