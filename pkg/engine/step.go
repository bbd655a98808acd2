package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

type updateKind int

const (
	updateRunning updateKind = iota
	updateRetry
	updateDone
)

// stepUpdate is one message from an activation goroutine to its run
// loop. The loop owns every checkpoint append; goroutines only report.
type stepUpdate struct {
	stepID  string
	kind    updateKind
	attempt int
	delay   time.Duration
	outcome action.Outcome
	result  any
	err     *errors.StepError
}

// activationRun drives the attempts of one step activation: invoke the
// handler, classify the outcome, back off and retry within the budget,
// and report each transition to the loop. It holds no run state and
// never touches the store.
type activationRun struct {
	tenantID string
	runID    string
	stepID   string
	kind     string

	act     action.Action
	config  action.Config
	inputs  map[string]any
	retry   *workflow.RetrySpec
	timeout time.Duration

	startAttempt int
	bucket       int

	log      *slog.Logger
	signals  action.SignalWaiter
	launcher action.SubworkflowLauncher
	policy   action.PolicyChecker

	updates chan<- stepUpdate
	done    <-chan struct{}
}

func (r *activationRun) run(ctx context.Context) {
	for attempt := r.startAttempt; ; attempt++ {
		if !r.send(stepUpdate{stepID: r.stepID, kind: updateRunning, attempt: attempt}) {
			return
		}

		result, outcome, err := r.invoke(ctx, attempt)
		if outcome == action.OutcomeSuccess {
			r.send(stepUpdate{stepID: r.stepID, kind: updateDone, attempt: attempt, outcome: outcome, result: result})
			return
		}

		stepErr := r.classify(err, outcome)
		if outcome == action.OutcomeCancelled || !r.shouldRetry(ctx, attempt, outcome, stepErr) {
			r.send(stepUpdate{stepID: r.stepID, kind: updateDone, attempt: attempt, outcome: outcome, err: stepErr})
			return
		}

		delay := r.backoff(attempt + 1)
		if !r.send(stepUpdate{stepID: r.stepID, kind: updateRetry, attempt: attempt, delay: delay, err: stepErr}) {
			return
		}
		if !r.sleep(ctx, delay) {
			r.send(stepUpdate{stepID: r.stepID, kind: updateDone, attempt: attempt, outcome: action.OutcomeCancelled, err: &errors.StepError{
				Class:   errors.ClassCancelled,
				Code:    "retry_interrupted",
				Message: "cancelled while waiting to retry",
			}})
			return
		}
	}
}

// invoke runs one handler attempt under the step timeout, recovering
// panics and reconciling the reported outcome with the context state:
// run-level teardown overrides whatever the handler said, and an
// attempt-deadline expiry the handler swallowed is restored.
func (r *activationRun) invoke(ctx context.Context, attempt int) (result any, outcome action.Outcome, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hc := &action.HandlerContext{
		TenantID:       r.tenantID,
		RunID:          r.runID,
		StepID:         r.stepID,
		Attempt:        attempt,
		AttemptBucket:  r.bucket,
		IdempotencyKey: action.IdempotencyKey(r.runID, r.stepID, r.bucket),
		Logger:         r.log.With("attempt", attempt),
		Signals:        r.signals,
		Launcher:       r.launcher,
		Policy:         r.policy,
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				outcome = action.OutcomePermanent
				err = &errors.StepError{
					Class:   errors.ClassPermanent,
					Code:    errors.CodeInternal,
					Message: fmt.Sprintf("%s handler panicked: %v", r.kind, rec),
				}
				r.log.Error("handler panic",
					"attempt", attempt,
					"panic", rec,
					"stack", string(debug.Stack()))
			}
		}()
		result, outcome, err = r.act.Run(attemptCtx, hc, r.config, r.inputs)
	}()

	if outcome == action.OutcomeSuccess {
		normalized, nerr := workflow.Normalize(result)
		if nerr != nil {
			return nil, action.OutcomePermanent, errors.Wrapf(nerr, "%s result", r.kind)
		}
		return normalized, action.OutcomeSuccess, nil
	}

	if cerr := ctx.Err(); cerr != nil {
		cause := err
		if cause == nil {
			cause = cerr
		}
		if errors.Is(cerr, context.DeadlineExceeded) {
			return nil, action.OutcomeTimedOut, cause
		}
		return nil, action.OutcomeCancelled, cause
	}
	if attemptCtx.Err() != nil && outcome != action.OutcomeTimedOut {
		return nil, action.OutcomeTimedOut, &errors.TimeoutError{
			Operation: "step " + r.stepID,
			Duration:  r.timeout,
			Cause:     err,
		}
	}
	if err == nil {
		err = fmt.Errorf("%s handler reported %s without an error", r.kind, outcome)
	}
	return nil, outcome, err
}

// classify settles the recorded StepError for a failed attempt. The
// outcome's class wins over whatever class the error carries, so a
// handler cannot mislabel a timeout as retriable.
func (r *activationRun) classify(err error, outcome action.Outcome) *errors.StepError {
	se := errors.AsStep(err, r.defaultCode(outcome))
	if want := outcome.Class(); se.Class != want {
		cp := *se
		cp.Class = want
		se = &cp
	}
	return se
}

func (r *activationRun) defaultCode(outcome action.Outcome) string {
	switch outcome {
	case action.OutcomeTimedOut:
		return "step_timeout"
	case action.OutcomeCancelled:
		return "step_cancelled"
	default:
		return "action_failed"
	}
}

func (r *activationRun) shouldRetry(ctx context.Context, attempt int, outcome action.Outcome, stepErr *errors.StepError) bool {
	if attempt >= r.retry.MaxAttempts || ctx.Err() != nil {
		return false
	}
	switch outcome {
	case action.OutcomeRetriable:
		return r.retry.RetriesCode(stepErr.Code)
	case action.OutcomeTimedOut:
		return r.retry.RetryOnTimeout()
	default:
		return false
	}
}

// backoff computes the jittered delay before the given attempt.
func (r *activationRun) backoff(attempt int) time.Duration {
	base := r.retry.BaseDelay(attempt)
	if base <= 0 || r.retry.Jitter <= 0 {
		return base
	}
	spread := (rand.Float64()*2 - 1) * r.retry.Jitter
	return time.Duration(float64(base) * (1 + spread))
}

func (r *activationRun) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// send delivers an update unless the loop has already exited, so an
// abandoned goroutine can never block on a full channel.
func (r *activationRun) send(msg stepUpdate) bool {
	select {
	case r.updates <- msg:
		return true
	case <-r.done:
		return false
	}
}
