package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// Wait parks for a wall-clock duration or until an external signal named
// (run_id, signal_name) arrives. It implements Suspender, so the engine
// runs it without charging a concurrency slot: the goroutine blocks on a
// timer or signal channel, never on work.
type Wait struct{}

// NewWait creates the wait action.
func NewWait() *Wait {
	return &Wait{}
}

// Kind implements action.Action.
func (a *Wait) Kind() string { return KindWait }

// ValidateConfig implements action.Action. Exactly one of duration and
// signal must be set; a timeout may bound a signal wait.
func (a *Wait) ValidateConfig(cfg action.Config) error {
	hasDuration := cfg.Has("duration")
	hasSignal := cfg.Has("signal")
	if hasDuration == hasSignal {
		return errors.New("wait requires exactly one of duration or signal")
	}
	if hasDuration {
		d, err := cfg.GetDuration("duration")
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("duration must be positive, got %s", d)
		}
		if cfg.Has("timeout") {
			return errors.New("timeout only applies to signal waits")
		}
		return nil
	}
	name, err := cfg.GetString("signal")
	if err != nil {
		return err
	}
	if name == "" {
		return errors.New("signal name must not be empty")
	}
	if cfg.Has("timeout") {
		d, err := cfg.GetDuration("timeout")
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
	}
	return nil
}

// EstimatedCost implements action.Action. Waits hold no resources.
func (a *Wait) EstimatedCost(cfg action.Config) int { return 0 }

// Suspends implements action.Suspender.
func (a *Wait) Suspends(cfg action.Config) bool { return true }

// Run implements action.Action.
func (a *Wait) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	if cfg.Has("duration") {
		return a.waitDuration(ctx, cfg)
	}
	return a.waitSignal(ctx, hc, cfg)
}

func (a *Wait) waitDuration(ctx context.Context, cfg action.Config) (any, action.Outcome, error) {
	d, err := cfg.GetDuration("duration")
	if err != nil {
		return nil, action.OutcomePermanent, err
	}
	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"elapsed_ms": d.Milliseconds()}, action.OutcomeSuccess, nil
	case <-ctx.Done():
		return nil, action.OutcomeFromError(ctx.Err()),
			errors.Wrapf(ctx.Err(), "wait interrupted after %s", time.Since(start).Round(time.Millisecond))
	}
}

func (a *Wait) waitSignal(ctx context.Context, hc *action.HandlerContext, cfg action.Config) (any, action.Outcome, error) {
	if hc.Signals == nil {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "signal_unavailable",
			Message: "no signal hub is configured",
		}
	}
	name := cfg.GetStringOr("signal", "")

	waitCtx := ctx
	if timeout := cfg.GetDurationOr("timeout", 0); timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := hc.Signals.Wait(waitCtx, hc.RunID, name)
	if err != nil {
		// Distinguish our local timeout from the caller's cancellation.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, action.OutcomeTimedOut, errors.Wrapf(err, "signal %q", name)
		}
		return nil, action.OutcomeFromError(err), errors.Wrapf(err, "signal %q", name)
	}

	normalized, err := workflow.Normalize(map[string]any{
		"signal":  name,
		"payload": payload,
	})
	if err != nil {
		return nil, action.OutcomePermanent, err
	}
	return normalized, action.OutcomeSuccess, nil
}
