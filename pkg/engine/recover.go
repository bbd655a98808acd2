package engine

import (
	"context"
	"encoding/json"

	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// Recover adopts runs whose owner stopped renewing their lease. Each
// adopted run is replayed from its log and resumed on this node; steps
// that were mid-flight re-activate under a fresh idempotency bucket.
// It returns the IDs of the runs it resumed.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}

	abandoned, err := e.store.AbandonedRuns(ctx)
	if err != nil {
		return nil, err
	}

	var resumed []string
	for _, runID := range abandoned {
		ok, err := e.recoverRun(ctx, runID)
		if err != nil {
			e.log.Warn("recovery skipped", "run_id", runID, "error", err)
			continue
		}
		if ok {
			resumed = append(resumed, runID)
		}
	}
	return resumed, nil
}

// recoverRun adopts one abandoned run. A false return without error
// means the run needed no recovery here: someone else holds it, it is
// already active locally, or the log turned out to be finished.
func (e *Engine) recoverRun(ctx context.Context, runID string) (bool, error) {
	if e.handle(runID) != nil {
		return false, nil
	}
	if err := e.store.AcquireLease(ctx, runID, e.owner, e.leaseTTL); err != nil {
		if errors.Is(err, checkpoint.ErrLeaseHeld) {
			return false, nil
		}
		return false, err
	}

	events, err := e.store.Events(ctx, runID, 1)
	if err != nil {
		e.store.ReleaseLease(ctx, runID, e.owner)
		return false, err
	}
	run, err := checkpoint.Replay(events)
	if err != nil {
		e.store.ReleaseLease(ctx, runID, e.owner)
		return false, err
	}
	if run.State.Terminal() {
		// The log finished but the view lagged behind; repair it.
		if err := e.store.SaveRun(ctx, e.owner, run); err != nil {
			e.log.Warn("run view repair failed", "run_id", runID, "error", err)
		}
		e.store.ReleaseLease(ctx, runID, e.owner)
		return false, nil
	}

	def, err := definitionFromValue(events[0].Payload["definition"])
	if err != nil {
		e.store.ReleaseLease(ctx, runID, e.owner)
		return false, errors.Wrapf(err, "rebuilding definition for run %s", runID)
	}
	plan, err := e.planFor(def)
	if err != nil {
		e.store.ReleaseLease(ctx, runID, e.owner)
		return false, err
	}

	interrupted := resetInterrupted(run)

	ticket, granted, err := e.sched.AcquireRun(run.TenantID)
	if err != nil {
		e.store.ReleaseLease(ctx, runID, e.owner)
		return false, err
	}
	if !granted {
		select {
		case <-ticket.Ready():
			if err := ticket.Err(); err != nil {
				e.store.ReleaseLease(ctx, runID, e.owner)
				return false, err
			}
		case <-ctx.Done():
			e.sched.Cancel(ticket)
			e.store.ReleaseLease(ctx, runID, e.owner)
			return false, ctx.Err()
		case <-e.baseCtx.Done():
			e.sched.Cancel(ticket)
			e.store.ReleaseLease(ctx, runID, e.owner)
			return false, ErrClosed
		}
	}

	handle := e.newHandle(runID)
	if handle == nil {
		e.sched.Release(ticket)
		e.store.ReleaseLease(ctx, runID, e.owner)
		return false, ErrClosed
	}
	e.log.Info("run recovered",
		"run_id", runID,
		"tenant_id", run.TenantID,
		"workflow_id", run.WorkflowID,
		"checkpoint_seq", run.CheckpointSeq,
		"interrupted_steps", interrupted)
	e.startRun(run, def, plan, handle, ticket)
	return true, nil
}

// resetInterrupted rewinds steps the dead owner left mid-flight back
// to pending so the loop re-activates them. Attempt and activation
// counts survive: the retry budget keeps counting and the next
// activation gets a new idempotency bucket.
func resetInterrupted(run *workflow.Run) int {
	n := 0
	for _, st := range run.Steps {
		switch st.State {
		case workflow.StepReady, workflow.StepRunning:
			st.State = workflow.StepPending
			st.StartedAt = nil
			n++
		}
	}
	return n
}

// definitionFromValue rebuilds the parsed definition embedded in a
// run_created payload.
func definitionFromValue(v any) (*workflow.WorkflowDef, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("run_created payload carries no definition")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encoding stored definition")
	}
	def, err := workflow.ParseDefinition(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parsing stored definition")
	}
	def.ApplyDefaults()
	return def, nil
}
