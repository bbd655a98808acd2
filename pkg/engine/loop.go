package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/scheduler"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// verdict is the terminal direction a run has committed to. Once set it
// never changes; in-flight steps drain under it.
type verdict int

const (
	verdictNone verdict = iota
	verdictFailed
	verdictCancelled
	verdictTimedOut
)

// activation tracks one in-flight step goroutine.
type activation struct {
	stepID   string
	ticket   *scheduler.Ticket
	act      action.Action
	suspends bool
}

// branchSelector is implemented by actions whose result names steps the
// loop should prune, like the untaken branches of a conditional.
type branchSelector interface {
	SkippedSteps(result any) []string
}

// runLoop executes one run. It is the only goroutine that mutates the
// run or appends to its log; activation goroutines report through the
// updates channel and everything else reads snapshots.
type runLoop struct {
	eng    *Engine
	run    *workflow.Run
	def    *workflow.WorkflowDef
	plan   *workflow.Plan
	handle *runHandle
	log    *slog.Logger
	vars   map[string]any

	// storeCtx survives run cancellation so terminal events and the
	// final view still reach the store.
	storeCtx       context.Context
	runCtx         context.Context
	attemptCtx     context.Context
	cancelAttempts context.CancelFunc

	updates  chan stepUpdate
	loopDone chan struct{}

	// shutdownC is the run context's Done channel until the first
	// shutdown is handled, then nil so the select stops spinning.
	shutdownC  <-chan struct{}
	leaseC     <-chan time.Time
	graceTimer *time.Timer
	graceC     <-chan time.Time

	active      map[string]*activation
	routed      map[string]bool
	runnable    int
	pendingSlot *scheduler.Ticket

	mode         verdict
	runErr       *errors.StepError
	cancelReason string
	halted       bool
	leaseLost    bool
}

func newRunLoop(e *Engine, run *workflow.Run, def *workflow.WorkflowDef, plan *workflow.Plan, handle *runHandle) *runLoop {
	vars, err := workflow.NormalizeMap(def.Vars)
	if err != nil {
		// Validated at submission; fall back to the raw map.
		vars = def.Vars
	}
	return &runLoop{
		eng:    e,
		run:    run,
		def:    def,
		plan:   plan,
		handle: handle,
		log: e.log.With(
			"run_id", run.RunID,
			"tenant_id", run.TenantID,
			"workflow_id", run.WorkflowID),
		vars:     vars,
		updates:  make(chan stepUpdate, 16),
		loopDone: make(chan struct{}),
		active:   make(map[string]*activation),
		routed:   make(map[string]bool),
	}
}

func (l *runLoop) loop(ctx context.Context) {
	defer close(l.loopDone)
	l.storeCtx = context.WithoutCancel(ctx)

	if !l.start() {
		l.cleanup()
		return
	}

	if l.def.GlobalTimeout > 0 && l.run.StartedAt != nil {
		deadline := l.run.StartedAt.Add(time.Duration(l.def.GlobalTimeout))
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	l.runCtx = ctx
	l.attemptCtx, l.cancelAttempts = context.WithCancel(ctx)
	defer l.cancelAttempts()
	l.shutdownC = ctx.Done()

	if ttl := l.eng.leaseTTL; ttl > 0 {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		l.leaseC = ticker.C
	}

	l.advance()

	for !l.halted && !l.settled() {
		// A shutdown decision must win any race against a step update
		// caused by the same cancellation, or the verdict would be
		// wrong. Check it first, non-blocking.
		l.checkShutdown()
		if l.halted || l.settled() {
			break
		}

		select {
		case msg := <-l.updates:
			l.handleUpdate(msg)
		case <-l.slotC():
			l.handleSlotGrant()
		case <-l.shutdownC:
			l.shutdownC = nil
			l.beginShutdown()
		case <-l.leaseC:
			l.renewLease()
		case <-l.graceC:
			l.graceC = nil
			l.abandonStragglers()
		}
	}

	if l.halted {
		l.haltDrain()
	} else {
		l.finish()
	}
	l.cleanup()
}

// start moves the run to running, or recognizes a resumed run that
// already is.
func (l *runLoop) start() bool {
	if l.run.State == workflow.RunRunning {
		l.log.Info("run resumed", "checkpoint_seq", l.run.CheckpointSeq)
		return true
	}

	ev := l.event(checkpoint.KindRunStarted)
	ev.State = string(workflow.RunRunning)
	ev.Payload = map[string]any{
		"definition_hash": l.run.DefinitionHash,
		"inputs":          l.run.Inputs,
	}
	if !l.append(ev) {
		return false
	}
	now := ev.Time
	l.run.State = workflow.RunRunning
	l.run.StartedAt = &now
	l.saveRun()
	l.log.Info("run started", "steps", len(l.def.Steps))
	return true
}

func (l *runLoop) concurrency() int {
	if l.def.ConcurrencyLimit > 0 {
		return l.def.ConcurrencyLimit
	}
	return workflow.DefaultConcurrencyLimit
}

func (l *runLoop) slotC() <-chan struct{} {
	if l.pendingSlot == nil {
		return nil
	}
	return l.pendingSlot.Ready()
}

func (l *runLoop) event(kind checkpoint.Kind) checkpoint.Event {
	return checkpoint.Event{
		RunID:    l.run.RunID,
		TenantID: l.run.TenantID,
		Seq:      l.run.CheckpointSeq + 1,
		Time:     time.Now().UTC(),
		Kind:     kind,
	}
}

// append writes one event, retrying transient store trouble. A false
// return means the loop has halted and must stop deciding anything.
func (l *runLoop) append(ev checkpoint.Event) bool {
	var err error
	for i := 0; i < appendAttempts; i++ {
		err = l.eng.store.Append(l.storeCtx, l.eng.owner, ev)
		if err == nil {
			l.run.CheckpointSeq = ev.Seq
			l.eng.notify.publish(ev)
			return true
		}
		if errors.Is(err, checkpoint.ErrLeaseLost) {
			l.leaseLost = true
			l.halt(err)
			return false
		}
		if errors.Is(err, checkpoint.ErrSequenceConflict) ||
			errors.Is(err, checkpoint.ErrRunFinished) ||
			errors.Is(err, checkpoint.ErrClosed) {
			l.halt(err)
			return false
		}
		time.Sleep(appendRetryDelay)
	}
	l.halt(&errors.InfraError{Code: errors.CodeCheckpointUnavailable, Op: "append", Cause: err})
	return false
}

func (l *runLoop) saveRun() {
	if err := l.eng.store.SaveRun(l.storeCtx, l.eng.owner, l.run.Snapshot()); err != nil {
		l.log.Warn("run view save failed", "error", err)
	}
}

// settled reports whether nothing remains in flight and no further
// launches can change the picture.
func (l *runLoop) settled() bool {
	if len(l.active) > 0 || l.pendingSlot != nil {
		return false
	}
	if l.mode != verdictNone {
		return true
	}
	for _, id := range l.plan.Order() {
		if !l.run.Step(id).State.Terminal() {
			return false
		}
	}
	return true
}

func (l *runLoop) stopLaunches() bool {
	return l.halted || l.mode != verdictNone
}

// advance moves the frontier: settle cascade skips, activate newly
// ready steps, then launch as many as the limits allow.
func (l *runLoop) advance() {
	if l.stopLaunches() {
		return
	}
	l.cascadeSkips()
	l.activateReady()
	l.spawnReady()
}

// cascadeSkips settles pending steps all of whose dependencies are
// skipped. Order is topological, so a chain collapses in one pass.
func (l *runLoop) cascadeSkips() {
	for _, id := range l.plan.Order() {
		if l.run.Step(id).State != workflow.StepPending {
			continue
		}
		deps := l.plan.Dependencies(id)
		if len(deps) == 0 {
			continue
		}
		reason := ""
		all := true
		for _, dep := range deps {
			st := l.run.Step(dep)
			if st.State != workflow.StepSkipped {
				all = false
				break
			}
			if st.SkipReason == workflow.SkipReasonUpstreamFailed {
				reason = workflow.SkipReasonUpstreamFailed
			}
		}
		if !all {
			continue
		}
		if reason == "" {
			reason = workflow.SkipReasonBranchNotTaken
		}
		l.skipStep(id, reason)
	}
}

func (l *runLoop) skipStep(id, reason string) {
	ev := l.event(checkpoint.KindStepSkipped)
	ev.StepID = id
	ev.State = string(workflow.StepSkipped)
	ev.Payload = map[string]any{"reason": reason}
	if !l.append(ev) {
		return
	}
	st := l.run.Step(id)
	st.State = workflow.StepSkipped
	st.SkipReason = reason
	ts := ev.Time
	st.FinishedAt = &ts
}

func (l *runLoop) activateReady() {
	for _, id := range l.plan.Ready(l.run.StepStates(), l.routed) {
		ev := l.event(checkpoint.KindStepReady)
		ev.StepID = id
		ev.State = string(workflow.StepReady)
		if !l.append(ev) {
			return
		}
		st := l.run.Step(id)
		st.State = workflow.StepReady
		st.Activations++
		delete(l.routed, id)
	}
}

// spawnReady launches ready steps in id order. Suspending steps bypass
// both the concurrency limit and slot accounting; everything else takes
// a scheduler slot first and parks on at most one pending ticket.
func (l *runLoop) spawnReady() {
	for {
		if l.stopLaunches() {
			return
		}
		id := l.nextLaunchable()
		if id == "" {
			return
		}
		step, _ := l.plan.Step(id)

		if l.eng.registry.Suspends(step) {
			l.launch(id, step, nil)
			continue
		}
		if l.runnable >= l.concurrency() || l.pendingSlot != nil {
			return
		}

		ticket, granted, err := l.eng.sched.AcquireStep(l.run.TenantID, l.eng.registry.EstimatedCost(step))
		if err != nil {
			l.failBeforeLaunch(id, errors.AsStep(err, errors.CodeQuotaDenied))
			continue
		}
		if !granted {
			l.pendingSlot = ticket
			return
		}
		l.launch(id, step, ticket)
	}
}

// nextLaunchable returns the smallest ready step id not already active.
func (l *runLoop) nextLaunchable() string {
	best := ""
	for id, st := range l.run.Steps {
		if st.State != workflow.StepReady || l.active[id] != nil {
			continue
		}
		if best == "" || id < best {
			best = id
		}
	}
	return best
}

func (l *runLoop) launch(id string, step *workflow.StepSpec, ticket *scheduler.Ticket) {
	inputs, stepErr := l.resolveStepInputs(step)
	if stepErr != nil {
		l.eng.sched.Release(ticket)
		l.failBeforeLaunch(id, stepErr)
		return
	}
	act, ok := l.eng.registry.Get(step.ActionKind)
	if !ok {
		l.eng.sched.Release(ticket)
		l.failBeforeLaunch(id, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    errors.CodeDefUnknownAction,
			Message: "unknown action kind " + step.ActionKind,
		})
		return
	}

	st := l.run.Step(id)
	startAttempt := st.Attempts + 1
	if st.Attempts > 0 {
		// Resumed mid-attempt: the recorded attempt never concluded,
		// so it runs again under a fresh idempotency bucket.
		startAttempt = st.Attempts
	}

	a := &activation{stepID: id, ticket: ticket, act: act, suspends: ticket == nil}
	l.active[id] = a
	if ticket != nil {
		l.runnable++
	}

	r := &activationRun{
		tenantID:     l.run.TenantID,
		runID:        l.run.RunID,
		stepID:       id,
		kind:         step.ActionKind,
		act:          act,
		config:       action.Config(step.Config),
		inputs:       inputs,
		retry:        step.Retry,
		timeout:      time.Duration(step.Timeout),
		startAttempt: startAttempt,
		bucket:       st.Activations,
		log:          l.log.With("step_id", id, "action", step.ActionKind),
		signals:      l.eng.signals,
		launcher:     &childLauncher{eng: l.eng},
		policy:       l.eng.policy,
		updates:      l.updates,
		done:         l.loopDone,
	}
	go r.run(l.attemptCtx)
}

func (l *runLoop) resolveStepInputs(step *workflow.StepSpec) (map[string]any, *errors.StepError) {
	resolved, err := expression.ResolveInputs(step.Inputs, l.scope())
	if err != nil {
		return nil, exprStepError(err)
	}
	normalized, err := workflow.NormalizeMap(resolved)
	if err != nil {
		return nil, errors.AsStep(err, "expr_type")
	}
	return normalized, nil
}

// scope builds the reference scope visible to a step's input templates.
// Failed steps appear only when a downstream is allowed to observe the
// failure, which keeps unbound references failing loudly.
func (l *runLoop) scope() *expression.Scope {
	steps := make(map[string]expression.StepResult, len(l.run.Steps))
	for id, st := range l.run.Steps {
		switch st.State {
		case workflow.StepSucceeded:
			steps[id] = expression.StepResult{Output: st.Result, Succeeded: true}
		case workflow.StepFailed:
			spec, _ := l.plan.Step(id)
			switch spec.ErrorPolicy() {
			case workflow.OnErrorContinue, workflow.OnErrorRouteTo:
				steps[id] = expression.StepResult{Error: stepErrorValue(st.Error)}
			}
		}
	}
	return &expression.Scope{
		Steps:  steps,
		Inputs: l.run.Inputs,
		Vars:   l.vars,
		Context: map[string]any{
			"run_id":          l.run.RunID,
			"tenant_id":       l.run.TenantID,
			"workflow_id":     l.run.WorkflowID,
			"definition_hash": l.run.DefinitionHash,
		},
	}
}

// failBeforeLaunch records a failure for a step that never reached its
// handler. The running transition is appended first so the log never
// shows ready jumping straight to failed.
func (l *runLoop) failBeforeLaunch(id string, stepErr *errors.StepError) {
	st := l.run.Step(id)
	attempt := st.Attempts + 1

	ev := l.event(checkpoint.KindStepRunning)
	ev.StepID = id
	ev.Attempt = attempt
	ev.State = string(workflow.StepRunning)
	if !l.append(ev) {
		return
	}
	now := ev.Time
	st.State = workflow.StepRunning
	st.Attempts = attempt
	if st.StartedAt == nil {
		st.StartedAt = &now
	}

	l.incorporateFailure(id, attempt, stepErr)
	l.saveRun()
}

func (l *runLoop) handleUpdate(msg stepUpdate) {
	if l.active[msg.stepID] == nil {
		return
	}
	switch msg.kind {
	case updateRunning:
		l.handleRunning(msg)
	case updateRetry:
		l.handleRetry(msg)
	case updateDone:
		l.handleDone(msg)
	}
}

func (l *runLoop) handleRunning(msg stepUpdate) {
	st := l.run.Step(msg.stepID)
	if st.State.Terminal() {
		return
	}
	first := st.State == workflow.StepReady

	ev := l.event(checkpoint.KindStepRunning)
	ev.StepID = msg.stepID
	ev.Attempt = msg.attempt
	ev.State = string(workflow.StepRunning)
	if !l.append(ev) {
		return
	}
	st.Attempts = msg.attempt
	if first {
		now := ev.Time
		st.State = workflow.StepRunning
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
	}
	l.saveRun()
}

func (l *runLoop) handleRetry(msg stepUpdate) {
	st := l.run.Step(msg.stepID)
	if st.State.Terminal() {
		return
	}

	ev := l.event(checkpoint.KindStepRetryScheduled)
	ev.StepID = msg.stepID
	ev.Attempt = msg.attempt
	ev.State = string(workflow.StepRunning)
	ev.Error = msg.err
	ev.Payload = map[string]any{
		"delay_ms":     msg.delay.Milliseconds(),
		"next_attempt": int64(msg.attempt + 1),
	}
	if !l.append(ev) {
		return
	}
	l.log.Info("step retry scheduled",
		"step_id", msg.stepID,
		"attempt", msg.attempt,
		"delay", msg.delay,
		"error", msg.err)
	l.saveRun()
}

func (l *runLoop) handleDone(msg stepUpdate) {
	l.releaseActivation(msg.stepID)

	switch msg.outcome {
	case action.OutcomeSuccess:
		l.completeStep(msg.stepID, msg.attempt, msg.result)
	case action.OutcomeCancelled:
		l.cancelStep(msg.stepID, msg.attempt, msg.err)
	default:
		l.incorporateFailure(msg.stepID, msg.attempt, msg.err)
	}

	l.saveRun()
	if !l.halted {
		l.advance()
	}
}

func (l *runLoop) releaseActivation(id string) {
	a := l.active[id]
	if a == nil {
		return
	}
	delete(l.active, id)
	if a.ticket != nil {
		l.eng.sched.Release(a.ticket)
		l.runnable--
	}
}

func (l *runLoop) completeStep(id string, attempt int, result any) {
	st := l.run.Step(id)
	if st.State.Terminal() {
		return
	}

	ev := l.event(checkpoint.KindStepSucceeded)
	ev.StepID = id
	ev.Attempt = attempt
	ev.State = string(workflow.StepSucceeded)
	ev.Payload = map[string]any{"result": result}
	if !l.append(ev) {
		return
	}
	now := ev.Time
	st.State = workflow.StepSucceeded
	st.Attempts = attempt
	st.Result = result
	st.FinishedAt = &now
	l.log.Info("step succeeded", "step_id", id, "attempt", attempt)

	if a := l.activationFor(id); a != nil {
		l.pruneBranches(id, a, result)
	}
}

// activationFor returns the releasing step's action for branch pruning.
// The activation record is already gone by the time completeStep runs,
// so look the action up again.
func (l *runLoop) activationFor(id string) action.Action {
	step, _ := l.plan.Step(id)
	if step == nil {
		return nil
	}
	act, ok := l.eng.registry.Get(step.ActionKind)
	if !ok {
		return nil
	}
	return act
}

// pruneBranches skips the steps an action's result disables, like the
// untaken branches of a conditional. Only still-pending steps named by
// the plan are eligible.
func (l *runLoop) pruneBranches(id string, act action.Action, result any) {
	sel, ok := act.(branchSelector)
	if !ok {
		return
	}
	for _, target := range sel.SkippedSteps(result) {
		if spec, _ := l.plan.Step(target); spec == nil {
			continue
		}
		if l.run.Step(target).State != workflow.StepPending {
			continue
		}
		l.skipStep(target, workflow.SkipReasonBranchNotTaken)
		if l.halted {
			return
		}
	}
}

func (l *runLoop) cancelStep(id string, attempt int, stepErr *errors.StepError) {
	st := l.run.Step(id)
	if st.State.Terminal() {
		return
	}

	ev := l.event(checkpoint.KindStepCancelled)
	ev.StepID = id
	ev.Attempt = attempt
	ev.State = string(workflow.StepCancelled)
	ev.Error = stepErr
	if !l.append(ev) {
		return
	}
	now := ev.Time
	st.State = workflow.StepCancelled
	st.Attempts = attempt
	st.Error = stepErr
	st.FinishedAt = &now
	l.log.Info("step cancelled", "step_id", id, "attempt", attempt)

	// A step cancelled while the run is still deciding means its own
	// handler gave up; treat it as a run-level cancellation. A pending
	// shutdown explains the cancellation better, so look there first.
	if l.mode == verdictNone && !l.halted {
		l.checkShutdown()
	}
	if l.mode == verdictNone && !l.halted {
		l.decideCancel("step " + id + " cancelled")
	}
}

// incorporateFailure records a terminally failed step and applies its
// error policy to the rest of the run.
func (l *runLoop) incorporateFailure(id string, attempt int, stepErr *errors.StepError) {
	st := l.run.Step(id)
	if st.State.Terminal() {
		return
	}

	ev := l.event(checkpoint.KindStepFailed)
	ev.StepID = id
	ev.Attempt = attempt
	ev.State = string(workflow.StepFailed)
	ev.Error = stepErr
	if !l.append(ev) {
		return
	}
	now := ev.Time
	st.State = workflow.StepFailed
	st.Attempts = attempt
	st.Error = stepErr
	st.FinishedAt = &now
	l.log.Warn("step failed",
		"step_id", id,
		"attempt", attempt,
		"class", stepErr.Class,
		"code", stepErr.Code,
		"error", stepErr.Message)

	if l.mode != verdictNone || l.halted {
		return
	}
	// A failure caused by the global deadline or a cancel request must
	// not decide the run as failed.
	l.checkShutdown()
	if l.mode != verdictNone || l.halted {
		return
	}
	step, _ := l.plan.Step(id)
	switch step.ErrorPolicy() {
	case workflow.OnErrorContinue:
		// Downstream steps observe the error through the scope.
	case workflow.OnErrorRouteTo:
		l.routeFailure(id, step.OnError.RouteTo)
	default:
		l.decideFail(id, stepErr)
	}
}

// routeFailure skips the failed step's descendants except the routed
// target's own subgraph, then marks the target runnable.
func (l *runLoop) routeFailure(failedID, target string) {
	spared := map[string]bool{target: true}
	for _, id := range l.plan.Descendants(target) {
		spared[id] = true
	}
	for _, id := range l.plan.Descendants(failedID) {
		if spared[id] {
			continue
		}
		if l.run.Step(id).State == workflow.StepPending {
			l.skipStep(id, workflow.SkipReasonUpstreamFailed)
			if l.halted {
				return
			}
		}
	}
	if l.run.Step(target).State == workflow.StepPending {
		l.routed[target] = true
	}
}

func (l *runLoop) decideFail(id string, stepErr *errors.StepError) {
	l.mode = verdictFailed
	l.run.FirstFailedStep = id
	l.runErr = stepErr
	l.cancelPendingSlot()
	l.skipDescendants(id)
	// In-flight siblings drain naturally, bounded by their own step
	// timeouts.
}

func (l *runLoop) decideCancel(reason string) {
	l.mode = verdictCancelled
	l.cancelReason = reason
	l.cancelPendingSlot()
	l.cancelAttempts()
	l.startGrace()
	l.log.Info("run cancelling", "reason", reason, "in_flight", len(l.active))
}

func (l *runLoop) decideTimeout() {
	l.mode = verdictTimedOut
	l.runErr = &errors.StepError{
		Class:   errors.ClassTimedOut,
		Code:    errors.CodeRunTimeout,
		Message: "run exceeded global timeout",
	}
	l.cancelPendingSlot()
	l.cancelAttempts()
	l.startGrace()
	l.log.Warn("run timed out", "timeout", time.Duration(l.def.GlobalTimeout), "in_flight", len(l.active))
}

func (l *runLoop) skipDescendants(id string) {
	for _, d := range l.plan.Descendants(id) {
		st := l.run.Step(d)
		if st.State == workflow.StepPending || st.State == workflow.StepReady {
			l.skipStep(d, workflow.SkipReasonUpstreamFailed)
			if l.halted {
				return
			}
		}
	}
}

func (l *runLoop) cancelPendingSlot() {
	if l.pendingSlot != nil {
		l.eng.sched.Cancel(l.pendingSlot)
		l.pendingSlot = nil
	}
}

func (l *runLoop) startGrace() {
	if len(l.active) == 0 {
		return
	}
	l.graceTimer = time.NewTimer(l.eng.gracePeriod)
	l.graceC = l.graceTimer.C
}

// checkShutdown polls the run context without blocking, so a shutdown
// verdict is applied before any step update racing with it.
func (l *runLoop) checkShutdown() {
	if l.shutdownC == nil {
		return
	}
	select {
	case <-l.shutdownC:
		l.shutdownC = nil
		l.beginShutdown()
	default:
	}
}

// beginShutdown translates the fired run context into a verdict.
// Engine close halts without a verdict so the run stays resumable.
func (l *runLoop) beginShutdown() {
	switch {
	case l.eng.closing():
		l.halt(nil)
	case errors.Is(l.runCtx.Err(), context.DeadlineExceeded):
		l.decideTimeout()
	default:
		l.decideCancel(l.handle.cancelReason())
	}
}

// abandonStragglers gives up on handlers that ignored cancellation past
// the grace period. Their steps are recorded as cancelled with partial
// effects; the goroutines are left to finish into a drained channel.
func (l *runLoop) abandonStragglers() {
	ids := make([]string, 0, len(l.active))
	for id := range l.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := l.run.Step(id)
		if !st.State.Terminal() {
			stepErr := &errors.StepError{
				Class:   errors.ClassCancelled,
				Code:    "handler_unresponsive",
				Message: "handler did not stop within the cancellation grace period",
			}
			ev := l.event(checkpoint.KindStepCancelled)
			ev.StepID = id
			ev.Attempt = st.Attempts
			ev.State = string(workflow.StepCancelled)
			ev.Error = stepErr
			ev.Payload = map[string]any{"partial": true}
			if l.append(ev) {
				now := ev.Time
				st.State = workflow.StepCancelled
				st.Error = stepErr
				st.Partial = true
				st.FinishedAt = &now
			}
			l.log.Warn("handler abandoned", "step_id", id, "attempt", st.Attempts)
		}
		l.releaseActivation(id)
		if l.halted {
			return
		}
	}
	l.saveRun()
}

func (l *runLoop) renewLease() {
	if l.eng.leaseTTL <= 0 {
		return
	}
	if err := l.eng.store.RenewLease(l.storeCtx, l.run.RunID, l.eng.owner, l.eng.leaseTTL); err != nil {
		l.leaseLost = true
		l.halt(err)
	}
}

func (l *runLoop) handleSlotGrant() {
	ticket := l.pendingSlot
	l.pendingSlot = nil
	if err := ticket.Err(); err != nil {
		l.halt(err)
		return
	}
	if l.stopLaunches() || l.runnable >= l.concurrency() {
		l.eng.sched.Release(ticket)
		return
	}
	id := l.nextLaunchable()
	if id == "" {
		l.eng.sched.Release(ticket)
		return
	}
	step, _ := l.plan.Step(id)
	l.launch(id, step, ticket)
	l.spawnReady()
}

// halt stops the loop without a terminal verdict. A nil cause is an
// orderly shutdown; anything else is a store or lease failure that
// leaves the run for recovery.
func (l *runLoop) halt(cause error) {
	if l.halted {
		return
	}
	l.halted = true
	if cause == nil {
		l.log.Info("run halted for shutdown", "checkpoint_seq", l.run.CheckpointSeq)
	} else {
		l.log.Error("run halted", "error", cause, "checkpoint_seq", l.run.CheckpointSeq)
	}
	if l.cancelAttempts != nil {
		l.cancelAttempts()
	}
}

// haltDrain waits briefly for in-flight goroutines so their tickets are
// returned before the loop exits.
func (l *runLoop) haltDrain() {
	if len(l.active) == 0 {
		return
	}
	timeout := time.NewTimer(l.eng.gracePeriod)
	defer timeout.Stop()
	for len(l.active) > 0 {
		select {
		case msg := <-l.updates:
			if msg.kind == updateDone {
				l.releaseActivation(msg.stepID)
			}
		case <-timeout.C:
			return
		}
	}
}

// finish appends the terminal event once every step has settled.
func (l *runLoop) finish() {
	l.cancelRemaining()
	if l.halted {
		return
	}

	ev := l.event(checkpoint.KindRunFinished)
	var state workflow.RunState
	switch l.mode {
	case verdictFailed:
		state = workflow.RunFailed
		ev.Error = l.runErr
		ev.Payload = map[string]any{"first_failed_step": l.run.FirstFailedStep}
	case verdictCancelled:
		state = workflow.RunCancelled
		ev.Payload = map[string]any{"reason": l.cancelReason}
	case verdictTimedOut:
		state = workflow.RunTimedOut
		ev.Error = l.runErr
	default:
		state = workflow.RunSucceeded
		ev.Payload = map[string]any{"outputs": l.collectOutputs()}
	}
	ev.State = string(state)
	if !l.append(ev) {
		return
	}

	now := ev.Time
	l.run.State = state
	l.run.FinishedAt = &now
	switch l.mode {
	case verdictFailed, verdictTimedOut:
		l.run.Error = l.runErr
	case verdictCancelled:
		l.run.CancelReason = l.cancelReason
	default:
		l.run.Outputs = mapPayload(ev.Payload["outputs"])
	}
	l.saveRun()
	l.log.Info("run finished",
		"state", state,
		"events", l.run.CheckpointSeq,
		"duration", now.Sub(l.run.CreatedAt))
}

// cancelRemaining settles steps that never started under a terminal
// verdict.
func (l *runLoop) cancelRemaining() {
	if l.mode == verdictNone {
		return
	}
	for _, id := range l.plan.Order() {
		st := l.run.Step(id)
		if st.State != workflow.StepPending && st.State != workflow.StepReady {
			continue
		}
		ev := l.event(checkpoint.KindStepCancelled)
		ev.StepID = id
		ev.State = string(workflow.StepCancelled)
		if !l.append(ev) {
			return
		}
		now := ev.Time
		st.State = workflow.StepCancelled
		st.FinishedAt = &now
	}
}

// collectOutputs assembles the run outputs from succeeded sink steps.
func (l *runLoop) collectOutputs() map[string]any {
	outputs := make(map[string]any)
	for _, id := range l.plan.Sinks() {
		st := l.run.Step(id)
		if st.State == workflow.StepSucceeded {
			outputs[id] = st.Result
		}
	}
	return outputs
}

func (l *runLoop) cleanup() {
	if l.graceTimer != nil {
		l.graceTimer.Stop()
	}
	l.cancelPendingSlot()
	for id := range l.active {
		l.releaseActivation(id)
	}
	if !l.leaseLost {
		if err := l.eng.store.ReleaseLease(l.storeCtx, l.run.RunID, l.eng.owner); err != nil {
			l.log.Debug("lease release failed", "error", err)
		}
	}
}

// stepErrorValue is the scope view of a recorded failure.
func stepErrorValue(se *errors.StepError) map[string]any {
	if se == nil {
		return nil
	}
	v := map[string]any{
		"class":   string(se.Class),
		"code":    se.Code,
		"message": se.Message,
	}
	if se.Cause != nil {
		v["cause"] = se.Cause.Error()
	}
	return v
}

func exprStepError(err error) *errors.StepError {
	code := "expr_invalid"
	var exprErr *errors.ExprError
	if errors.As(err, &exprErr) {
		code = exprErr.Code
	}
	se := errors.AsStep(err, code)
	if se.Class != errors.ClassPermanent {
		cp := *se
		cp.Class = errors.ClassPermanent
		se = &cp
	}
	return se
}

func mapPayload(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
