// Package engine runs workflows: it admits definitions, drives a
// per-run execution loop, persists every transition through the
// checkpoint log, and recovers runs abandoned by a crashed node.
//
// Each run is owned by exactly one loop goroutine holding the run's
// lease. The loop is the only writer of the run's log and view; step
// handlers execute on activation goroutines that report back over a
// channel. Cancellation, global timeouts, and engine shutdown all
// funnel through the run context, so a run always settles to exactly
// one terminal state, or halts resumably when the engine goes down.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/action/builtin"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/scheduler"
	"github.com/tombee/maestro/pkg/workflow"
)

const (
	// DefaultLeaseTTL is how long a run lease lives between renewals.
	DefaultLeaseTTL = 15 * time.Second

	// DefaultGracePeriod is how long cancelled handlers get to stop
	// before their steps are recorded as partial.
	DefaultGracePeriod = 2 * time.Second

	// DefaultDrainTimeout bounds how long Close waits for run loops.
	DefaultDrainTimeout = 10 * time.Second

	appendAttempts   = 3
	appendRetryDelay = 100 * time.Millisecond
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrNotActive is returned when an operation needs a live run loop
	// on this node and there is none.
	ErrNotActive = errors.New("engine: run is not active on this node")
)

// Config assembles an engine. Store is required; everything else has a
// working default.
type Config struct {
	Store     checkpoint.Store
	Scheduler *scheduler.Scheduler
	Registry  *action.Registry
	Logger    *slog.Logger
	Policy    action.PolicyChecker

	// Owner identifies this node in leases. Defaults to hostname plus
	// a random suffix.
	Owner string

	LeaseTTL     time.Duration
	GracePeriod  time.Duration
	DrainTimeout time.Duration
}

// Engine executes workflow runs against a checkpoint store.
type Engine struct {
	store    checkpoint.Store
	sched    *scheduler.Scheduler
	registry *action.Registry
	log      *slog.Logger
	policy   action.PolicyChecker
	owner    string

	leaseTTL     time.Duration
	gracePeriod  time.Duration
	drainTimeout time.Duration

	signals *signalHub
	notify  *Notifier

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*runHandle
	plans  map[string]*workflow.Plan
	closed bool
	wg     sync.WaitGroup
}

// New creates an engine. The store is not closed by the engine; the
// caller owns its lifecycle.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, &errors.ValidationError{Field: "store", Message: "engine requires a checkpoint store"}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New(scheduler.Config{})
	}
	if cfg.Registry == nil {
		reg := action.NewRegistry()
		if err := builtin.RegisterAll(reg, builtin.Deps{}); err != nil {
			return nil, err
		}
		cfg.Registry = reg
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:        cfg.Store,
		sched:        cfg.Scheduler,
		registry:     cfg.Registry,
		log:          cfg.Logger,
		policy:       cfg.Policy,
		owner:        cfg.Owner,
		leaseTTL:     cfg.LeaseTTL,
		gracePeriod:  cfg.GracePeriod,
		drainTimeout: cfg.DrainTimeout,
		signals:      newSignalHub(),
		notify:       newNotifier(),
		baseCtx:      ctx,
		baseCancel:   cancel,
		runs:         make(map[string]*runHandle),
		plans:        make(map[string]*workflow.Plan),
	}, nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "maestro"
	}
	return host + "-" + uuid.NewString()[:8]
}

// runHandle is the engine's view of one live run loop.
type runHandle struct {
	runID  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason string
}

func (h *runHandle) requestCancel(reason string) {
	h.mu.Lock()
	if h.reason == "" {
		if reason == "" {
			reason = "cancelled"
		}
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *runHandle) cancelReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason == "" {
		return "cancelled"
	}
	return h.reason
}

// Submit validates a definition, admits the run against the tenant's
// quota, records run_created, and starts the execution loop. It blocks
// while the tenant is over its run quota and returns once the run is
// durably created.
func (e *Engine) Submit(ctx context.Context, tenantID string, def *workflow.WorkflowDef, inputs map[string]any) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}
	if tenantID == "" {
		return "", &errors.ValidationError{Field: "tenant_id", Message: "tenant ID cannot be empty"}
	}
	if def == nil {
		return "", &errors.ValidationError{Field: "definition", Message: "definition cannot be nil"}
	}

	plan, err := e.admitDefinition(def)
	if err != nil {
		return "", err
	}
	resolved, err := def.ResolveInputs(inputs)
	if err != nil {
		return "", err
	}

	if err := e.sched.WaitSubmit(ctx, tenantID); err != nil {
		return "", err
	}
	ticket, granted, err := e.sched.AcquireRun(tenantID)
	if err != nil {
		return "", err
	}
	if !granted {
		select {
		case <-ticket.Ready():
			if err := ticket.Err(); err != nil {
				return "", err
			}
		case <-ctx.Done():
			e.sched.Cancel(ticket)
			return "", ctx.Err()
		case <-e.baseCtx.Done():
			e.sched.Cancel(ticket)
			return "", ErrClosed
		}
	}

	runID, err := e.createRun(ctx, tenantID, def, plan, resolved, ticket)
	if err != nil {
		e.sched.Release(ticket)
		return "", err
	}
	return runID, nil
}

// admitDefinition runs the submission-time definition checks: defaults,
// structural validation, handler config validation against the
// registry, vars normalization, and plan construction.
func (e *Engine) admitDefinition(def *workflow.WorkflowDef) (*workflow.Plan, error) {
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := e.registry.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if _, err := workflow.NormalizeMap(def.Vars); err != nil {
		return nil, &errors.DefinitionError{Code: errors.CodeDefSchema, Detail: "vars: " + err.Error()}
	}
	return e.planFor(def)
}

// ValidateDefinition runs the full admission checks against this
// engine's registry without creating a run. A nil error means Submit
// would accept the definition.
func (e *Engine) ValidateDefinition(def *workflow.WorkflowDef) error {
	if def == nil {
		return &errors.ValidationError{Field: "definition", Message: "definition cannot be nil"}
	}
	_, err := e.admitDefinition(def)
	return err
}

// createRun persists run_created under a fresh lease and hands the run
// to its loop goroutine.
func (e *Engine) createRun(ctx context.Context, tenantID string, def *workflow.WorkflowDef, plan *workflow.Plan, inputs map[string]any, ticket *scheduler.Ticket) (string, error) {
	runID := newRunID()
	now := time.Now().UTC()
	run := &workflow.Run{
		RunID:          runID,
		TenantID:       tenantID,
		WorkflowID:     def.ID,
		DefinitionHash: def.Hash(),
		Inputs:         inputs,
		State:          workflow.RunQueued,
		CreatedAt:      now,
	}

	if err := e.store.AcquireLease(ctx, runID, e.owner, e.leaseTTL); err != nil {
		return "", errors.Wrapf(err, "acquiring lease for run %s", runID)
	}

	defValue, err := definitionValue(def)
	if err != nil {
		e.store.ReleaseLease(ctx, runID, e.owner)
		return "", err
	}
	ev := checkpoint.Event{
		RunID:    runID,
		TenantID: tenantID,
		Seq:      1,
		Time:     now,
		Kind:     checkpoint.KindRunCreated,
		State:    string(workflow.RunQueued),
		Payload: map[string]any{
			"workflow_id":     def.ID,
			"definition_hash": def.Hash(),
			"definition":      defValue,
		},
	}
	if err := e.store.Append(ctx, e.owner, ev); err != nil {
		e.store.ReleaseLease(ctx, runID, e.owner)
		return "", &errors.InfraError{Code: errors.CodeCheckpointUnavailable, Op: "append", Cause: err}
	}
	run.CheckpointSeq = 1
	e.notify.publish(ev)
	if err := e.store.SaveRun(ctx, e.owner, run.Snapshot()); err != nil {
		e.log.Warn("run view save failed", "run_id", runID, "error", err)
	}

	handle := e.newHandle(runID)
	if handle == nil {
		e.store.ReleaseLease(ctx, runID, e.owner)
		return "", ErrClosed
	}
	e.log.Info("run submitted",
		"run_id", runID,
		"tenant_id", tenantID,
		"workflow_id", def.ID,
		"steps", len(def.Steps))
	e.startRun(run, def, plan, handle, ticket)
	return runID, nil
}

// startRun launches the loop goroutine that owns the run until it
// settles or the engine closes.
func (e *Engine) startRun(run *workflow.Run, def *workflow.WorkflowDef, plan *workflow.Plan, handle *runHandle, ticket *scheduler.Ticket) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.signals.drop(run.RunID)
			e.sched.Release(ticket)
			e.dropHandle(handle)
			handle.cancel()
			close(handle.done)
		}()
		newRunLoop(e, run, def, plan, handle).loop(handle.ctx)
	}()
}

func (e *Engine) newHandle(runID string) *runHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.runs[runID] != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	h := &runHandle{
		runID:  runID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.runs[runID] = h
	return h
}

func (e *Engine) handle(runID string) *runHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[runID]
}

func (e *Engine) dropHandle(h *runHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[h.runID] == h {
		delete(e.runs, h.runID)
	}
}

// planFor returns the cached plan for a definition, building it on
// first sight. Plans are immutable and keyed by content hash.
func (e *Engine) planFor(def *workflow.WorkflowDef) (*workflow.Plan, error) {
	hash := def.Hash()
	e.mu.Lock()
	if plan, ok := e.plans[hash]; ok {
		e.mu.Unlock()
		return plan, nil
	}
	e.mu.Unlock()

	plan, err := workflow.NewPlan(def)
	if err != nil {
		return nil, err
	}
	for _, w := range plan.Warnings() {
		e.log.Warn("definition warning", "workflow_id", def.ID, "warning", w)
	}

	e.mu.Lock()
	e.plans[hash] = plan
	e.mu.Unlock()
	return plan, nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) closing() bool {
	select {
	case <-e.baseCtx.Done():
		return true
	default:
		return false
	}
}

// Run submits a workflow and waits for it to settle.
func (e *Engine) Run(ctx context.Context, tenantID string, def *workflow.WorkflowDef, inputs map[string]any) (*workflow.Run, error) {
	runID, err := e.Submit(ctx, tenantID, def, inputs)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, runID)
}

// Wait blocks until the run's loop exits on this node, then returns
// the stored run. For runs not active locally it reads the store
// directly.
func (e *Engine) Wait(ctx context.Context, runID string) (*workflow.Run, error) {
	if h := e.handle(runID); h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetRun(ctx, runID)
}

// GetRun returns the stored view of a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns lists a tenant's runs.
func (e *Engine) ListRuns(ctx context.Context, tenantID string, q checkpoint.Filter) ([]workflow.RunSummary, error) {
	return e.store.ListRuns(ctx, tenantID, q)
}

// PurgeRuns deletes a tenant's terminal run history matching the
// filter. Active runs are never touched.
func (e *Engine) PurgeRuns(ctx context.Context, tenantID string, q checkpoint.Filter) (int, error) {
	return e.store.PurgeRuns(ctx, tenantID, q)
}

// Events returns a run's checkpoint log from the given sequence.
func (e *Engine) Events(ctx context.Context, runID string, fromSeq uint64) ([]checkpoint.Event, error) {
	return e.store.Events(ctx, runID, fromSeq)
}

// Watch streams checkpoint events as they are appended on this node.
// An empty runID watches every run. The returned cancel func must be
// called to release the subscription.
func (e *Engine) Watch(runID string) (<-chan checkpoint.Event, func()) {
	return e.notify.Watch(runID)
}

// SchedulerStats reports current quota occupancy.
func (e *Engine) SchedulerStats() scheduler.Stats {
	return e.sched.Stats()
}

// CancelRun requests cancellation of an active run. Cancelling an
// already terminal run is a no-op; a queued or running run not owned
// by this node cannot be cancelled here.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) error {
	if h := e.handle(runID); h != nil {
		h.requestCancel(reason)
		return nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}
	return errors.Wrapf(ErrNotActive, "run %s", runID)
}

// SendSignal delivers a named payload to a run waiting on it. The
// payload must fit the workflow value model. Signals latch: sending
// before the step waits is not lost.
func (e *Engine) SendSignal(ctx context.Context, runID, name string, payload any) error {
	if name == "" {
		return &errors.ValidationError{Field: "signal", Message: "signal name cannot be empty"}
	}
	normalized, err := workflow.Normalize(payload)
	if err != nil {
		return &errors.ValidationError{Field: "payload", Message: err.Error()}
	}
	if e.handle(runID) == nil {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State.Terminal() {
			return errors.Wrapf(ErrNotActive, "run %s is %s", runID, run.State)
		}
		return errors.Wrapf(ErrNotActive, "run %s", runID)
	}
	woken := e.signals.Notify(runID, name, normalized)
	e.log.Debug("signal delivered", "run_id", runID, "signal", name, "woken", woken)
	return nil
}

// Close stops accepting work, halts active run loops resumably, and
// waits up to the drain timeout for them to exit. The checkpoint store
// is left open for the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	active := len(e.runs)
	e.mu.Unlock()

	e.log.Info("engine closing", "active_runs", active)
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.drainTimeout):
		e.log.Warn("engine close timed out waiting for run loops")
	}

	e.sched.Close()
	return nil
}

// childLauncher runs sub-workflows through the parent engine. The
// child is a first-class run: own ID, own lease, own log.
type childLauncher struct {
	eng *Engine
}

func (c *childLauncher) LaunchChild(ctx context.Context, tenantID string, def *workflow.WorkflowDef, inputs map[string]any) (*action.ChildRun, error) {
	runID, err := c.eng.Submit(ctx, tenantID, def, inputs)
	if err != nil {
		return nil, err
	}
	run, err := c.eng.Wait(ctx, runID)
	if err != nil {
		// The parent stopped waiting; stop the child too.
		c.eng.CancelRun(context.WithoutCancel(ctx), runID, "parent cancelled")
		return nil, err
	}
	switch run.State {
	case workflow.RunSucceeded:
		return &action.ChildRun{RunID: runID, Outputs: run.Outputs}, nil
	case workflow.RunCancelled:
		reason := run.CancelReason
		if reason == "" {
			reason = "cancelled"
		}
		return nil, &errors.StepError{
			Class:   errors.ClassCancelled,
			Code:    "child_cancelled",
			Message: "child run " + runID + " cancelled: " + reason,
		}
	default:
		if run.Error != nil {
			return nil, run.Error
		}
		return nil, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "child_failed",
			Message: "child run " + runID + " finished " + string(run.State),
		}
	}
}

// newRunID returns a time-ordered run identifier.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// definitionValue converts a definition to the workflow value model so
// it can be embedded in the run_created payload.
func definitionValue(def *workflow.WorkflowDef) (map[string]any, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, errors.Wrap(err, "encoding definition")
	}
	v, err := workflow.UnmarshalValue(raw)
	if err != nil {
		return nil, errors.Wrap(err, "normalizing definition")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("definition did not encode to a map")
	}
	return m, nil
}
