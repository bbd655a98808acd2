// Package scheduler bounds concurrent work per tenant and engine-wide.
// Admission is non-blocking: an acquire either grants a slot or returns
// a parked ticket whose Ready channel fires when the slot is handed
// over. Waiters are served FIFO within a tenant; across tenants,
// wakeups follow weighted fair share driven by estimated step cost, so
// a heavy tenant cannot starve a light one.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tombee/maestro/pkg/errors"
)

// ErrClosed is returned for operations on a closed scheduler, and is
// the wake error of tickets still parked at close.
var ErrClosed = errors.New("scheduler: closed")

// TenantLimits caps one tenant's footprint. For each limit: positive
// caps, zero inherits the scheduler default, negative blocks the tenant
// outright (acquires fail with quota_denied_permanent).
type TenantLimits struct {
	// MaxConcurrentRuns caps in-flight runs
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`

	// MaxConcurrentSteps caps in-flight steps
	MaxConcurrentSteps int `yaml:"max_concurrent_steps" json:"max_concurrent_steps"`

	// Weight sets the fair-share proportion across tenants (default 1)
	Weight float64 `yaml:"weight,omitempty" json:"weight,omitempty"`

	// SubmitRate smooths run submissions, in runs per second
	// (0 = unlimited)
	SubmitRate float64 `yaml:"submit_rate,omitempty" json:"submit_rate,omitempty"`

	// SubmitBurst is the submission burst size (default 1)
	SubmitBurst int `yaml:"submit_burst,omitempty" json:"submit_burst,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	// GlobalMaxSteps is the engine-wide cap on in-flight steps
	GlobalMaxSteps int

	// Defaults applies to tenants without an explicit entry, and fills
	// zero fields of explicit entries
	Defaults TenantLimits

	// Tenants holds per-tenant overrides
	Tenants map[string]TenantLimits
}

// Scheduler is the tenant quota gate. Safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	global   int
	inFlight int
	defaults TenantLimits
	tenants  map[string]*tenantState
	clock    float64
	closed   bool
}

type tenantState struct {
	id       string
	limits   TenantLimits
	limiter  *rate.Limiter
	runs     int
	steps    int
	vtime    float64
	runQ     []*Ticket
	stepQ    []*Ticket
}

// New creates a scheduler from cfg, applying library defaults for
// anything unset.
func New(cfg Config) *Scheduler {
	if cfg.GlobalMaxSteps <= 0 {
		cfg.GlobalMaxSteps = 256
	}
	if cfg.Defaults.MaxConcurrentRuns == 0 {
		cfg.Defaults.MaxConcurrentRuns = 16
	}
	if cfg.Defaults.MaxConcurrentSteps == 0 {
		cfg.Defaults.MaxConcurrentSteps = 32
	}
	if cfg.Defaults.Weight == 0 {
		cfg.Defaults.Weight = 1
	}

	s := &Scheduler{
		global:   cfg.GlobalMaxSteps,
		defaults: cfg.Defaults,
		tenants:  make(map[string]*tenantState),
	}
	for id, limits := range cfg.Tenants {
		s.tenants[id] = s.newTenant(id, limits)
	}
	return s
}

// Ticket tracks one admission request from acquire to release.
type Ticket struct {
	s      *Scheduler
	tenant *tenantState
	step   bool
	cost   int

	ready     chan struct{}
	granted   bool
	released  bool
	cancelled bool
	err       error
}

// Ready fires when a parked ticket is granted its slot or the wait is
// abandoned by the scheduler; check Err after waking.
func (t *Ticket) Ready() <-chan struct{} { return t.ready }

// Granted reports whether the ticket currently holds a slot.
func (t *Ticket) Granted() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.granted && !t.released
}

// Err returns why the wait was abandoned, if it was.
func (t *Ticket) Err() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.err
}

// AcquireRun requests a run slot for a tenant. If granted is true the
// slot is held immediately; otherwise park on the ticket's Ready
// channel. Blocked tenants fail with a quota_denied_permanent
// infrastructure error.
func (s *Scheduler) AcquireRun(tenantID string) (*Ticket, bool, error) {
	return s.acquire(tenantID, false, 0)
}

// AcquireStep requests a step slot for a tenant. Cost feeds the
// fair-share accounting; it does not consume extra slots.
func (s *Scheduler) AcquireStep(tenantID string, cost int) (*Ticket, bool, error) {
	if cost < 1 {
		cost = 1
	}
	return s.acquire(tenantID, true, cost)
}

func (s *Scheduler) acquire(tenantID string, step bool, cost int) (*Ticket, bool, error) {
	if tenantID == "" {
		return nil, false, &errors.ValidationError{Field: "tenant_id", Message: "tenant ID cannot be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	ts := s.tenant(tenantID)
	limit := ts.limits.MaxConcurrentRuns
	op := "acquire_run"
	if step {
		limit = ts.limits.MaxConcurrentSteps
		op = "acquire_step"
	}
	if limit < 0 {
		return nil, false, &errors.InfraError{
			Code:  errors.CodeQuotaDenied,
			Op:    op,
			Cause: fmt.Errorf("tenant %s is blocked by quota policy", tenantID),
		}
	}

	t := &Ticket{s: s, tenant: ts, step: step, cost: cost, ready: make(chan struct{})}
	if step {
		ts.stepQ = append(ts.stepQ, t)
	} else {
		ts.runQ = append(ts.runQ, t)
	}
	s.pump()
	return t, t.granted, nil
}

// Release returns a granted slot and wakes the next eligible waiter.
// Releasing twice or releasing an ungranted ticket is a no-op.
func (s *Scheduler) Release(t *Ticket) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(t)
	s.pump()
}

// Cancel abandons a parked ticket. If the grant raced ahead of the
// cancel, the slot is returned instead, so callers can Cancel
// unconditionally on their way out.
func (s *Scheduler) Cancel(t *Ticket) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.cancelled || t.released {
		return
	}
	if t.granted {
		s.release(t)
	} else {
		t.tenant.remove(t)
		t.cancelled = true
	}
	s.pump()
}

// WaitSubmit blocks until the tenant's submission rate limiter admits
// one run, or ctx is done. Tenants without a configured rate pass
// immediately.
func (s *Scheduler) WaitSubmit(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	limiter := s.tenant(tenantID).limiter
	s.mu.Unlock()

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// Stats snapshots current occupancy for observability.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		GlobalInFlight: s.inFlight,
		GlobalCap:      s.global,
		Tenants:        make(map[string]TenantStats, len(s.tenants)),
	}
	for id, ts := range s.tenants {
		st.Tenants[id] = TenantStats{
			RunsInFlight:  ts.runs,
			StepsInFlight: ts.steps,
			WaitingRuns:   len(ts.runQ),
			WaitingSteps:  len(ts.stepQ),
		}
	}
	return st
}

// Stats is a point-in-time occupancy snapshot.
type Stats struct {
	GlobalInFlight int
	GlobalCap      int
	Tenants        map[string]TenantStats
}

// TenantStats is one tenant's occupancy.
type TenantStats struct {
	RunsInFlight  int
	StepsInFlight int
	WaitingRuns   int
	WaitingSteps  int
}

// Close abandons all parked tickets with ErrClosed and rejects further
// acquires. Held slots stay accounted until released; releases after
// close remain safe.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	for _, ts := range s.tenants {
		for _, t := range ts.runQ {
			t.err = ErrClosed
			t.cancelled = true
			close(t.ready)
		}
		for _, t := range ts.stepQ {
			t.err = ErrClosed
			t.cancelled = true
			close(t.ready)
		}
		ts.runQ, ts.stepQ = nil, nil
	}
	return nil
}

// release returns t's slot. Callers hold s.mu.
func (s *Scheduler) release(t *Ticket) {
	if !t.granted || t.released {
		return
	}
	t.released = true
	if t.step {
		t.tenant.steps--
		s.inFlight--
	} else {
		t.tenant.runs--
	}
}

// pump hands free slots to waiters: runs first (tenant-capped only),
// then steps (tenant- and globally capped). Each round picks the
// eligible tenant with the lowest virtual time, ties broken by tenant
// id, which makes wake order deterministic. Callers hold s.mu.
func (s *Scheduler) pump() {
	if s.closed {
		return
	}

	for {
		best := s.pick(func(ts *tenantState) bool {
			return len(ts.runQ) > 0 && ts.runs < ts.limits.MaxConcurrentRuns
		})
		if best == nil {
			break
		}
		t := best.runQ[0]
		best.runQ = best.runQ[1:]
		best.runs++
		s.grant(t)
	}

	for s.inFlight < s.global {
		best := s.pick(func(ts *tenantState) bool {
			return len(ts.stepQ) > 0 && ts.steps < ts.limits.MaxConcurrentSteps
		})
		if best == nil {
			break
		}
		t := best.stepQ[0]
		best.stepQ = best.stepQ[1:]
		best.steps++
		s.inFlight++
		s.clock = best.vtime
		best.vtime += float64(t.cost) / best.weight()
		s.grant(t)
	}
}

func (s *Scheduler) grant(t *Ticket) {
	t.granted = true
	close(t.ready)
}

// pick returns the eligible tenant with the lowest (vtime, id).
func (s *Scheduler) pick(eligible func(*tenantState) bool) *tenantState {
	var best *tenantState
	for _, ts := range s.tenants {
		if !eligible(ts) {
			continue
		}
		if best == nil || ts.before(best) {
			best = ts
		}
	}
	return best
}

// tenant returns the state for an id, creating it from defaults on
// first sight. New tenants start at the scheduler's virtual clock so
// they neither jump ahead of long-running tenants nor start buried
// behind them. Callers hold s.mu.
func (s *Scheduler) tenant(id string) *tenantState {
	ts, ok := s.tenants[id]
	if !ok {
		ts = s.newTenant(id, s.defaults)
		s.tenants[id] = ts
	}
	return ts
}

func (s *Scheduler) newTenant(id string, limits TenantLimits) *tenantState {
	if limits.MaxConcurrentRuns == 0 {
		limits.MaxConcurrentRuns = s.defaults.MaxConcurrentRuns
	}
	if limits.MaxConcurrentSteps == 0 {
		limits.MaxConcurrentSteps = s.defaults.MaxConcurrentSteps
	}
	if limits.Weight <= 0 {
		limits.Weight = s.defaults.Weight
	}

	ts := &tenantState{id: id, limits: limits, vtime: s.clock}
	if limits.SubmitRate > 0 {
		burst := limits.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(limits.SubmitRate), burst)
	}
	return ts
}

func (ts *tenantState) before(other *tenantState) bool {
	if ts.vtime != other.vtime {
		return ts.vtime < other.vtime
	}
	return ts.id < other.id
}

func (ts *tenantState) weight() float64 {
	if ts.limits.Weight <= 0 {
		return 1
	}
	return ts.limits.Weight
}

func (ts *tenantState) remove(t *Ticket) {
	q := &ts.runQ
	if t.step {
		q = &ts.stepQ
	}
	for i, qt := range *q {
		if qt == t {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return
		}
	}
}
