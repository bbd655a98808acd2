package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// MemoryStore is an in-memory implementation of Store. It is
// thread-safe and suitable for tests and single-process deployments;
// durability is nominal since nothing survives the process.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string]*runLog
	leases map[string]*Lease
	closed bool
}

type runLog struct {
	events   []Event
	finished bool
	view     *workflow.Run
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:   make(map[string]*runLog),
		leases: make(map[string]*Lease),
	}
}

// Append adds one event to a run's log.
func (s *MemoryStore) Append(ctx context.Context, owner string, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.checkLease(ev.RunID, owner); err != nil {
		return err
	}

	log := s.logs[ev.RunID]
	if log == nil {
		log = &runLog{}
		s.logs[ev.RunID] = log
	}
	if log.finished {
		return ErrRunFinished
	}
	if want := uint64(len(log.events)) + 1; ev.Seq != want {
		return errors.Wrapf(ErrSequenceConflict, "run %s: expected seq %d, got %d", ev.RunID, want, ev.Seq)
	}

	log.events = append(log.events, ev.Clone())
	if ev.Kind == KindRunFinished {
		log.finished = true
	}
	return nil
}

// Events returns a run's events with Seq >= fromSeq.
func (s *MemoryStore) Events(ctx context.Context, runID string, fromSeq uint64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	log, ok := s.logs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	out := make([]Event, 0, len(log.events))
	for _, ev := range log.events {
		if ev.Seq >= fromSeq {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

// SaveRun upserts the materialized view of a run.
func (s *MemoryStore) SaveRun(ctx context.Context, owner string, run *workflow.Run) error {
	if run == nil {
		return &errors.ValidationError{Field: "run", Message: "run cannot be nil"}
	}
	if run.RunID == "" {
		return &errors.ValidationError{Field: "run_id", Message: "run ID cannot be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.checkLease(run.RunID, owner); err != nil {
		return err
	}

	log := s.logs[run.RunID]
	if log == nil {
		log = &runLog{}
		s.logs[run.RunID] = log
	}
	log.view = run.Snapshot()
	return nil
}

// GetRun returns the materialized view of a run.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	log, ok := s.logs[runID]
	if !ok || log.view == nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return log.view.Snapshot(), nil
}

// ListRuns returns summaries of a tenant's runs, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, tenantID string, q Filter) ([]workflow.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var results []workflow.RunSummary
	for _, log := range s.logs {
		if log.view == nil || log.view.TenantID != tenantID {
			continue
		}
		summary := log.view.Summary()
		if q.Matches(summary) {
			results = append(results, summary)
		}
	}

	// Run IDs are time-ordered, so the ID sort doubles as newest-first.
	sort.Slice(results, func(i, j int) bool {
		return results[i].RunID > results[j].RunID
	})

	if q.Offset > 0 {
		if q.Offset >= len(results) {
			return []workflow.RunSummary{}, nil
		}
		results = results[q.Offset:]
	}
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// PurgeRuns deletes a tenant's terminal runs matching the filter.
func (s *MemoryStore) PurgeRuns(ctx context.Context, tenantID string, q Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	purged := 0
	for runID, log := range s.logs {
		if log.view == nil || log.view.TenantID != tenantID {
			continue
		}
		if !log.view.State.Terminal() {
			continue
		}
		if !q.Matches(log.view.Summary()) {
			continue
		}
		delete(s.logs, runID)
		delete(s.leases, runID)
		purged++
	}
	return purged, nil
}

// AcquireLease claims exclusive write ownership of a run.
func (s *MemoryStore) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	if err := validateLeaseArgs(runID, owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now()
	if cur, ok := s.leases[runID]; ok && cur.Owner != owner && !cur.Expired(now) {
		return errors.Wrapf(ErrLeaseHeld, "run %s: held by %s", runID, cur.Owner)
	}
	s.leases[runID] = &Lease{RunID: runID, Owner: owner, Expires: now.Add(ttl)}
	return nil
}

// RenewLease extends a held lease.
func (s *MemoryStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	if err := validateLeaseArgs(runID, owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now()
	cur, ok := s.leases[runID]
	if !ok || cur.Owner != owner || cur.Expired(now) {
		return errors.Wrapf(ErrLeaseLost, "run %s: renew by %s", runID, owner)
	}
	cur.Expires = now.Add(ttl)
	return nil
}

// ReleaseLease gives up a held lease.
func (s *MemoryStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	if err := validateLeaseArgs(runID, owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cur, ok := s.leases[runID]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return errors.Wrapf(ErrLeaseLost, "run %s: release by %s, held by %s", runID, owner, cur.Owner)
	}
	delete(s.leases, runID)
	return nil
}

// AbandonedRuns lists non-terminal runs whose lease is missing or
// expired.
func (s *MemoryStore) AbandonedRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	var out []string
	for runID, log := range s.logs {
		if log.finished {
			continue
		}
		if log.view != nil && log.view.State.Terminal() {
			continue
		}
		if lease, ok := s.leases[runID]; ok && !lease.Expired(now) {
			continue
		}
		out = append(out, runID)
	}
	sort.Strings(out)
	return out, nil
}

// Close marks the store closed. Held data is dropped.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.logs = nil
	s.leases = nil
	return nil
}

// checkLease verifies that owner holds a live lease on the run. Callers
// hold s.mu.
func (s *MemoryStore) checkLease(runID, owner string) error {
	cur, ok := s.leases[runID]
	if !ok || cur.Owner != owner || cur.Expired(time.Now()) {
		return errors.Wrapf(ErrLeaseLost, "run %s: write by %s", runID, owner)
	}
	return nil
}

func validateLeaseArgs(runID, owner string) error {
	if runID == "" {
		return &errors.ValidationError{Field: "run_id", Message: "run ID cannot be empty"}
	}
	if owner == "" {
		return &errors.ValidationError{Field: "owner", Message: "lease owner cannot be empty"}
	}
	return nil
}
