package checkpoint

import (
	"context"
	"time"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// Coordination failures callers are expected to branch on. Everything
// else a store returns is an implementation error wrapped with context.
var (
	// ErrSequenceConflict means the event's Seq was not exactly one past
	// the run's last appended event. The caller's view of the run is
	// stale.
	ErrSequenceConflict = errors.New("checkpoint: sequence conflict")

	// ErrLeaseLost means the caller does not hold a live lease on the
	// run. The loop must halt without writing a terminal state; the new
	// owner resumes from the log.
	ErrLeaseLost = errors.New("checkpoint: lease lost")

	// ErrLeaseHeld means another owner holds a live lease.
	ErrLeaseHeld = errors.New("checkpoint: lease held by another owner")

	// ErrRunFinished means the run's log already ends in run_finished.
	ErrRunFinished = errors.New("checkpoint: run already finished")

	// ErrClosed means the store has been closed.
	ErrClosed = errors.New("checkpoint: store closed")
)

// Store is the durable record of workflow runs: an append-only event
// log per run, a materialized run view beside it, and the leases that
// serialize writers. Implementations must be safe for concurrent use
// across runs; within a run the lease provides the serialization.
type Store interface {
	// Append adds one event to a run's log. The first event of a run is
	// Seq 1; every later event's Seq must be exactly one past the last,
	// or the append fails with ErrSequenceConflict. The owner must hold
	// a live lease on the run or the append fails with ErrLeaseLost.
	// Appending past a run_finished event fails with ErrRunFinished.
	// For kinds with Durable()==true the event has reached stable
	// storage when Append returns.
	Append(ctx context.Context, owner string, ev Event) error

	// Events returns a run's events with Seq >= fromSeq, in sequence
	// order. An unknown run is a NotFoundError.
	Events(ctx context.Context, runID string, fromSeq uint64) ([]Event, error)

	// SaveRun upserts the materialized view of a run. Lease-guarded
	// like Append. The view is a read optimization; recovery trusts the
	// event log.
	SaveRun(ctx context.Context, owner string, run *workflow.Run) error

	// GetRun returns the materialized view of a run.
	GetRun(ctx context.Context, runID string) (*workflow.Run, error)

	// ListRuns returns summaries of a tenant's runs, newest first.
	ListRuns(ctx context.Context, tenantID string, q Filter) ([]workflow.RunSummary, error)

	// PurgeRuns deletes a tenant's terminal runs matching the filter,
	// with their event logs and leases, and reports how many went.
	// Non-terminal runs never match; Limit and Offset are ignored.
	PurgeRuns(ctx context.Context, tenantID string, q Filter) (int, error)

	// AcquireLease claims exclusive write ownership of a run for ttl.
	// Re-acquiring a lease the owner already holds extends it. A live
	// lease held by someone else fails with ErrLeaseHeld; an expired
	// one is taken over.
	AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) error

	// RenewLease extends a held lease. A missing, expired, or
	// foreign-owned lease fails with ErrLeaseLost.
	RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error

	// ReleaseLease gives up a held lease. Releasing a lease that no
	// longer exists is a no-op; releasing someone else's fails with
	// ErrLeaseLost.
	ReleaseLease(ctx context.Context, runID, owner string) error

	// AbandonedRuns lists non-terminal runs whose lease is missing or
	// expired, oldest first. Recovery replays these.
	AbandonedRuns(ctx context.Context) ([]string, error)

	// Close releases backend resources. Subsequent calls on the store
	// fail with ErrClosed.
	Close() error
}

// Filter narrows a ListRuns query. Zero values match everything.
type Filter struct {
	// State keeps only runs in this lifecycle state
	State workflow.RunState

	// WorkflowID keeps only runs of this definition
	WorkflowID string

	// Limit caps the number of results (0 = no limit)
	Limit int

	// Offset skips results for paging
	Offset int
}

// Matches reports whether a run summary passes the filter, ignoring
// Limit and Offset.
func (q Filter) Matches(s workflow.RunSummary) bool {
	if q.State != "" && s.State != q.State {
		return false
	}
	if q.WorkflowID != "" && s.WorkflowID != q.WorkflowID {
		return false
	}
	return true
}

// Lease records exclusive write ownership of a run.
type Lease struct {
	// RunID is the owned run
	RunID string `json:"run_id"`

	// Owner is the executor identity holding the lease
	Owner string `json:"owner"`

	// Expires is when ownership lapses unless renewed
	Expires time.Time `json:"expires"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.Expires)
}
