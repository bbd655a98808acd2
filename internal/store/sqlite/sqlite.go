// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the durable checkpoint store backend for
// single-node deployments. Every append is committed with synchronous
// FULL, so the store is uniformly durable and trivially satisfies the
// contract that step completions reach stable storage before the DAG
// advances.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// Compile-time interface assertion.
var _ checkpoint.Store = (*Store)(nil)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// BusyTimeout bounds how long a statement waits on a locked
	// database before failing. Default 5s.
	BusyTimeout time.Duration
}

// Store is a SQLite-backed checkpoint store.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// New opens (creating if necessary) the database at cfg.Path and
// prepares the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, &errors.ValidationError{Field: "path", Message: "database path cannot be empty"}
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection keeps transactions
	// from deadlocking against the pool.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, cfg Config) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA auto_vacuum=INCREMENTAL",
		// FULL fsyncs every commit; the Append durability contract
		// depends on it.
		"PRAGMA synchronous=FULL",
	}
	if cfg.WAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			step_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			state TEXT,
			error TEXT,
			payload TEXT,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			state TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at TEXT NOT NULL,
			finished_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE TABLE IF NOT EXISTS leases (
			run_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires INTEGER NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Append adds one event to a run's log, compare-and-swap guarded on the
// sequence number and the run's lease.
func (s *Store) Append(ctx context.Context, owner string, ev checkpoint.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := s.live(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	if err := checkLease(ctx, tx, ev.RunID, owner, "write"); err != nil {
		return err
	}

	var lastSeq uint64
	var lastKind string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, kind FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT 1`,
		ev.RunID).Scan(&lastSeq, &lastKind)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read log tail: %w", err)
	}
	if checkpoint.Kind(lastKind) == checkpoint.KindRunFinished {
		return checkpoint.ErrRunFinished
	}
	if want := lastSeq + 1; ev.Seq != want {
		return errors.Wrapf(checkpoint.ErrSequenceConflict, "run %s: expected seq %d, got %d", ev.RunID, want, ev.Seq)
	}

	errJSON, err := marshalStepError(ev.Error)
	if err != nil {
		return err
	}
	payloadJSON, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (run_id, seq, tenant_id, ts, kind, step_id, attempt, state, error, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.TenantID, ev.Time.UTC().Format(time.RFC3339Nano),
		string(ev.Kind), nullString(ev.StepID), ev.Attempt, nullString(ev.State),
		errJSON, payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// Events returns a run's events with Seq >= fromSeq, in sequence order.
func (s *Store) Events(ctx context.Context, runID string, fromSeq uint64) ([]checkpoint.Event, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	known, err := s.runKnown(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, tenant_id, ts, kind, step_id, attempt, state, error, payload
		FROM events WHERE run_id = ? AND seq >= ? ORDER BY seq ASC`,
		runID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := []checkpoint.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveRun upserts the materialized view of a run. Lease-guarded like
// Append.
func (s *Store) SaveRun(ctx context.Context, owner string, run *workflow.Run) error {
	if run == nil {
		return &errors.ValidationError{Field: "run", Message: "run cannot be nil"}
	}
	if run.RunID == "" {
		return &errors.ValidationError{Field: "run_id", Message: "run ID cannot be empty"}
	}
	if err := s.live(); err != nil {
		return err
	}

	snapshot, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	if err := checkLease(ctx, tx, run.RunID, owner, "write"); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, tenant_id, workflow_id, state, snapshot, created_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			state = excluded.state,
			snapshot = excluded.snapshot,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`,
		run.RunID, run.TenantID, run.WorkflowID, string(run.State), string(snapshot),
		run.CreatedAt.UTC().Format(time.RFC3339Nano), formatTime(run.FinishedAt), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
	}
	return nil
}

// GetRun returns the materialized view of a run.
func (s *Store) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE run_id = ?`, runID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return decodeRun([]byte(snapshot))
}

// ListRuns returns summaries of a tenant's runs, newest first. Run IDs
// are time-ordered, so the ID sort doubles as newest-first.
func (s *Store) ListRuns(ctx context.Context, tenantID string, q checkpoint.Filter) ([]workflow.RunSummary, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	query := `SELECT run_id, tenant_id, workflow_id, state, created_at, finished_at
		FROM runs WHERE tenant_id = ?`
	args := []any{tenantID}
	if q.State != "" {
		query += " AND state = ?"
		args = append(args, string(q.State))
	}
	if q.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, q.WorkflowID)
	}
	query += " ORDER BY run_id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		if q.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := []workflow.RunSummary{}
	for rows.Next() {
		var sum workflow.RunSummary
		var state, createdAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&sum.RunID, &sum.TenantID, &sum.WorkflowID, &state, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		sum.State = workflow.RunState(state)
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
			if err == nil {
				sum.FinishedAt = &t
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PurgeRuns deletes a tenant's terminal runs matching the filter, with
// their event logs and leases, in one transaction.
func (s *Store) PurgeRuns(ctx context.Context, tenantID string, q checkpoint.Filter) (int, error) {
	if err := s.live(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT run_id FROM runs WHERE tenant_id = ? AND state IN (?, ?, ?, ?)`
	args := []any{tenantID,
		string(workflow.RunSucceeded), string(workflow.RunFailed),
		string(workflow.RunCancelled), string(workflow.RunTimedOut)}
	if q.State != "" {
		query += " AND state = ?"
		args = append(args, string(q.State))
	}
	if q.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, q.WorkflowID)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to select purge set: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan purge set: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range ids {
		for _, stmt := range []string{
			`DELETE FROM events WHERE run_id = ?`,
			`DELETE FROM leases WHERE run_id = ?`,
			`DELETE FROM runs WHERE run_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return 0, fmt.Errorf("failed to purge run %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return len(ids), nil
}

// AcquireLease claims exclusive write ownership of a run.
func (s *Store) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	if err := validateLeaseArgs(runID, owner); err != nil {
		return err
	}
	if err := s.live(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin acquire: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var curOwner string
	var expires int64
	err = tx.QueryRowContext(ctx, `SELECT owner, expires FROM leases WHERE run_id = ?`, runID).Scan(&curOwner, &expires)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read lease: %w", err)
	case curOwner != owner && expires > now.UnixNano():
		return errors.Wrapf(checkpoint.ErrLeaseHeld, "run %s: held by %s", runID, curOwner)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (run_id, owner, expires) VALUES (?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET owner = excluded.owner, expires = excluded.expires`,
		runID, owner, now.Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit acquire: %w", err)
	}
	return nil
}

// RenewLease extends a held lease. A missing, expired, or foreign-owned
// lease fails with ErrLeaseLost.
func (s *Store) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	if err := validateLeaseArgs(runID, owner); err != nil {
		return err
	}
	if err := s.live(); err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires = ? WHERE run_id = ? AND owner = ? AND expires > ?`,
		now.Add(ttl).UnixNano(), runID, owner, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Wrapf(checkpoint.ErrLeaseLost, "run %s: renew by %s", runID, owner)
	}
	return nil
}

// ReleaseLease gives up a held lease. Releasing a lease that no longer
// exists is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, runID, owner string) error {
	if err := validateLeaseArgs(runID, owner); err != nil {
		return err
	}
	if err := s.live(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback()

	var curOwner string
	err = tx.QueryRowContext(ctx, `SELECT owner FROM leases WHERE run_id = ?`, runID).Scan(&curOwner)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if curOwner != owner {
		return errors.Wrapf(checkpoint.ErrLeaseLost, "run %s: release by %s, held by %s", runID, owner, curOwner)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}
	return nil
}

// AbandonedRuns lists non-terminal runs whose lease is missing or
// expired, in run ID order.
func (s *Store) AbandonedRuns(ctx context.Context) ([]string, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ids.run_id, COALESCE(l.expires, 0)
		FROM (SELECT run_id FROM events UNION SELECT run_id FROM runs) AS ids
		LEFT JOIN leases l ON l.run_id = ids.run_id
		WHERE ids.run_id NOT IN (SELECT run_id FROM events WHERE kind = ?)
		  AND ids.run_id NOT IN (SELECT run_id FROM runs WHERE state IN (?, ?, ?, ?))
		ORDER BY ids.run_id ASC`,
		string(checkpoint.KindRunFinished),
		string(workflow.RunSucceeded), string(workflow.RunFailed),
		string(workflow.RunCancelled), string(workflow.RunTimedOut))
	if err != nil {
		return nil, fmt.Errorf("failed to query abandoned runs: %w", err)
	}
	defer rows.Close()

	now := time.Now().UnixNano()
	var out []string
	for rows.Next() {
		var runID string
		var expires int64
		if err := rows.Scan(&runID, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan abandoned run: %w", err)
		}
		if expires > now {
			continue
		}
		out = append(out, runID)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return checkpoint.ErrClosed
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return checkpoint.ErrClosed
	}
	return nil
}

// runKnown reports whether the run has any event or view row.
func (s *Store) runKnown(ctx context.Context, runID string) (bool, error) {
	var known bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM events WHERE run_id = ?)
		    OR EXISTS(SELECT 1 FROM runs WHERE run_id = ?)`,
		runID, runID).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("failed to probe run: %w", err)
	}
	return known, nil
}

// checkLease verifies that owner holds a live lease on the run inside
// the caller's transaction.
func checkLease(ctx context.Context, tx *sql.Tx, runID, owner, op string) error {
	var curOwner string
	var expires int64
	err := tx.QueryRowContext(ctx, `SELECT owner, expires FROM leases WHERE run_id = ?`, runID).Scan(&curOwner, &expires)
	if err == sql.ErrNoRows {
		return errors.Wrapf(checkpoint.ErrLeaseLost, "run %s: %s by %s", runID, op, owner)
	}
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if curOwner != owner || expires <= time.Now().UnixNano() {
		return errors.Wrapf(checkpoint.ErrLeaseLost, "run %s: %s by %s", runID, op, owner)
	}
	return nil
}

func scanEvent(rows *sql.Rows) (checkpoint.Event, error) {
	var ev checkpoint.Event
	var ts, kind string
	var stepID, state, errJSON, payloadJSON sql.NullString
	if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.TenantID, &ts, &kind,
		&stepID, &ev.Attempt, &state, &errJSON, &payloadJSON); err != nil {
		return ev, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Kind = checkpoint.Kind(kind)
	ev.Time, _ = time.Parse(time.RFC3339Nano, ts)
	ev.StepID = stepID.String
	ev.State = state.String
	if errJSON.Valid && errJSON.String != "" {
		var se errors.StepError
		if err := json.Unmarshal([]byte(errJSON.String), &se); err != nil {
			return ev, fmt.Errorf("failed to unmarshal event error: %w", err)
		}
		ev.Error = &se
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		v, err := workflow.UnmarshalValue([]byte(payloadJSON.String))
		if err != nil {
			return ev, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return ev, fmt.Errorf("event payload is not a map")
		}
		ev.Payload = m
	}
	return ev, nil
}

func marshalStepError(se *errors.StepError) (any, error) {
	if se == nil {
		return nil, nil
	}
	data, err := json.Marshal(se)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event error: %w", err)
	}
	return string(data), nil
}

// marshalPayload writes the payload as canonical value JSON so binary
// values survive the round trip.
func marshalPayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := workflow.MarshalValue(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return string(data), nil
}

// encodeRun serializes a run snapshot with value fields in canonical
// form so binary leaves survive.
func encodeRun(run *workflow.Run) ([]byte, error) {
	cp := run.Snapshot()
	cp.Inputs = wrapBinaryMap(cp.Inputs)
	cp.Outputs = wrapBinaryMap(cp.Outputs)
	for _, st := range cp.Steps {
		st.Result = wrapBinary(st.Result)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run snapshot: %w", err)
	}
	return data, nil
}

// decodeRun rebuilds a run from its snapshot JSON. Value-bearing fields
// are re-decoded through the canonical codec so integers stay int64 and
// binary markers revive to []byte.
func decodeRun(data []byte) (*workflow.Run, error) {
	var run workflow.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run snapshot: %w", err)
	}
	revived, err := workflow.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("failed to revive run snapshot: %w", err)
	}
	top, ok := revived.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("run snapshot is not a map")
	}
	if m, ok := top["inputs"].(map[string]any); ok {
		run.Inputs = m
	}
	if m, ok := top["outputs"].(map[string]any); ok {
		run.Outputs = m
	}
	if steps, ok := top["steps"].(map[string]any); ok {
		for id, raw := range steps {
			sm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if st := run.Steps[id]; st != nil {
				if res, ok := sm["result"]; ok {
					st.Result = res
				}
			}
		}
	}
	return &run, nil
}

// wrapBinary replaces []byte leaves with their canonical JSON envelope
// so a plain json.Marshal of the containing struct keeps them typed.
func wrapBinary(v any) any {
	switch t := v.(type) {
	case []byte:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(t)}
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = wrapBinary(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = wrapBinary(elem)
		}
		return out
	default:
		return v
	}
}

func wrapBinaryMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return wrapBinary(m).(map[string]any)
}

// Helper functions

// formatTime converts a *time.Time to RFC3339Nano string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
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
