package engine

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/action/builtin"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/scheduler"
	"github.com/tombee/maestro/pkg/workflow"
)

// scriptedAction lets a test inject handler behavior under any kind
// name.
type scriptedAction struct {
	kind string
	cost int
	fn   func(ctx context.Context, hc *action.HandlerContext, inputs map[string]any) (any, action.Outcome, error)
}

func (a *scriptedAction) Kind() string { return a.kind }

func (a *scriptedAction) ValidateConfig(action.Config) error { return nil }

func (a *scriptedAction) EstimatedCost(action.Config) int {
	if a.cost > 0 {
		return a.cost
	}
	return 1
}

func (a *scriptedAction) Run(ctx context.Context, hc *action.HandlerContext, _ action.Config, inputs map[string]any) (any, action.Outcome, error) {
	return a.fn(ctx, hc, inputs)
}

func script(kind string, fn func(ctx context.Context, hc *action.HandlerContext, inputs map[string]any) (any, action.Outcome, error)) *scriptedAction {
	return &scriptedAction{kind: kind, fn: fn}
}

// emitAction echoes its resolved inputs as its result.
func emitAction() *scriptedAction {
	return script("emit", func(_ context.Context, _ *action.HandlerContext, inputs map[string]any) (any, action.Outcome, error) {
		return inputs, action.OutcomeSuccess, nil
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config, extras ...*scriptedAction) *Engine {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = checkpoint.NewMemoryStore()
	}
	if cfg.Registry == nil {
		reg := action.NewRegistry()
		if err := builtin.RegisterAll(reg, builtin.Deps{}); err != nil {
			t.Fatalf("RegisterAll() error = %v", err)
		}
		cfg.Registry = reg
	}
	for _, a := range extras {
		if err := cfg.Registry.Register(a); err != nil {
			t.Fatalf("Register(%s) error = %v", a.kind, err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 200 * time.Millisecond
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func waitForStep(t *testing.T, eng *Engine, runID, stepID string, state workflow.StepState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := eng.GetRun(context.Background(), runID)
		if err == nil {
			if st, ok := run.Steps[stepID]; ok && st.State == state {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("step %s never reached %s", stepID, state)
}

func TestEngineLinearRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{}, emitAction())

	def := &workflow.WorkflowDef{
		ID: "linear",
		Steps: []workflow.StepSpec{
			{ID: "a", ActionKind: "emit", Inputs: map[string]any{"value": 3}},
			{ID: "b", ActionKind: "emit", DependsOn: []string{"a"},
				Inputs: map[string]any{"value": "${steps.a.output.value}"}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}

	wantOutputs := map[string]any{"b": map[string]any{"value": int64(3)}}
	if !reflect.DeepEqual(run.Outputs, wantOutputs) {
		t.Errorf("outputs = %#v, want %#v", run.Outputs, wantOutputs)
	}
	for _, id := range []string{"a", "b"} {
		st := run.Steps[id]
		if st == nil || st.State != workflow.StepSucceeded {
			t.Fatalf("step %s = %+v, want succeeded", id, st)
		}
		if st.Attempts != 1 {
			t.Errorf("step %s attempts = %d, want 1", id, st.Attempts)
		}
	}

	events, err := eng.Events(ctx, run.RunID, 1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	want := []struct {
		kind checkpoint.Kind
		step string
	}{
		{checkpoint.KindRunCreated, ""},
		{checkpoint.KindRunStarted, ""},
		{checkpoint.KindStepReady, "a"},
		{checkpoint.KindStepRunning, "a"},
		{checkpoint.KindStepSucceeded, "a"},
		{checkpoint.KindStepReady, "b"},
		{checkpoint.KindStepRunning, "b"},
		{checkpoint.KindStepSucceeded, "b"},
		{checkpoint.KindRunFinished, ""},
	}
	if len(events) != len(want) {
		t.Fatalf("event count = %d, want %d (%v)", len(events), len(want), eventKinds(events))
	}
	for i, ev := range events {
		if ev.Kind != want[i].kind || ev.StepID != want[i].step {
			t.Errorf("event %d = %s/%s, want %s/%s", i, ev.Kind, ev.StepID, want[i].kind, want[i].step)
		}
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func eventKinds(events []checkpoint.Event) []string {
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = string(ev.Kind)
		if ev.StepID != "" {
			kinds[i] += "(" + ev.StepID + ")"
		}
	}
	return kinds
}

func TestEngineConcurrencyLimit(t *testing.T) {
	ctx := context.Background()

	var cur, peak atomic.Int64
	track := script("track", func(_ context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		c := cur.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		cur.Add(-1)
		return map[string]any{"ok": true}, action.OutcomeSuccess, nil
	})
	eng := newTestEngine(t, Config{}, emitAction(), track)

	def := &workflow.WorkflowDef{
		ID:               "fanout",
		ConcurrencyLimit: 2,
		Steps: []workflow.StepSpec{
			{ID: "a", ActionKind: "emit"},
			{ID: "b", ActionKind: "track", DependsOn: []string{"a"}},
			{ID: "c", ActionKind: "track", DependsOn: []string{"a"}},
			{ID: "d", ActionKind: "track", DependsOn: []string{"a"}},
			{ID: "e", ActionKind: "emit", DependsOn: []string{"b", "c", "d"}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	for _, st := range run.Steps {
		if st.State != workflow.StepSucceeded {
			t.Errorf("step state = %s, want succeeded", st.State)
		}
	}
}

func TestEngineRetrySucceeds(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int64
	flaky := script("flaky", func(_ context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		if calls.Add(1) < 3 {
			return nil, action.OutcomeRetriable, &errors.StepError{
				Class: errors.ClassRetriable, Code: "transient", Message: "not yet",
			}
		}
		return int64(7), action.OutcomeSuccess, nil
	})
	eng := newTestEngine(t, Config{}, flaky)

	def := &workflow.WorkflowDef{
		ID: "retrying",
		Steps: []workflow.StepSpec{
			{ID: "s", ActionKind: "flaky", Retry: &workflow.RetrySpec{
				MaxAttempts:    3,
				InitialBackoff: workflow.Duration(time.Millisecond),
			}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}
	if got := run.Outputs["s"]; got != int64(7) {
		t.Errorf("output = %v (%T), want 7", got, got)
	}
	if run.Steps["s"].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", run.Steps["s"].Attempts)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("handler calls = %d, want 3", n)
	}

	events, err := eng.Events(ctx, run.RunID, 1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	running, retries := 0, 0
	for _, ev := range events {
		switch ev.Kind {
		case checkpoint.KindStepRunning:
			running++
		case checkpoint.KindStepRetryScheduled:
			retries++
			if next, ok := ev.Payload["next_attempt"].(int64); !ok || next != int64(ev.Attempt+1) {
				t.Errorf("retry event next_attempt = %v, want %d", ev.Payload["next_attempt"], ev.Attempt+1)
			}
		}
	}
	if running != 3 || retries != 2 {
		t.Errorf("running/retry events = %d/%d, want 3/2 (%v)", running, retries, eventKinds(events))
	}
}

func TestEngineFailFast(t *testing.T) {
	ctx := context.Background()

	boom := script("boom", func(_ context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class: errors.ClassPermanent, Code: "boom", Message: "exploded",
		}
	})
	eng := newTestEngine(t, Config{}, emitAction(), boom)

	def := &workflow.WorkflowDef{
		ID: "chain",
		Steps: []workflow.StepSpec{
			{ID: "a", ActionKind: "boom"},
			{ID: "b", ActionKind: "emit", DependsOn: []string{"a"}},
			{ID: "c", ActionKind: "emit", DependsOn: []string{"b"}},
			{ID: "d", ActionKind: "emit", DependsOn: []string{"c"}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunFailed {
		t.Fatalf("run state = %s, want failed", run.State)
	}
	if run.FirstFailedStep != "a" {
		t.Errorf("first failed step = %q, want a", run.FirstFailedStep)
	}
	if run.Error == nil || run.Error.Code != "boom" {
		t.Errorf("run error = %+v, want code boom", run.Error)
	}
	for _, id := range []string{"b", "c", "d"} {
		st := run.Steps[id]
		if st == nil || st.State != workflow.StepSkipped {
			t.Fatalf("step %s = %+v, want skipped", id, st)
		}
		if st.SkipReason != workflow.SkipReasonUpstreamFailed {
			t.Errorf("step %s skip reason = %q, want upstream_failed", id, st.SkipReason)
		}
	}

	events, err := eng.Events(ctx, run.RunID, 1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	for _, ev := range events {
		if ev.Kind == checkpoint.KindStepRunning && ev.StepID != "a" {
			t.Errorf("step %s ran despite upstream failure", ev.StepID)
		}
	}
}

func TestEngineCancelDuringWait(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{})

	def := &workflow.WorkflowDef{
		ID: "parked",
		Steps: []workflow.StepSpec{
			{ID: "w", ActionKind: "wait", Config: map[string]any{"duration": "10s"}},
		},
	}

	runID, err := eng.Submit(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForStep(t, eng, runID, "w", workflow.StepRunning)

	start := time.Now()
	if err := eng.CancelRun(ctx, runID, "operator requested"); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	run, err := eng.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %s, should not wait out the timer", elapsed)
	}
	if run.State != workflow.RunCancelled {
		t.Fatalf("run state = %s, want cancelled", run.State)
	}
	if run.CancelReason != "operator requested" {
		t.Errorf("cancel reason = %q, want operator requested", run.CancelReason)
	}
	if st := run.Steps["w"]; st == nil || st.State != workflow.StepCancelled {
		t.Errorf("step w = %+v, want cancelled", st)
	}

	// Cancelling a finished run is a no-op.
	if err := eng.CancelRun(ctx, runID, "again"); err != nil {
		t.Errorf("CancelRun() on terminal run error = %v, want nil", err)
	}
}

func TestEngineResumeAfterCrash(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()

	var aCalls atomic.Int64
	once := script("once", func(_ context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		aCalls.Add(1)
		return map[string]any{"done": true}, action.OutcomeSuccess, nil
	})
	blocking := script("gate", func(ctx context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		<-ctx.Done()
		return nil, action.OutcomeCancelled, ctx.Err()
	})

	eng1 := newTestEngine(t, Config{Store: store}, once, blocking)

	def := &workflow.WorkflowDef{
		ID: "resumable",
		Steps: []workflow.StepSpec{
			{ID: "a", ActionKind: "once"},
			{ID: "b", ActionKind: "gate", DependsOn: []string{"a"}},
		},
	}

	runID, err := eng1.Submit(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForStep(t, eng1, runID, "b", workflow.StepRunning)
	if err := eng1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() after close error = %v", err)
	}
	if run.State.Terminal() {
		t.Fatalf("run settled to %s during shutdown, want resumable", run.State)
	}

	fast := script("gate", func(_ context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		return int64(42), action.OutcomeSuccess, nil
	})
	eng2 := newTestEngine(t, Config{Store: store}, once, fast)

	resumed, err := eng2.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(resumed) != 1 || resumed[0] != runID {
		t.Fatalf("resumed = %v, want [%s]", resumed, runID)
	}

	run, err = eng2.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}
	if n := aCalls.Load(); n != 1 {
		t.Errorf("first step ran %d times across the restart, want exactly once", n)
	}
	if got := run.Outputs["b"]; got != int64(42) {
		t.Errorf("output = %v, want 42", got)
	}
	if acts := run.Steps["b"].Activations; acts != 2 {
		t.Errorf("step b activations = %d, want 2", acts)
	}

	events, err := eng2.Events(ctx, runID, 1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	succeededA := 0
	for _, ev := range events {
		if ev.Kind == checkpoint.KindStepSucceeded && ev.StepID == "a" {
			succeededA++
		}
	}
	if succeededA != 1 {
		t.Errorf("step a succeeded %d times in the log, want 1 (%v)", succeededA, eventKinds(events))
	}
}

func TestEngineContinuePolicy(t *testing.T) {
	ctx := context.Background()

	boom := script("boom", func(_ context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class: errors.ClassPermanent, Code: "expected_failure", Message: "tolerated",
		}
	})
	eng := newTestEngine(t, Config{}, emitAction(), boom)

	def := &workflow.WorkflowDef{
		ID: "tolerant",
		Steps: []workflow.StepSpec{
			{ID: "a", ActionKind: "boom", OnError: &workflow.OnErrorSpec{Policy: workflow.OnErrorContinue}},
			{ID: "b", ActionKind: "emit", DependsOn: []string{"a"},
				Inputs: map[string]any{"code": "${steps.a.error.code}"}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}
	if run.FirstFailedStep != "" {
		t.Errorf("first failed step = %q, want empty for a tolerated failure", run.FirstFailedStep)
	}
	if st := run.Steps["a"]; st.State != workflow.StepFailed {
		t.Errorf("step a = %s, want failed", st.State)
	}
	want := map[string]any{"b": map[string]any{"code": "expected_failure"}}
	if !reflect.DeepEqual(run.Outputs, want) {
		t.Errorf("outputs = %#v, want %#v", run.Outputs, want)
	}
}

func TestEngineRouteTo(t *testing.T) {
	ctx := context.Background()

	boom := script("boom", func(_ context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class: errors.ClassPermanent, Code: "boom", Message: "exploded",
		}
	})
	eng := newTestEngine(t, Config{}, emitAction(), boom)

	def := &workflow.WorkflowDef{
		ID: "routed",
		Steps: []workflow.StepSpec{
			{ID: "a", ActionKind: "boom",
				OnError: &workflow.OnErrorSpec{Policy: workflow.OnErrorRouteTo, RouteTo: "fix"}},
			{ID: "b", ActionKind: "emit", DependsOn: []string{"a"}},
			{ID: "fix", ActionKind: "emit", DependsOn: []string{"a"},
				Inputs: map[string]any{"repaired": true}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}
	if st := run.Steps["fix"]; st == nil || st.State != workflow.StepSucceeded {
		t.Fatalf("recovery step = %+v, want succeeded", st)
	}
	if st := run.Steps["b"]; st == nil || st.State != workflow.StepSkipped || st.SkipReason != workflow.SkipReasonUpstreamFailed {
		t.Errorf("step b = %+v, want skipped upstream_failed", st)
	}
	want := map[string]any{"fix": map[string]any{"repaired": true}}
	if !reflect.DeepEqual(run.Outputs, want) {
		t.Errorf("outputs = %#v, want %#v", run.Outputs, want)
	}
}

func TestEngineConditionalBranch(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{}, emitAction())

	def := &workflow.WorkflowDef{
		ID: "branching",
		Steps: []workflow.StepSpec{
			{ID: "gate", ActionKind: "conditional",
				Config: map[string]any{
					"branches": []any{
						map[string]any{"name": "big", "when": "inputs.x > 1", "steps": []any{"big"}},
						map[string]any{"name": "small", "steps": []any{"small"}},
					},
				},
				Inputs: map[string]any{"x": "${inputs.x}"}},
			{ID: "big", ActionKind: "emit", DependsOn: []string{"gate"}},
			{ID: "small", ActionKind: "emit", DependsOn: []string{"gate"}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, map[string]any{"x": 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}
	if st := run.Steps["big"]; st == nil || st.State != workflow.StepSucceeded {
		t.Errorf("taken branch = %+v, want succeeded", st)
	}
	st := run.Steps["small"]
	if st == nil || st.State != workflow.StepSkipped {
		t.Fatalf("untaken branch = %+v, want skipped", st)
	}
	if st.SkipReason != workflow.SkipReasonBranchNotTaken {
		t.Errorf("skip reason = %q, want branch_not_taken", st.SkipReason)
	}
	if _, ok := run.Outputs["small"]; ok {
		t.Errorf("outputs include the untaken branch: %#v", run.Outputs)
	}
}

func TestEngineGlobalTimeout(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{})

	def := &workflow.WorkflowDef{
		ID:            "deadline",
		GlobalTimeout: workflow.Duration(100 * time.Millisecond),
		Steps: []workflow.StepSpec{
			{ID: "w", ActionKind: "wait", Config: map[string]any{"duration": "10s"}},
		},
	}

	start := time.Now()
	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout enforcement took %s", elapsed)
	}
	if run.State != workflow.RunTimedOut {
		t.Fatalf("run state = %s, want timed_out", run.State)
	}
	if run.Error == nil || run.Error.Code != errors.CodeRunTimeout {
		t.Errorf("run error = %+v, want code %s", run.Error, errors.CodeRunTimeout)
	}
	if st := run.Steps["w"]; st == nil || st.State != workflow.StepCancelled {
		t.Errorf("step w = %+v, want cancelled", st)
	}
}

func TestEngineStepTimeoutRetries(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int64
	slowFast := script("slowfast", func(ctx context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, action.OutcomeTimedOut, ctx.Err()
		}
		return map[string]any{"ok": true}, action.OutcomeSuccess, nil
	})
	eng := newTestEngine(t, Config{}, slowFast)

	def := &workflow.WorkflowDef{
		ID: "slow-start",
		Steps: []workflow.StepSpec{
			{ID: "s", ActionKind: "slowfast",
				Timeout: workflow.Duration(30 * time.Millisecond),
				Retry: &workflow.RetrySpec{
					MaxAttempts:    2,
					InitialBackoff: workflow.Duration(time.Millisecond),
				}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}
	if run.Steps["s"].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", run.Steps["s"].Attempts)
	}
}

func TestEngineSignal(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{})

	def := &workflow.WorkflowDef{
		ID: "approval",
		Steps: []workflow.StepSpec{
			{ID: "w", ActionKind: "wait", Config: map[string]any{"signal": "approve"}},
		},
	}

	runID, err := eng.Submit(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForStep(t, eng, runID, "w", workflow.StepRunning)

	if err := eng.SendSignal(ctx, runID, "approve", map[string]any{"approved": true}); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}
	run, err := eng.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}
	want := map[string]any{"w": map[string]any{
		"signal":  "approve",
		"payload": map[string]any{"approved": true},
	}}
	if !reflect.DeepEqual(run.Outputs, want) {
		t.Errorf("outputs = %#v, want %#v", run.Outputs, want)
	}

	if err := eng.SendSignal(ctx, runID, "approve", nil); !errors.Is(err, ErrNotActive) {
		t.Errorf("SendSignal() on finished run error = %v, want ErrNotActive", err)
	}
}

func TestEngineSubWorkflow(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{}, emitAction())

	def := &workflow.WorkflowDef{
		ID: "parent",
		Steps: []workflow.StepSpec{
			{ID: "sw", ActionKind: "sub_workflow",
				Config: map[string]any{
					"definition": map[string]any{
						"id": "child",
						"steps": []any{
							map[string]any{
								"id":          "c1",
								"action_kind": "emit",
								"inputs":      map[string]any{"value": 9},
							},
						},
					},
				}},
		},
	}

	run, err := eng.Run(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != workflow.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded (error: %v)", run.State, run.Error)
	}

	result, ok := run.Outputs["sw"].(map[string]any)
	if !ok {
		t.Fatalf("sub-workflow output = %#v, want a map", run.Outputs["sw"])
	}
	childID, _ := result["run_id"].(string)
	if childID == "" {
		t.Fatal("sub-workflow result carries no child run id")
	}
	wantOutputs := map[string]any{"c1": map[string]any{"value": int64(9)}}
	if !reflect.DeepEqual(result["outputs"], wantOutputs) {
		t.Errorf("child outputs = %#v, want %#v", result["outputs"], wantOutputs)
	}

	child, err := eng.GetRun(ctx, childID)
	if err != nil {
		t.Fatalf("GetRun(child) error = %v", err)
	}
	if child.State != workflow.RunSucceeded {
		t.Errorf("child state = %s, want succeeded", child.State)
	}
	summaries, err := eng.ListRuns(ctx, "acme", checkpoint.Filter{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Errorf("runs = %d, want parent and child", len(summaries))
	}
}

func TestEngineQuotaDenied(t *testing.T) {
	ctx := context.Background()

	t.Run("blocked tenant cannot submit", func(t *testing.T) {
		sched := scheduler.New(scheduler.Config{Tenants: map[string]scheduler.TenantLimits{
			"blocked": {MaxConcurrentRuns: -1},
		}})
		eng := newTestEngine(t, Config{Scheduler: sched}, emitAction())

		def := &workflow.WorkflowDef{
			ID:    "denied",
			Steps: []workflow.StepSpec{{ID: "a", ActionKind: "emit"}},
		}
		_, err := eng.Submit(ctx, "blocked", def, nil)
		var infra *errors.InfraError
		if !errors.As(err, &infra) || infra.Code != errors.CodeQuotaDenied {
			t.Fatalf("Submit() error = %v, want quota denial", err)
		}
	})

	t.Run("blocked steps fail the run", func(t *testing.T) {
		sched := scheduler.New(scheduler.Config{Tenants: map[string]scheduler.TenantLimits{
			"stepless": {MaxConcurrentRuns: 1, MaxConcurrentSteps: -1},
		}})
		eng := newTestEngine(t, Config{Scheduler: sched}, emitAction())

		def := &workflow.WorkflowDef{
			ID:    "denied-steps",
			Steps: []workflow.StepSpec{{ID: "a", ActionKind: "emit"}},
		}
		run, err := eng.Run(ctx, "stepless", def, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if run.State != workflow.RunFailed {
			t.Fatalf("run state = %s, want failed", run.State)
		}
		if run.Error == nil || run.Error.Code != errors.CodeQuotaDenied {
			t.Errorf("run error = %+v, want code %s", run.Error, errors.CodeQuotaDenied)
		}
		if st := run.Steps["a"]; st == nil || st.State != workflow.StepFailed {
			t.Errorf("step a = %+v, want failed", st)
		}
	})
}

func TestEngineSubmitRejects(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{}, emitAction())

	tests := []struct {
		name     string
		tenant   string
		def      *workflow.WorkflowDef
		wantCode string
	}{
		{
			name:   "dependency cycle",
			tenant: "acme",
			def: &workflow.WorkflowDef{
				ID: "cyclic",
				Steps: []workflow.StepSpec{
					{ID: "a", ActionKind: "emit", DependsOn: []string{"b"}},
					{ID: "b", ActionKind: "emit", DependsOn: []string{"a"}},
				},
			},
			wantCode: errors.CodeDefCycle,
		},
		{
			name:   "unknown action kind",
			tenant: "acme",
			def: &workflow.WorkflowDef{
				ID:    "unknown",
				Steps: []workflow.StepSpec{{ID: "a", ActionKind: "nope"}},
			},
			wantCode: errors.CodeDefUnknownAction,
		},
		{
			name:   "missing dependency",
			tenant: "acme",
			def: &workflow.WorkflowDef{
				ID:    "dangling",
				Steps: []workflow.StepSpec{{ID: "a", ActionKind: "emit", DependsOn: []string{"ghost"}}},
			},
			wantCode: errors.CodeDefMissingDep,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Submit(ctx, tt.tenant, tt.def, nil)
			var defErr *errors.DefinitionError
			if !errors.As(err, &defErr) {
				t.Fatalf("Submit() error = %v, want a definition error", err)
			}
			if defErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", defErr.Code, tt.wantCode)
			}
		})
	}

	t.Run("empty tenant", func(t *testing.T) {
		def := &workflow.WorkflowDef{ID: "x", Steps: []workflow.StepSpec{{ID: "a", ActionKind: "emit"}}}
		_, err := eng.Submit(ctx, "", def, nil)
		var vErr *errors.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("Submit() error = %v, want a validation error", err)
		}
	})

	t.Run("nil definition", func(t *testing.T) {
		_, err := eng.Submit(ctx, "acme", nil, nil)
		var vErr *errors.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("Submit() error = %v, want a validation error", err)
		}
	})
}

func TestEngineValidateDefinition(t *testing.T) {
	eng := newTestEngine(t, Config{}, emitAction())

	valid := &workflow.WorkflowDef{
		ID:    "ok",
		Steps: []workflow.StepSpec{{ID: "a", ActionKind: "emit"}},
	}
	if err := eng.ValidateDefinition(valid); err != nil {
		t.Fatalf("ValidateDefinition() error = %v", err)
	}

	cyclic := &workflow.WorkflowDef{
		ID: "loop",
		Steps: []workflow.StepSpec{
			{ID: "a", ActionKind: "emit", DependsOn: []string{"b"}},
			{ID: "b", ActionKind: "emit", DependsOn: []string{"a"}},
		},
	}
	err := eng.ValidateDefinition(cyclic)
	var defErr *errors.DefinitionError
	if !errors.As(err, &defErr) || defErr.Code != errors.CodeDefCycle {
		t.Fatalf("ValidateDefinition(cyclic) error = %v, want code %s", err, errors.CodeDefCycle)
	}

	if err := eng.ValidateDefinition(nil); err == nil {
		t.Fatal("ValidateDefinition(nil) = nil, want error")
	}
}

func TestEngineWatch(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{}, emitAction())

	events, cancel := eng.Watch("")
	defer cancel()

	def := &workflow.WorkflowDef{
		ID:    "observed",
		Steps: []workflow.StepSpec{{ID: "a", ActionKind: "emit"}},
	}
	runID, err := eng.Submit(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var seen []checkpoint.Kind
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.RunID != runID {
				continue
			}
			seen = append(seen, ev.Kind)
			if ev.Kind == checkpoint.KindRunFinished {
				if seen[0] != checkpoint.KindRunCreated {
					t.Errorf("first observed kind = %s, want run_created", seen[0])
				}
				return
			}
		case <-timeout:
			t.Fatalf("run_finished never observed; saw %v", seen)
		}
	}
}

func TestEngineRecoverSkipsHeldLeases(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()

	blocking := script("gate", func(ctx context.Context, _ *action.HandlerContext, _ map[string]any) (any, action.Outcome, error) {
		<-ctx.Done()
		return nil, action.OutcomeCancelled, ctx.Err()
	})
	eng1 := newTestEngine(t, Config{Store: store}, blocking)

	def := &workflow.WorkflowDef{
		ID:    "contested",
		Steps: []workflow.StepSpec{{ID: "b", ActionKind: "gate"}},
	}
	runID, err := eng1.Submit(ctx, "acme", def, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForStep(t, eng1, runID, "b", workflow.StepRunning)
	if err := eng1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Another node grabs the run before we recover.
	if err := store.AcquireLease(ctx, runID, "other-node", time.Hour); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	eng2 := newTestEngine(t, Config{Store: store}, blocking)
	resumed, err := eng2.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(resumed) != 0 {
		t.Errorf("resumed = %v, want none while the lease is held elsewhere", resumed)
	}
}
