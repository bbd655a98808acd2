package checkpoint

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// buildLog assembles a contiguous event log, assigning sequence
// numbers in order.
func buildLog(runID string, events ...Event) []Event {
	out := make([]Event, len(events))
	base := time.Now()
	for i, ev := range events {
		ev.RunID = runID
		ev.TenantID = "acme"
		ev.Seq = uint64(i) + 1
		ev.Time = base.Add(time.Duration(i) * time.Millisecond)
		out[i] = ev
	}
	return out
}

func TestReplayLinearSuccess(t *testing.T) {
	log := buildLog("run-1",
		Event{Kind: KindRunCreated, Payload: map[string]any{"workflow_id": "wf", "definition_hash": "sha256:abc"}},
		Event{Kind: KindRunStarted, Payload: map[string]any{"inputs": map[string]any{"n": int64(1)}}},
		Event{Kind: KindStepReady, StepID: "a"},
		Event{Kind: KindStepRunning, StepID: "a", Attempt: 1},
		Event{Kind: KindStepSucceeded, StepID: "a", Attempt: 1, Payload: map[string]any{"result": map[string]any{"out": int64(2)}}},
		Event{Kind: KindStepReady, StepID: "b"},
		Event{Kind: KindStepRunning, StepID: "b", Attempt: 1},
		Event{Kind: KindStepSucceeded, StepID: "b", Attempt: 1, Payload: map[string]any{"result": "done"}},
		Event{Kind: KindRunFinished, State: "succeeded", Payload: map[string]any{"outputs": map[string]any{"b": "done"}}},
	)

	run, err := Replay(log)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if run.RunID != "run-1" || run.TenantID != "acme" || run.WorkflowID != "wf" {
		t.Errorf("identity = %s/%s/%s", run.RunID, run.TenantID, run.WorkflowID)
	}
	if run.DefinitionHash != "sha256:abc" {
		t.Errorf("DefinitionHash = %s", run.DefinitionHash)
	}
	if run.State != workflow.RunSucceeded {
		t.Errorf("State = %s", run.State)
	}
	if run.CheckpointSeq != 9 {
		t.Errorf("CheckpointSeq = %d, want 9", run.CheckpointSeq)
	}
	if run.Inputs["n"] != int64(1) {
		t.Errorf("Inputs = %#v", run.Inputs)
	}
	if run.Outputs["b"] != "done" {
		t.Errorf("Outputs = %#v", run.Outputs)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Error("StartedAt and FinishedAt should be set")
	}

	a := run.Steps["a"]
	if a.State != workflow.StepSucceeded || a.Attempts != 1 || a.Activations != 1 {
		t.Errorf("step a = %+v", a)
	}
	if a.Result.(map[string]any)["out"] != int64(2) {
		t.Errorf("step a result = %#v", a.Result)
	}
	if run.Steps["b"].State != workflow.StepSucceeded {
		t.Errorf("step b = %+v", run.Steps["b"])
	}
}

func TestReplayMidRunCrash(t *testing.T) {
	// The process died after a's success checkpoint, before b ran.
	log := buildLog("run-1",
		Event{Kind: KindRunCreated, Payload: map[string]any{"workflow_id": "wf"}},
		Event{Kind: KindRunStarted, Payload: map[string]any{"inputs": map[string]any{}}},
		Event{Kind: KindStepReady, StepID: "a"},
		Event{Kind: KindStepRunning, StepID: "a", Attempt: 1},
		Event{Kind: KindStepSucceeded, StepID: "a", Attempt: 1, Payload: map[string]any{"result": int64(42)}},
		Event{Kind: KindStepReady, StepID: "b"},
	)

	run, err := Replay(log)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if run.State != workflow.RunRunning {
		t.Errorf("State = %s, want running", run.State)
	}
	if run.Steps["a"].State != workflow.StepSucceeded || run.Steps["a"].Result != int64(42) {
		t.Errorf("step a = %+v", run.Steps["a"])
	}
	if run.Steps["b"].State != workflow.StepReady {
		t.Errorf("step b = %+v", run.Steps["b"])
	}
	if run.Steps["b"].Activations != 1 {
		t.Errorf("step b activations = %d, want 1", run.Steps["b"].Activations)
	}
}

func TestReplayReactivationAdvancesBucket(t *testing.T) {
	// A step interrupted mid-retry gets a second step_ready after
	// takeover; its activation count reflects both.
	log := buildLog("run-1",
		Event{Kind: KindRunCreated, Payload: map[string]any{"workflow_id": "wf"}},
		Event{Kind: KindRunStarted},
		Event{Kind: KindStepReady, StepID: "a"},
		Event{Kind: KindStepRunning, StepID: "a", Attempt: 1},
		Event{Kind: KindStepRetryScheduled, StepID: "a", Attempt: 1, Payload: map[string]any{"delay_ms": int64(100), "next_attempt": int64(2)}},
		Event{Kind: KindStepReady, StepID: "a"},
		Event{Kind: KindStepRunning, StepID: "a", Attempt: 2},
	)

	run, err := Replay(log)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	a := run.Steps["a"]
	if a.Activations != 2 {
		t.Errorf("activations = %d, want 2", a.Activations)
	}
	if a.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", a.Attempts)
	}
	if a.State != workflow.StepRunning {
		t.Errorf("state = %s", a.State)
	}
}

func TestReplayFailedRun(t *testing.T) {
	stepErr := &errors.StepError{Class: errors.ClassPermanent, Code: "sandbox_exit", Message: "code exited 2"}
	log := buildLog("run-1",
		Event{Kind: KindRunCreated, Payload: map[string]any{"workflow_id": "wf"}},
		Event{Kind: KindRunStarted},
		Event{Kind: KindStepReady, StepID: "a"},
		Event{Kind: KindStepRunning, StepID: "a", Attempt: 1},
		Event{Kind: KindStepFailed, StepID: "a", Attempt: 1, Error: stepErr},
		Event{Kind: KindStepSkipped, StepID: "b", Payload: map[string]any{"reason": "upstream_failed"}},
		Event{Kind: KindRunFinished, State: "failed", Error: stepErr, Payload: map[string]any{"first_failed_step": "a"}},
	)

	run, err := Replay(log)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if run.State != workflow.RunFailed {
		t.Errorf("State = %s", run.State)
	}
	if run.FirstFailedStep != "a" {
		t.Errorf("FirstFailedStep = %s", run.FirstFailedStep)
	}
	if run.Error == nil || run.Error.Code != "sandbox_exit" {
		t.Errorf("Error = %+v", run.Error)
	}
	if run.Steps["a"].Error == nil || run.Steps["a"].Error.Class != errors.ClassPermanent {
		t.Errorf("step a error = %+v", run.Steps["a"].Error)
	}
	if run.Steps["b"].State != workflow.StepSkipped || run.Steps["b"].SkipReason != "upstream_failed" {
		t.Errorf("step b = %+v", run.Steps["b"])
	}
}

func TestReplayCorruptLogs(t *testing.T) {
	tests := []struct {
		name    string
		events  []Event
		wantMsg string
	}{
		{
			name:    "empty log",
			events:  nil,
			wantMsg: "empty event log",
		},
		{
			name: "wrong first event",
			events: buildLog("run-1",
				Event{Kind: KindRunStarted},
			),
			wantMsg: "starts with",
		},
		{
			name: "sequence gap",
			events: func() []Event {
				log := buildLog("run-1",
					Event{Kind: KindRunCreated},
					Event{Kind: KindRunStarted},
				)
				log[1].Seq = 5
				return log
			}(),
			wantMsg: "gap in log",
		},
		{
			name: "events past run_finished",
			events: buildLog("run-1",
				Event{Kind: KindRunCreated},
				Event{Kind: KindRunFinished, State: "succeeded"},
				Event{Kind: KindStepReady, StepID: "a"},
			),
			wantMsg: "events past",
		},
		{
			name: "non-terminal run_finished",
			events: buildLog("run-1",
				Event{Kind: KindRunCreated},
				Event{Kind: KindRunFinished, State: "running"},
			),
			wantMsg: "non-terminal",
		},
		{
			name: "duplicate run_created",
			events: buildLog("run-1",
				Event{Kind: KindRunCreated},
				Event{Kind: KindRunCreated},
			),
			wantMsg: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Replay(tt.events)
			if err == nil {
				t.Fatal("Replay() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestReplayMatchesAppendedLog(t *testing.T) {
	// Replay over events read back from a store equals replay over the
	// originals.
	log := buildLog("run-1",
		Event{Kind: KindRunCreated, Payload: map[string]any{"workflow_id": "wf"}},
		Event{Kind: KindRunStarted, Payload: map[string]any{"inputs": map[string]any{"n": int64(3)}}},
		Event{Kind: KindStepReady, StepID: "a"},
		Event{Kind: KindStepRunning, StepID: "a", Attempt: 1},
		Event{Kind: KindStepSucceeded, StepID: "a", Attempt: 1, Payload: map[string]any{"result": int64(4)}},
	)

	ctx := context.Background()
	s := leasedStore(t, "run-1")
	for _, ev := range log {
		if err := s.Append(ctx, testOwner, ev); err != nil {
			t.Fatalf("Append(seq %d) error = %v", ev.Seq, err)
		}
	}
	stored, err := s.Events(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	fromStore, err := Replay(stored)
	if err != nil {
		t.Fatalf("Replay(stored) error = %v", err)
	}
	direct, err := Replay(log)
	if err != nil {
		t.Fatalf("Replay(log) error = %v", err)
	}

	if fromStore.CheckpointSeq != direct.CheckpointSeq {
		t.Errorf("seq = %d vs %d", fromStore.CheckpointSeq, direct.CheckpointSeq)
	}
	if fromStore.Steps["a"].Result != direct.Steps["a"].Result {
		t.Errorf("result = %#v vs %#v", fromStore.Steps["a"].Result, direct.Steps["a"].Result)
	}
}
