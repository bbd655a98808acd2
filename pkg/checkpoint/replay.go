package checkpoint

import (
	"fmt"

	"github.com/tombee/maestro/pkg/workflow"
)

// Replay rebuilds a run's materialized state from its event log,
// last write wins per step. Recovery uses this instead of the stored
// view: the log is what the durability contract protects. The input
// must be a complete log from Seq 1 in order.
func Replay(events []Event) (*workflow.Run, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("replay: empty event log")
	}
	if events[0].Kind != KindRunCreated {
		return nil, fmt.Errorf("replay: log starts with %s, want %s", events[0].Kind, KindRunCreated)
	}

	var run *workflow.Run
	for i, ev := range events {
		if want := uint64(i) + 1; ev.Seq != want {
			return nil, fmt.Errorf("replay: gap in log at seq %d, want %d", ev.Seq, want)
		}
		if i > 0 && ev.Kind == KindRunCreated {
			return nil, fmt.Errorf("replay: duplicate %s at seq %d", KindRunCreated, ev.Seq)
		}

		switch ev.Kind {
		case KindRunCreated:
			run = &workflow.Run{
				RunID:          ev.RunID,
				TenantID:       ev.TenantID,
				WorkflowID:     payloadString(ev.Payload, "workflow_id"),
				DefinitionHash: payloadString(ev.Payload, "definition_hash"),
				State:          workflow.RunQueued,
				CreatedAt:      ev.Time,
			}

		case KindRunStarted:
			run.State = workflow.RunRunning
			ts := ev.Time
			run.StartedAt = &ts
			if inputs := payloadMap(ev.Payload, "inputs"); inputs != nil {
				run.Inputs = inputs
			}

		case KindStepReady:
			st := run.Step(ev.StepID)
			st.State = workflow.StepReady
			st.Activations++

		case KindStepRunning:
			st := run.Step(ev.StepID)
			st.State = workflow.StepRunning
			st.Attempts = ev.Attempt
			if st.StartedAt == nil {
				ts := ev.Time
				st.StartedAt = &ts
			}

		case KindStepSucceeded:
			st := run.Step(ev.StepID)
			st.State = workflow.StepSucceeded
			st.Attempts = ev.Attempt
			st.Result = ev.Payload["result"]
			st.Error = nil
			ts := ev.Time
			st.FinishedAt = &ts

		case KindStepFailed:
			st := run.Step(ev.StepID)
			st.State = workflow.StepFailed
			st.Attempts = ev.Attempt
			st.Error = ev.Error
			ts := ev.Time
			st.FinishedAt = &ts

		case KindStepCancelled:
			st := run.Step(ev.StepID)
			st.State = workflow.StepCancelled
			if ev.Attempt > 0 {
				st.Attempts = ev.Attempt
			}
			st.Error = ev.Error
			st.Partial = payloadBool(ev.Payload, "partial")
			ts := ev.Time
			st.FinishedAt = &ts

		case KindStepSkipped:
			st := run.Step(ev.StepID)
			st.State = workflow.StepSkipped
			st.SkipReason = payloadString(ev.Payload, "reason")
			ts := ev.Time
			st.FinishedAt = &ts

		case KindStepRetryScheduled:
			// The step stays running; only the attempt count advances.
			// Recovery resumes from the scheduled attempt, not the one
			// that already failed.
			st := run.Step(ev.StepID)
			st.Attempts = ev.Attempt
			if next := payloadInt(ev.Payload, "next_attempt"); next > st.Attempts {
				st.Attempts = next
			}

		case KindRunFinished:
			state := workflow.RunState(ev.State)
			if !state.Terminal() {
				return nil, fmt.Errorf("replay: %s carries non-terminal state %q at seq %d", ev.Kind, ev.State, ev.Seq)
			}
			if i != len(events)-1 {
				return nil, fmt.Errorf("replay: events past %s at seq %d", ev.Kind, ev.Seq)
			}
			run.State = state
			run.Error = ev.Error
			run.FirstFailedStep = payloadString(ev.Payload, "first_failed_step")
			run.CancelReason = payloadString(ev.Payload, "reason")
			if outputs := payloadMap(ev.Payload, "outputs"); outputs != nil {
				run.Outputs = outputs
			}
			ts := ev.Time
			run.FinishedAt = &ts

		default:
			return nil, fmt.Errorf("replay: unknown event kind %q at seq %d", ev.Kind, ev.Seq)
		}

		run.CheckpointSeq = ev.Seq
	}
	return run, nil
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadBool(p map[string]any, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func payloadMap(p map[string]any, key string) map[string]any {
	m, _ := p[key].(map[string]any)
	return m
}
