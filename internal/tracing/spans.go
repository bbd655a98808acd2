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

package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/maestro/pkg/checkpoint"
)

// Tracker turns checkpoint events into spans: one span per run from
// run_started to run_finished, one child span per step attempt from
// step_running to its completion. Event timestamps become span
// timestamps, so span durations reflect engine time, not observation
// time.
type Tracker struct {
	tracer trace.Tracer

	mu    sync.Mutex
	runs  map[string]*runTrace
	steps map[string]trace.Span // keyed runID+"/"+stepID, the live attempt
}

type runTrace struct {
	ctx        context.Context
	span       trace.Span
	workflowID string
}

// NewTracker builds a tracker over a tracer, typically
// Provider.Tracer("maestro.engine").
func NewTracker(tracer trace.Tracer) *Tracker {
	return &Tracker{
		tracer: tracer,
		runs:   make(map[string]*runTrace),
		steps:  make(map[string]trace.Span),
	}
}

// instrumentedStore feeds appended events to a span tracker.
type instrumentedStore struct {
	checkpoint.Store
	tracker *Tracker
}

// InstrumentStore wraps a checkpoint store so every appended event also
// advances the span tracker.
func InstrumentStore(s checkpoint.Store, tracker *Tracker) checkpoint.Store {
	return &instrumentedStore{Store: s, tracker: tracker}
}

func (s *instrumentedStore) Append(ctx context.Context, owner string, ev checkpoint.Event) error {
	if err := s.Store.Append(ctx, owner, ev); err != nil {
		return err
	}
	s.tracker.Observe(ev)
	return nil
}

// Observe advances span state from one appended event.
func (t *Tracker) Observe(ev checkpoint.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case checkpoint.KindRunCreated:
		// Remember the workflow ID for the span name; the span itself
		// starts with execution.
		workflowID, _ := ev.Payload["workflow_id"].(string)
		t.runs[ev.RunID] = &runTrace{workflowID: workflowID}

	case checkpoint.KindRunStarted:
		rt := t.runs[ev.RunID]
		if rt == nil {
			rt = &runTrace{}
			t.runs[ev.RunID] = rt
		}
		name := rt.workflowID
		if name == "" {
			name = ev.RunID
		}
		ctx, span := t.tracer.Start(context.Background(),
			fmt.Sprintf("workflow.run: %s", name),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(
				attribute.String("workflow.name", rt.workflowID),
				attribute.String("workflow.run_id", ev.RunID),
				attribute.String("tenant.id", ev.TenantID),
			),
		)
		rt.ctx, rt.span = ctx, span

	case checkpoint.KindStepRunning:
		rt := t.runs[ev.RunID]
		if rt == nil || rt.span == nil {
			return
		}
		_, span := t.tracer.Start(rt.ctx,
			fmt.Sprintf("step: %s", ev.StepID),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(
				attribute.String("step.id", ev.StepID),
				attribute.Int("step.attempt", ev.Attempt),
				attribute.String("workflow.run_id", ev.RunID),
			),
		)
		t.steps[ev.RunID+"/"+ev.StepID] = span

	case checkpoint.KindStepSucceeded:
		t.endStep(ev, codes.Ok, "")

	case checkpoint.KindStepFailed:
		msg := "step failed"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		t.endStep(ev, codes.Error, msg)

	case checkpoint.KindStepCancelled:
		t.endStep(ev, codes.Error, "cancelled")

	case checkpoint.KindStepRetryScheduled:
		// The failed attempt's span ends here; the retry starts a new
		// one on its next step_running.
		t.endStep(ev, codes.Error, "retry scheduled")

	case checkpoint.KindStepSkipped:
		if rt := t.runs[ev.RunID]; rt != nil && rt.span != nil {
			reason, _ := ev.Payload["reason"].(string)
			rt.span.AddEvent("step skipped", trace.WithAttributes(
				attribute.String("step.id", ev.StepID),
				attribute.String("reason", reason),
			))
		}

	case checkpoint.KindRunFinished:
		rt := t.runs[ev.RunID]
		if rt == nil {
			return
		}
		if rt.span != nil {
			if ev.State == "succeeded" {
				rt.span.SetStatus(codes.Ok, "")
			} else {
				rt.span.SetStatus(codes.Error, ev.State)
				if ev.Error != nil {
					rt.span.RecordError(ev.Error)
				}
			}
			rt.span.SetAttributes(attribute.String("workflow.state", ev.State))
			rt.span.End(trace.WithTimestamp(ev.Time))
		}
		delete(t.runs, ev.RunID)
		prefix := ev.RunID + "/"
		for key, span := range t.steps {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				span.End(trace.WithTimestamp(ev.Time))
				delete(t.steps, key)
			}
		}
	}
}

// endStep closes the live attempt span for the event's step.
func (t *Tracker) endStep(ev checkpoint.Event, code codes.Code, msg string) {
	key := ev.RunID + "/" + ev.StepID
	span, ok := t.steps[key]
	if !ok {
		return
	}
	delete(t.steps, key)

	span.SetStatus(code, msg)
	if ev.Error != nil {
		span.RecordError(ev.Error)
	}
	span.End(trace.WithTimestamp(ev.Time))
}
