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

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/workflow"
)

// instrumentedStore derives run/step counters from the event stream and
// times appends. Every state transition the engine makes flows through
// Append, so this wrapper observes the full run lifecycle without
// engine hooks.
type instrumentedStore struct {
	checkpoint.Store

	mu sync.Mutex
	// readyAt remembers when each step became ready, keyed by
	// runID+"/"+stepID, to observe queue wait on the running event.
	readyAt map[string]time.Time
}

// InstrumentStore wraps a checkpoint store with Prometheus
// instrumentation.
func InstrumentStore(s checkpoint.Store) checkpoint.Store {
	return &instrumentedStore{
		Store:   s,
		readyAt: make(map[string]time.Time),
	}
}

func (s *instrumentedStore) Append(ctx context.Context, owner string, ev checkpoint.Event) error {
	start := time.Now()
	err := s.Store.Append(ctx, owner, ev)
	recordAppend(string(ev.Kind), time.Since(start).Seconds())

	if err != nil {
		recordStoreError("append")
		return err
	}

	s.observe(ev)
	return nil
}

func (s *instrumentedStore) SaveRun(ctx context.Context, owner string, run *workflow.Run) error {
	err := s.Store.SaveRun(ctx, owner, run)
	if err != nil {
		recordStoreError("save_run")
	}
	return err
}

// observe updates counters from a successfully appended event.
func (s *instrumentedStore) observe(ev checkpoint.Event) {
	tenant := ev.TenantID
	if tenant == "" {
		tenant = "default"
	}

	switch ev.Kind {
	case checkpoint.KindRunStarted:
		recordRunStarted(tenant)

	case checkpoint.KindRunFinished:
		recordRunFinished(tenant, ev.State)
		s.mu.Lock()
		prefix := ev.RunID + "/"
		for key := range s.readyAt {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				delete(s.readyAt, key)
			}
		}
		s.mu.Unlock()

	case checkpoint.KindStepReady:
		s.mu.Lock()
		s.readyAt[ev.RunID+"/"+ev.StepID] = ev.Time
		s.mu.Unlock()

	case checkpoint.KindStepRunning:
		// Only the first activation measures queue wait; retries
		// re-enter running without a new ready event.
		s.mu.Lock()
		if ready, ok := s.readyAt[ev.RunID+"/"+ev.StepID]; ok {
			delete(s.readyAt, ev.RunID+"/"+ev.StepID)
			if wait := ev.Time.Sub(ready); wait >= 0 {
				recordQueueWait(tenant, wait.Seconds())
			}
		}
		s.mu.Unlock()

	case checkpoint.KindStepRetryScheduled:
		recordStepRetry(tenant)

	case checkpoint.KindStepSucceeded:
		recordStepFinished(tenant, string(workflow.StepSucceeded))
	case checkpoint.KindStepFailed:
		recordStepFinished(tenant, string(workflow.StepFailed))
	case checkpoint.KindStepSkipped:
		recordStepFinished(tenant, string(workflow.StepSkipped))
	case checkpoint.KindStepCancelled:
		recordStepFinished(tenant, string(workflow.StepCancelled))
	}
}
