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

// Package metrics exposes Prometheus metrics for the engine, the
// checkpoint store, and the tenant scheduler. Run and step counters are
// derived from the checkpoint event stream by wrapping the store, so
// the engine itself stays metrics-free.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsStarted tracks workflow runs admitted into execution
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_runs_started_total",
			Help: "Total workflow runs started by tenant",
		},
		[]string{"tenant"},
	)

	// runsFinished tracks terminal run states
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_runs_finished_total",
			Help: "Total workflow runs finished by tenant and terminal state",
		},
		[]string{"tenant", "state"},
	)

	// stepsFinished tracks terminal step states
	stepsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_steps_finished_total",
			Help: "Total steps finished by tenant and terminal state",
		},
		[]string{"tenant", "state"},
	)

	// stepRetries tracks scheduled step retries
	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_step_retries_total",
			Help: "Total step retries scheduled by tenant",
		},
		[]string{"tenant"},
	)

	// queueWait observes the delay between a step becoming ready and
	// its first activation, i.e. time spent waiting for a quota slot
	queueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_step_queue_wait_seconds",
			Help:    "Seconds between step_ready and step_running",
			Buckets: []float64{.001, .005, .025, .1, .5, 1, 5, 30, 120},
		},
		[]string{"tenant"},
	)

	// checkpointLatency observes checkpoint append durations
	checkpointLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_checkpoint_append_seconds",
			Help:    "Checkpoint append latency by event kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// storeErrors tracks checkpoint store failures
	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_store_errors_total",
			Help: "Total checkpoint store errors by operation",
		},
		[]string{"op"},
	)
)

// recordRunStarted increments the started-run counter.
func recordRunStarted(tenant string) {
	runsStarted.WithLabelValues(tenant).Inc()
}

// recordRunFinished increments the finished-run counter.
func recordRunFinished(tenant, state string) {
	runsFinished.WithLabelValues(tenant, state).Inc()
}

// recordStepFinished increments the finished-step counter.
func recordStepFinished(tenant, state string) {
	stepsFinished.WithLabelValues(tenant, state).Inc()
}

// recordStepRetry increments the retry counter.
func recordStepRetry(tenant string) {
	stepRetries.WithLabelValues(tenant).Inc()
}

// recordQueueWait observes one ready-to-running delay.
func recordQueueWait(tenant string, seconds float64) {
	queueWait.WithLabelValues(tenant).Observe(seconds)
}

// recordAppend observes one append's latency.
func recordAppend(kind string, seconds float64) {
	checkpointLatency.WithLabelValues(kind).Observe(seconds)
}

// recordStoreError increments the store error counter.
func recordStoreError(op string) {
	storeErrors.WithLabelValues(op).Inc()
}
