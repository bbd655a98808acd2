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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/maestro/pkg/scheduler"
)

var (
	globalInFlightDesc = prometheus.NewDesc(
		"maestro_scheduler_global_in_flight_steps",
		"Steps currently holding a slot across all tenants",
		nil, nil,
	)
	globalCapDesc = prometheus.NewDesc(
		"maestro_scheduler_global_step_cap",
		"Engine-wide cap on in-flight steps",
		nil, nil,
	)
	tenantRunsDesc = prometheus.NewDesc(
		"maestro_scheduler_tenant_runs_in_flight",
		"Runs currently admitted per tenant",
		[]string{"tenant"}, nil,
	)
	tenantStepsDesc = prometheus.NewDesc(
		"maestro_scheduler_tenant_steps_in_flight",
		"Steps currently holding a slot per tenant",
		[]string{"tenant"}, nil,
	)
	tenantWaitingRunsDesc = prometheus.NewDesc(
		"maestro_scheduler_tenant_waiting_runs",
		"Run admissions parked on the quota gate per tenant",
		[]string{"tenant"}, nil,
	)
	tenantWaitingStepsDesc = prometheus.NewDesc(
		"maestro_scheduler_tenant_waiting_steps",
		"Step activations parked on the quota gate per tenant",
		[]string{"tenant"}, nil,
	)
)

// SchedulerCollector exports scheduler occupancy as gauges, sampled at
// scrape time.
type SchedulerCollector struct {
	stats func() scheduler.Stats
}

// NewSchedulerCollector builds a collector over a stats source,
// typically Engine.SchedulerStats.
func NewSchedulerCollector(stats func() scheduler.Stats) *SchedulerCollector {
	return &SchedulerCollector{stats: stats}
}

// Describe implements prometheus.Collector.
func (c *SchedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- globalInFlightDesc
	ch <- globalCapDesc
	ch <- tenantRunsDesc
	ch <- tenantStepsDesc
	ch <- tenantWaitingRunsDesc
	ch <- tenantWaitingStepsDesc
}

// Collect implements prometheus.Collector.
func (c *SchedulerCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()

	ch <- prometheus.MustNewConstMetric(globalInFlightDesc, prometheus.GaugeValue, float64(st.GlobalInFlight))
	ch <- prometheus.MustNewConstMetric(globalCapDesc, prometheus.GaugeValue, float64(st.GlobalCap))

	for tenant, ts := range st.Tenants {
		ch <- prometheus.MustNewConstMetric(tenantRunsDesc, prometheus.GaugeValue, float64(ts.RunsInFlight), tenant)
		ch <- prometheus.MustNewConstMetric(tenantStepsDesc, prometheus.GaugeValue, float64(ts.StepsInFlight), tenant)
		ch <- prometheus.MustNewConstMetric(tenantWaitingRunsDesc, prometheus.GaugeValue, float64(ts.WaitingRuns), tenant)
		ch <- prometheus.MustNewConstMetric(tenantWaitingStepsDesc, prometheus.GaugeValue, float64(ts.WaitingSteps), tenant)
	}
}

// Register registers the collector with the default registry.
func (c *SchedulerCollector) Register() error {
	return prometheus.Register(c)
}
