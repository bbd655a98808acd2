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

package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthResponse is the response format for /healthz.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

var startTime = time.Now()

// handleHealth handles GET /healthz. The endpoint bypasses auth so
// probes work without credentials.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	checks := map[string]string{
		"api":     "ok",
		"runtime": runtime.Version(),
	}

	stats := r.engine.SchedulerStats()
	waiting := 0
	for _, ts := range stats.Tenants {
		waiting += ts.WaitingRuns + ts.WaitingSteps
	}
	checks["scheduler"] = formatSchedulerStatus(stats.GlobalInFlight, stats.GlobalCap, waiting)

	status := "healthy"
	if r.draining.Load() {
		status = "draining"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Checks:    checks,
	})
}

// formatSchedulerStatus formats quota occupancy for display.
func formatSchedulerStatus(inFlight, capacity, waiting int) string {
	if capacity <= 0 {
		return fmt.Sprintf("%d in flight, %d waiting", inFlight, waiting)
	}
	return fmt.Sprintf("%d/%d in flight, %d waiting", inFlight, capacity, waiting)
}
