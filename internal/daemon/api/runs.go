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
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/workflow"
)

// SubmitRequest is the JSON request body for creating a run. Workflow
// carries the definition document verbatim, YAML or JSON.
type SubmitRequest struct {
	Workflow string         `json:"workflow"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
}

// handleSubmit handles POST /v1/runs.
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) {
	if r.draining.Load() {
		w.Header().Set("Retry-After", "10")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "daemon is shutting down gracefully"})
		return
	}
	if !requireScope(w, req, auth.ScopeRunsWrite) {
		return
	}

	contentType := req.Header.Get("Content-Type")

	var sub SubmitRequest
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		if err := json.NewDecoder(req.Body).Decode(&sub); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		if sub.Workflow == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "workflow field is required"})
			return
		}
	case strings.HasPrefix(contentType, "application/x-yaml"), strings.HasPrefix(contentType, "text/yaml"):
		// Raw definition in the body; inputs come from query params.
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read workflow: " + err.Error()})
			return
		}
		sub.Workflow = string(body)
		sub.TenantID = req.URL.Query().Get("tenant")
		sub.Inputs = make(map[string]any)
		for key, values := range req.URL.Query() {
			if key != "tenant" && len(values) > 0 {
				sub.Inputs[key] = values[0]
			}
		}
	default:
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: "content-type must be application/json, application/x-yaml, or text/yaml"})
		return
	}

	def, err := workflow.ParseDefinition([]byte(sub.Workflow))
	if err != nil {
		writeError(w, err)
		return
	}

	tenant := tenantFor(req, sub.TenantID)
	runID, err := r.engine.Submit(req.Context(), tenant, def, sub.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}

	if run, err := r.engine.GetRun(req.Context(), runID); err == nil {
		writeJSON(w, http.StatusAccepted, run)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleList handles GET /v1/runs.
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	if !requireScope(w, req, auth.ScopeRunsRead) {
		return
	}

	filter, err := filterFromQuery(req)
	if err != nil {
		writeError(w, err)
		return
	}

	tenant := tenantFor(req, req.URL.Query().Get("tenant"))
	runs, err := r.engine.ListRuns(req.Context(), tenant, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []workflow.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGet handles GET /v1/runs/{id}.
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	if !requireScope(w, req, auth.ScopeRunsRead) {
		return
	}

	run, err := r.visibleRun(req, req.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRequest is the optional JSON request body for cancelling a run.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleCancel handles DELETE /v1/runs/{id}. Cancellation is
// asynchronous; the response only acknowledges the request.
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	if !requireScope(w, req, auth.ScopeRunsWrite) {
		return
	}

	id := req.PathValue("id")
	if _, err := r.visibleRun(req, id); err != nil {
		writeError(w, err)
		return
	}

	var cancel CancelRequest
	if req.Body != nil {
		// Body is optional; an empty one decodes to the zero value.
		_ = json.NewDecoder(req.Body).Decode(&cancel)
	}

	if err := r.engine.CancelRun(req.Context(), id, cancel.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":           id,
		"cancel_requested": true,
	})
}

// handlePurge handles DELETE /v1/runs. It deletes a tenant's terminal
// run history and requires the admin scope.
func (r *Router) handlePurge(w http.ResponseWriter, req *http.Request) {
	if !requireScope(w, req, auth.ScopeAdmin) {
		return
	}

	filter, err := filterFromQuery(req)
	if err != nil {
		writeError(w, err)
		return
	}

	tenant := tenantFor(req, req.URL.Query().Get("tenant"))
	purged, err := r.engine.PurgeRuns(req.Context(), tenant, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"purged": purged,
	})
}

// handleSignal handles POST /v1/runs/{id}/signals/{name}. The request
// body is the signal payload, any JSON value.
func (r *Router) handleSignal(w http.ResponseWriter, req *http.Request) {
	if !requireScope(w, req, auth.ScopeRunsWrite) {
		return
	}

	id := req.PathValue("id")
	name := req.PathValue("name")
	if _, err := r.visibleRun(req, id); err != nil {
		writeError(w, err)
		return
	}

	var payload any
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read payload: " + err.Error()})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "payload must be valid JSON: " + err.Error()})
			return
		}
	}

	if err := r.engine.SendSignal(req.Context(), id, name, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": id,
		"signal": name,
	})
}

// visibleRun fetches a run and enforces tenant isolation: a token
// bound to a tenant only sees that tenant's runs. Hidden runs read as
// not found so run IDs don't leak across tenants.
func (r *Router) visibleRun(req *http.Request, id string) (*workflow.Run, error) {
	run, err := r.engine.GetRun(req.Context(), id)
	if err != nil {
		return nil, err
	}
	if user, ok := auth.UserFromContext(req.Context()); ok && user.TenantID != "" && user.TenantID != run.TenantID {
		return nil, notFoundRun(id)
	}
	return run, nil
}

// filterFromQuery parses state, workflow_id, limit, and offset query
// parameters into a checkpoint filter.
func filterFromQuery(req *http.Request) (checkpoint.Filter, error) {
	var filter checkpoint.Filter

	if state := req.URL.Query().Get("state"); state != "" {
		parsed, err := parseRunState(state)
		if err != nil {
			return filter, err
		}
		filter.State = parsed
	}
	filter.WorkflowID = req.URL.Query().Get("workflow_id")

	if raw := req.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, badQueryParam("limit", raw)
		}
		filter.Limit = limit
	}
	if raw := req.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, badQueryParam("offset", raw)
		}
		filter.Offset = offset
	}
	return filter, nil
}
