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

package sdk

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tombee/maestro/pkg/workflow"
)

// SubmitOptions shape a run submission.
type SubmitOptions struct {
	// Inputs are bound under ${inputs...} in the workflow.
	Inputs map[string]any

	// TenantID scopes the run. Empty defers to the token's tenant or
	// the daemon's default.
	TenantID string
}

type submitRequest struct {
	Workflow string         `json:"workflow"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
}

// Submit creates a run from a workflow document (YAML or JSON) and
// returns its initial record. Execution proceeds in the background.
func (c *Client) Submit(ctx context.Context, workflowDoc []byte, opts SubmitOptions) (*workflow.Run, error) {
	req := submitRequest{
		Workflow: string(workflowDoc),
		Inputs:   opts.Inputs,
		TenantID: opts.TenantID,
	}
	var run workflow.Run
	if err := c.postJSON(ctx, "/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches the full record of one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	var run workflow.Run
	if err := c.getJSON(ctx, "/v1/runs/"+url.PathEscape(runID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListOptions narrow a run listing. Zero values match everything.
type ListOptions struct {
	TenantID   string
	State      workflow.RunState
	WorkflowID string
	Limit      int
	Offset     int
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.TenantID != "" {
		q.Set("tenant", o.TenantID)
	}
	if o.State != "" {
		q.Set("state", string(o.State))
	}
	if o.WorkflowID != "" {
		q.Set("workflow_id", o.WorkflowID)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListRuns lists run summaries for a tenant, newest first.
func (c *Client) ListRuns(ctx context.Context, opts ListOptions) ([]workflow.RunSummary, error) {
	var payload struct {
		Runs []workflow.RunSummary `json:"runs"`
	}
	if err := c.getJSON(ctx, "/v1/runs"+opts.query(), &payload); err != nil {
		return nil, err
	}
	return payload.Runs, nil
}

// Cancel requests cancellation of an active run. Cancellation is
// asynchronous; poll GetRun for the terminal state.
func (c *Client) Cancel(ctx context.Context, runID, reason string) error {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.deleteJSON(ctx, "/v1/runs/"+url.PathEscape(runID), body, nil)
}

// Purge deletes terminal run history matching opts and reports how
// many runs were removed. Requires the admin scope when auth is on.
func (c *Client) Purge(ctx context.Context, opts ListOptions) (int, error) {
	var payload struct {
		Purged int `json:"purged"`
	}
	if err := c.deleteJSON(ctx, "/v1/runs"+opts.query(), nil, &payload); err != nil {
		return 0, err
	}
	return payload.Purged, nil
}

// Signal delivers a named signal to a run. The payload may be any
// JSON-encodable value, or nil.
func (c *Client) Signal(ctx context.Context, runID, name string, payload any) error {
	path := "/v1/runs/" + url.PathEscape(runID) + "/signals/" + url.PathEscape(name)
	return c.postJSON(ctx, path, payload, nil)
}

// ValidateResponse reports the outcome of definition validation.
type ValidateResponse struct {
	Valid      bool   `json:"valid"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Steps      int    `json:"steps,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// Validate checks a workflow document against the daemon's full
// admission rules without creating a run.
func (c *Client) Validate(ctx context.Context, workflowDoc []byte) (*ValidateResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/workflows/validate",
		"application/x-yaml", bytes.NewReader(workflowDoc))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var vr ValidateResponse
	if err := decodeJSON(resp, &vr); err != nil {
		return nil, err
	}
	return &vr, nil
}

// HealthResponse mirrors the daemon's /healthz payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health fetches the daemon health summary.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.getJSON(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// VersionResponse mirrors the daemon's /v1/version payload.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Version fetches the daemon build information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var v VersionResponse
	if err := c.getJSON(ctx, "/v1/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Ping reports whether the daemon answers at all.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}
