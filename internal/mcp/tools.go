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

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/schemas"
)

// ValidationResult is the workflow_validate payload.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	Steps      int      `json:"steps,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// SubmitResult is the run_submit payload.
type SubmitResult struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
}

// handleValidate implements the workflow_validate tool. Definition
// problems come back as a valid=false result rather than a tool error,
// so the caller can read them and fix the YAML.
func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowYAML, err := request.RequireString("workflow_yaml")
	if err != nil {
		return errorResponse("missing or invalid 'workflow_yaml' argument"), nil
	}

	result := ValidationResult{Valid: true}
	def, err := workflow.ParseDefinition([]byte(workflowYAML))
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return jsonResponse(result)
	}
	if err := s.engine.ValidateDefinition(def); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return jsonResponse(result)
	}

	result.WorkflowID = def.ID
	result.Steps = len(def.Steps)
	return jsonResponse(result)
}

// handleSchema implements the workflow_schema tool.
func (s *Server) handleSchema(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var schema any
	if err := json.Unmarshal(schemas.Workflow(), &schema); err != nil {
		return errorResponse(fmt.Sprintf("parse embedded schema: %v", err)), nil
	}
	return jsonResponse(schema)
}

// handleSubmit implements the run_submit tool.
func (s *Server) handleSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowYAML, err := request.RequireString("workflow_yaml")
	if err != nil {
		return errorResponse("missing or invalid 'workflow_yaml' argument"), nil
	}
	def, err := workflow.ParseDefinition([]byte(workflowYAML))
	if err != nil {
		return errorResponse(fmt.Sprintf("invalid workflow: %v", err)), nil
	}

	tenant := request.GetString("tenant_id", s.defaultTenant)
	var inputs map[string]any
	if raw, ok := request.GetArguments()["inputs"].(map[string]any); ok {
		inputs = raw
	}

	runID, err := s.engine.Submit(ctx, tenant, def, inputs)
	if err != nil {
		return errorResponse(fmt.Sprintf("submit failed: %v", err)), nil
	}
	s.log.Info("run submitted",
		slog.String("run_id", runID),
		slog.String("workflow_id", def.ID),
		slog.String("tenant_id", tenant))
	return jsonResponse(SubmitResult{RunID: runID, TenantID: tenant})
}

// handleStatus implements the run_status tool.
func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return errorResponse("missing or invalid 'run_id' argument"), nil
	}

	run, err := s.engine.GetRun(ctx, runID)
	if err != nil {
		return errorResponse(fmt.Sprintf("get run: %v", err)), nil
	}
	return jsonResponse(run)
}

// handleCancel implements the run_cancel tool. The response only
// acknowledges the request; the run reaches cancelled at its next
// checkpoint.
func (s *Server) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return errorResponse("missing or invalid 'run_id' argument"), nil
	}
	reason := request.GetString("reason", "")

	if err := s.engine.CancelRun(ctx, runID, reason); err != nil {
		return errorResponse(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	s.log.Info("cancellation requested", slog.String("run_id", runID))
	return jsonResponse(map[string]any{
		"run_id":           runID,
		"cancel_requested": true,
	})
}

// handleSignal implements the run_signal tool.
func (s *Server) handleSignal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return errorResponse("missing or invalid 'run_id' argument"), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return errorResponse("missing or invalid 'name' argument"), nil
	}
	payload := request.GetArguments()["payload"]

	if err := s.engine.SendSignal(ctx, runID, name, payload); err != nil {
		return errorResponse(fmt.Sprintf("signal failed: %v", err)), nil
	}
	s.log.Info("signal delivered",
		slog.String("run_id", runID),
		slog.String("signal", name))
	return jsonResponse(map[string]any{
		"run_id": runID,
		"signal": name,
	})
}
