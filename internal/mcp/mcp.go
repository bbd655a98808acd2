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

// Package mcp exposes engine operations as Model Context Protocol
// tools served over stdio, so AI coding assistants can validate
// workflow definitions and drive runs through the same admission,
// quota, and policy path the HTTP API uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/maestro/pkg/engine"
)

// Config describes an MCP server.
type Config struct {
	// Name is the server name advertised during the MCP handshake.
	// Defaults to "maestro".
	Name string

	// Version is the advertised server version.
	Version string

	// DefaultTenant is the tenant run_submit acts as when a call
	// carries no tenant_id argument. Defaults to "default".
	DefaultTenant string

	// Logger receives server logs. Stdout carries the protocol, so
	// the logger must write somewhere else; nil means stderr.
	Logger *slog.Logger
}

// Server serves engine operations as MCP tools over stdio.
type Server struct {
	engine        *engine.Engine
	mcpServer     *server.MCPServer
	defaultTenant string
	log           *slog.Logger
}

// New builds a server around a live engine and registers its tools.
func New(cfg Config, eng *engine.Engine) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("mcp: engine is required")
	}
	name := cfg.Name
	if name == "" {
		name = "maestro"
	}
	tenant := cfg.DefaultTenant
	if tenant == "" {
		tenant = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	s := &Server{
		engine:        eng,
		defaultTenant: tenant,
		log:           logger,
	}
	s.mcpServer = server.NewMCPServer(name, cfg.Version)
	s.registerTools()
	return s, nil
}

// Run serves the protocol on stdin/stdout until the stream closes or
// the process receives a termination signal.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp server starting", slog.String("tenant", s.defaultTenant))
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp: serve: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name: "workflow_validate",
		Description: "Validate a workflow definition without running it. " +
			"Checks YAML syntax, structural rules, and that the step graph admits an execution plan.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"workflow_yaml": map[string]any{
					"type":        "string",
					"description": "Workflow definition YAML",
				},
			},
			Required: []string{"workflow_yaml"},
		},
	}, s.handleValidate)

	s.mcpServer.AddTool(mcp.Tool{
		Name: "workflow_schema",
		Description: "Return the JSON Schema for workflow definition files. " +
			"Generate YAML that conforms to this schema, then check it with workflow_validate.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleSchema)

	s.mcpServer.AddTool(mcp.Tool{
		Name: "run_submit",
		Description: "Submit a workflow for durable execution. " +
			"Returns the run id immediately; execution proceeds in the background. " +
			"Poll run_status to observe progress.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"workflow_yaml": map[string]any{
					"type":        "string",
					"description": "Workflow definition YAML",
				},
				"inputs": map[string]any{
					"type":        "object",
					"description": "Run inputs bound to ${inputs.*} references",
				},
				"tenant_id": map[string]any{
					"type":        "string",
					"description": "Tenant to submit as; defaults to the server's tenant",
				},
			},
			Required: []string{"workflow_yaml"},
		},
	}, s.handleSubmit)

	s.mcpServer.AddTool(mcp.Tool{
		Name: "run_status",
		Description: "Fetch the full state of a run: lifecycle state, per-step records, " +
			"outputs, and error detail.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"run_id": map[string]any{
					"type":        "string",
					"description": "Run identifier returned by run_submit",
				},
			},
			Required: []string{"run_id"},
		},
	}, s.handleStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name: "run_cancel",
		Description: "Request cancellation of an active run. " +
			"Cancellation is asynchronous: running steps stop at their next checkpoint.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"run_id": map[string]any{
					"type":        "string",
					"description": "Run identifier",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Reason recorded on the run",
				},
			},
			Required: []string{"run_id"},
		},
	}, s.handleCancel)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_signal",
		Description: "Deliver a named signal with an optional JSON payload to a run waiting on it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"run_id": map[string]any{
					"type":        "string",
					"description": "Run identifier",
				},
				"name": map[string]any{
					"type":        "string",
					"description": "Signal name a wait step is blocked on",
				},
				"payload": map[string]any{
					"description": "Signal payload, any JSON value",
				},
			},
			Required: []string{"run_id", "name"},
		},
	}, s.handleSignal)
}

// errorResponse builds a tool error result. Tool failures are reported
// in-band so the calling model can read and react to them; protocol
// errors stay reserved for transport problems.
func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// jsonResponse renders v as indented JSON text content.
func jsonResponse(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
	}, nil
}
