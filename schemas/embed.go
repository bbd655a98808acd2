// Package schemas embeds the JSON Schemas shipped with maestro.
package schemas

import (
	_ "embed"
)

// The workflow definition schema is embedded so the validate command and
// MCP tooling can serve it for IDE autocompletion and pre-submission
// checks without a filesystem dependency.
//
//go:embed workflow.schema.json
var workflowSchema []byte

// Workflow returns the workflow definition JSON Schema as raw bytes.
func Workflow() []byte {
	return workflowSchema
}
