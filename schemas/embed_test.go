package schemas

import (
	"encoding/json"
	"testing"
)

func TestWorkflowSchemaEmbeds(t *testing.T) {
	raw := Workflow()
	if len(raw) == 0 {
		t.Fatal("embedded schema is empty")
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("embedded schema is not valid JSON: %v", err)
	}

	for _, field := range []string{"$schema", "$id", "title"} {
		if _, ok := schema[field]; !ok {
			t.Errorf("schema missing %s field", field)
		}
	}
}

// The schema must track the definition structs. If a field is added to
// the step spec without updating the schema, strict parsing would admit
// documents the published schema rejects, or the reverse.
func TestWorkflowSchemaCoversStepFields(t *testing.T) {
	var schema struct {
		Properties  map[string]json.RawMessage `json:"properties"`
		Definitions map[string]struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"definitions"`
	}
	if err := json.Unmarshal(Workflow(), &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}

	cases := map[string][]string{
		"step":        {"id", "action_kind", "config", "depends_on", "inputs", "retry", "timeout", "on_error"},
		"retry":       {"max_attempts", "initial_backoff", "multiplier", "max_backoff", "jitter", "retriable", "on_timeout"},
		"input_param": {"name", "type", "required", "default", "description"},
	}
	for def, fields := range cases {
		props := schema.Definitions[def].Properties
		if len(props) != len(fields) {
			t.Errorf("definitions.%s has %d properties, want %d", def, len(props), len(fields))
		}
		for _, f := range fields {
			if _, ok := props[f]; !ok {
				t.Errorf("definitions.%s missing property %s", def, f)
			}
		}
	}

	topLevel := []string{"id", "version", "description", "concurrency_limit", "global_timeout", "inputs_schema", "vars", "steps"}
	if len(schema.Properties) != len(topLevel) {
		t.Errorf("schema has %d top-level properties, want %d", len(schema.Properties), len(topLevel))
	}
	for _, f := range topLevel {
		if _, ok := schema.Properties[f]; !ok {
			t.Errorf("schema missing top-level property %s", f)
		}
	}
}
