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

package run

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tombee/maestro/pkg/workflow"
)

// parseInputs parses input arguments in key=value format and optionally
// merges with file inputs. Flag inputs win per key.
func parseInputs(inputArgs []string, inputFile string) (map[string]any, error) {
	var inputs map[string]any
	if inputFile != "" {
		var err error
		inputs, err = loadInputFile(inputFile)
		if err != nil {
			return nil, err
		}
	} else {
		inputs = make(map[string]any)
	}

	for _, arg := range inputArgs {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid input format %q (expected key=value)", arg)
		}
		inputs[parts[0]] = parts[1]
	}

	return inputs, nil
}

// loadInputFile loads inputs from a JSON file or stdin
func loadInputFile(path string) (map[string]any, error) {
	var data []byte
	var err error

	if path == "-" {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return nil, fmt.Errorf("--input-file - requires input on stdin (pipe or redirect)")
		}
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
	}

	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse JSON input: %w", err)
	}

	return inputs, nil
}

// coerceInputs converts string-valued inputs to the type the workflow
// declares for them. k=v flags always arrive as strings; without
// coercion a declared int input supplied as -i retries=3 would be
// rejected at submission. Undeclared inputs and text/any declarations
// pass through unchanged.
func coerceInputs(def *workflow.WorkflowDef, inputs map[string]any) (map[string]any, error) {
	if len(def.InputsSchema) == 0 || len(inputs) == 0 {
		return inputs, nil
	}

	types := make(map[string]string, len(def.InputsSchema))
	for _, p := range def.InputsSchema {
		types[p.Name] = p.Type
	}

	for name, v := range inputs {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch types[name] {
		case "int":
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("input %s: expected int, got %q", name, s)
			}
			inputs[name] = n
		case "float":
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("input %s: expected float, got %q", name, s)
			}
			inputs[name] = f
		case "bool":
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("input %s: expected bool, got %q", name, s)
			}
			inputs[name] = b
		case "list", "map":
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil, fmt.Errorf("input %s: expected JSON %s: %v", name, types[name], err)
			}
			inputs[name] = decoded
		case "binary":
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("input %s: expected base64-encoded binary: %v", name, err)
			}
			inputs[name] = raw
		}
	}

	return inputs, nil
}

// missingInputs lists required schema parameters absent from inputs.
func missingInputs(def *workflow.WorkflowDef, inputs map[string]any) []workflow.InputParam {
	var missing []workflow.InputParam
	for _, p := range def.InputsSchema {
		if !p.Required {
			continue
		}
		if _, ok := inputs[p.Name]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// formatMissingInputsError creates a structured error message for
// missing inputs.
func formatMissingInputsError(missing []workflow.InputParam) string {
	var sb strings.Builder
	sb.WriteString("missing required inputs:\n")
	for _, p := range missing {
		typ := p.Type
		if typ == "" {
			typ = "any"
		}
		sb.WriteString(fmt.Sprintf("  - %s (%s)", p.Name, typ))
		if p.Description != "" {
			sb.WriteString(": " + p.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nPass them with --input name=value or --input-file")
	return sb.String()
}
