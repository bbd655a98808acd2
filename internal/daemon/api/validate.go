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
	"strings"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// ValidateRequest is the JSON request body for workflow validation.
type ValidateRequest struct {
	Workflow string `json:"workflow"`
}

// ValidateResponse reports the outcome of definition validation.
// Invalid definitions still answer 200: the validation itself
// succeeded, the document did not.
type ValidateResponse struct {
	Valid      bool   `json:"valid"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Steps      int    `json:"steps,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// handleValidate handles POST /v1/workflows/validate.
func (r *Router) handleValidate(w http.ResponseWriter, req *http.Request) {
	contentType := req.Header.Get("Content-Type")

	var doc []byte
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var vr ValidateRequest
		if err := json.NewDecoder(req.Body).Decode(&vr); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		if vr.Workflow == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "workflow field is required"})
			return
		}
		doc = []byte(vr.Workflow)
	case strings.HasPrefix(contentType, "application/x-yaml"), strings.HasPrefix(contentType, "text/yaml"):
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read workflow: " + err.Error()})
			return
		}
		doc = body
	default:
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: "content-type must be application/json, application/x-yaml, or text/yaml"})
		return
	}

	def, err := workflow.ParseDefinition(doc)
	if err == nil {
		// Full admission checks: unknown action kinds, cycles, and
		// unresolvable references, not just document structure.
		err = r.engine.ValidateDefinition(def)
	}
	if err != nil {
		resp := ValidateResponse{Valid: false, Error: err.Error()}
		var derr *errors.DefinitionError
		if errors.As(err, &derr) {
			resp.Code = derr.Code
		}
		var xerr *errors.ExprError
		if errors.As(err, &xerr) {
			resp.Code = xerr.Code
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:      true,
		WorkflowID: def.ID,
		Steps:      len(def.Steps),
	})
}
