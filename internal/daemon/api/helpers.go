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
	"fmt"
	"net/http"

	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/pkg/engine"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps an error onto an HTTP status and writes the JSON
// error body. Quota and shutdown responses carry Retry-After so
// clients back off instead of hammering.
func writeError(w http.ResponseWriter, err error) {
	status, resp := errorStatus(err)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

// errorStatus translates the error taxonomy into HTTP semantics.
// Definition, expression, and validation failures are the caller's
// fault; quota denials are 429; a run not resident on this node is a
// 409 because retrying against another node can succeed.
func errorStatus(err error) (int, errorResponse) {
	var verr *errors.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, errorResponse{Error: verr.Error(), Suggestion: verr.Suggestion}
	}
	var derr *errors.DefinitionError
	if errors.As(err, &derr) {
		return http.StatusBadRequest, errorResponse{Error: derr.Error(), Code: derr.Code}
	}
	var xerr *errors.ExprError
	if errors.As(err, &xerr) {
		return http.StatusBadRequest, errorResponse{Error: xerr.Error(), Code: xerr.Code}
	}
	var nerr *errors.NotFoundError
	if errors.As(err, &nerr) {
		return http.StatusNotFound, errorResponse{Error: nerr.Error()}
	}
	var perr *errors.PolicyError
	if errors.As(err, &perr) {
		return http.StatusForbidden, errorResponse{Error: perr.Error(), Code: perr.Code}
	}
	var ierr *errors.InfraError
	if errors.As(err, &ierr) {
		switch ierr.Code {
		case errors.CodeQuotaDenied:
			return http.StatusTooManyRequests, errorResponse{Error: ierr.Error(), Code: ierr.Code}
		case errors.CodeCheckpointUnavailable:
			return http.StatusServiceUnavailable, errorResponse{Error: ierr.Error(), Code: ierr.Code}
		default:
			return http.StatusInternalServerError, errorResponse{Error: ierr.Error(), Code: ierr.Code}
		}
	}
	if errors.Is(err, engine.ErrClosed) {
		return http.StatusServiceUnavailable, errorResponse{Error: "daemon is shutting down"}
	}
	if errors.Is(err, engine.ErrNotActive) {
		return http.StatusConflict, errorResponse{Error: err.Error()}
	}
	return http.StatusInternalServerError, errorResponse{Error: err.Error()}
}

// requireScope checks that the authenticated user holds the given
// scope. With auth disabled there is no user in the context and every
// scope is granted.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		return true
	}
	if auth.HasScope(user.Scopes, scope) {
		return true
	}
	writeJSON(w, http.StatusForbidden, errorResponse{
		Error: "missing required scope: " + scope,
	})
	return false
}

// tenantFor picks the tenant a request acts as: the token's tenant
// wins, then an explicit request value, then the default tenant.
func tenantFor(r *http.Request, requested string) string {
	if user, ok := auth.UserFromContext(r.Context()); ok && user.TenantID != "" {
		return user.TenantID
	}
	if requested != "" {
		return requested
	}
	return "default"
}

// notFoundRun builds the not-found error used when a run does not
// exist or belongs to another tenant.
func notFoundRun(id string) error {
	return &errors.NotFoundError{Resource: "run", ID: id}
}

// parseRunState validates a state query parameter.
func parseRunState(s string) (workflow.RunState, error) {
	state := workflow.RunState(s)
	switch state {
	case workflow.RunQueued, workflow.RunRunning, workflow.RunSucceeded,
		workflow.RunFailed, workflow.RunCancelled, workflow.RunTimedOut:
		return state, nil
	}
	return "", &errors.ValidationError{
		Field:      "state",
		Message:    fmt.Sprintf("unknown run state %q", s),
		Suggestion: "use one of: queued, running, succeeded, failed, cancelled, timed_out",
	}
}

// badQueryParam builds the validation error for a malformed numeric
// query parameter.
func badQueryParam(name, value string) error {
	return &errors.ValidationError{
		Field:   name,
		Message: fmt.Sprintf("must be a non-negative integer, got %q", value),
	}
}
