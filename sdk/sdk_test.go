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
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/internal/daemon/api"
	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/action/builtin"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/engine"
	"github.com/tombee/maestro/pkg/workflow"
)

const echoWorkflow = `
id: echo
steps:
  - id: shape
    action_kind: transform
    config:
      query: '{message: .text}'
    inputs:
      text: ${inputs.text}
`

const waitWorkflow = `
id: waiter
steps:
  - id: hold
    action_kind: wait
    config:
      signal: go
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDaemon stands up a real engine behind the real HTTP router so
// the client is tested against the exact wire format it will see in
// production.
func newTestDaemon(t *testing.T) (*Client, *engine.Engine) {
	t.Helper()
	reg := action.NewRegistry()
	require.NoError(t, builtin.RegisterAll(reg, builtin.Deps{}))
	eng, err := engine.New(engine.Config{
		Store:    checkpoint.NewMemoryStore(),
		Registry: reg,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	router := api.NewRouter(api.RouterConfig{Version: "test", Commit: "abc123"}, eng, nil, testLogger())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	client, err := New(WithBaseURL(server.URL))
	require.NoError(t, err)
	return client, eng
}

func waitTerminal(t *testing.T, eng *engine.Engine, runID string) *workflow.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := eng.Wait(ctx, runID)
	require.NoError(t, err)
	return run
}

func TestSubmitAndGetRun(t *testing.T) {
	client, eng := newTestDaemon(t)
	ctx := context.Background()

	run, err := client.Submit(ctx, []byte(echoWorkflow), SubmitOptions{
		Inputs: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)
	assert.Equal(t, "default", run.TenantID)
	assert.Equal(t, "echo", run.WorkflowID)

	waitTerminal(t, eng, run.RunID)

	got, err := client.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunSucceeded, got.State)
	assert.Equal(t, map[string]any{"message": "hi"}, got.Outputs["shape"])
}

func TestSubmitTenant(t *testing.T) {
	client, eng := newTestDaemon(t)

	run, err := client.Submit(context.Background(), []byte(echoWorkflow), SubmitOptions{
		Inputs:   map[string]any{"text": "x"},
		TenantID: "acme",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", run.TenantID)
	waitTerminal(t, eng, run.RunID)
}

func TestSubmitInvalidWorkflow(t *testing.T) {
	client, _ := newTestDaemon(t)

	_, err := client.Submit(context.Background(), []byte("steps: [}"), SubmitOptions{})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestGetRunNotFound(t *testing.T) {
	client, _ := newTestDaemon(t)

	_, err := client.GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "nope")
}

func TestListRuns(t *testing.T) {
	client, eng := newTestDaemon(t)
	ctx := context.Background()

	done, err := client.Submit(ctx, []byte(echoWorkflow), SubmitOptions{
		Inputs: map[string]any{"text": "x"},
	})
	require.NoError(t, err)
	waitTerminal(t, eng, done.RunID)

	held, err := client.Submit(ctx, []byte(waitWorkflow), SubmitOptions{})
	require.NoError(t, err)

	all, err := client.ListRuns(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	succeeded, err := client.ListRuns(ctx, ListOptions{State: workflow.RunSucceeded})
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
	assert.Equal(t, done.RunID, succeeded[0].RunID)
	assert.Equal(t, "echo", succeeded[0].WorkflowID)

	byID, err := client.ListRuns(ctx, ListOptions{WorkflowID: "waiter"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, held.RunID, byID[0].RunID)

	require.NoError(t, client.Cancel(ctx, held.RunID, ""))
	waitTerminal(t, eng, held.RunID)
}

func TestCancel(t *testing.T) {
	client, eng := newTestDaemon(t)
	ctx := context.Background()

	run, err := client.Submit(ctx, []byte(waitWorkflow), SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, client.Cancel(ctx, run.RunID, "operator asked"))

	got := waitTerminal(t, eng, run.RunID)
	assert.Equal(t, workflow.RunCancelled, got.State)
	assert.Equal(t, "operator asked", got.CancelReason)
}

func TestSignal(t *testing.T) {
	client, eng := newTestDaemon(t)
	ctx := context.Background()

	run, err := client.Submit(ctx, []byte(waitWorkflow), SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, client.Signal(ctx, run.RunID, "go", map[string]any{"approved": true}))

	got := waitTerminal(t, eng, run.RunID)
	assert.Equal(t, workflow.RunSucceeded, got.State)
}

func TestSignalUnknownRun(t *testing.T) {
	client, _ := newTestDaemon(t)

	err := client.Signal(context.Background(), "nope", "go", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestPurge(t *testing.T) {
	client, eng := newTestDaemon(t)
	ctx := context.Background()

	run, err := client.Submit(ctx, []byte(echoWorkflow), SubmitOptions{
		Inputs: map[string]any{"text": "x"},
	})
	require.NoError(t, err)
	waitTerminal(t, eng, run.RunID)

	purged, err := client.Purge(ctx, ListOptions{State: workflow.RunSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = client.GetRun(ctx, run.RunID)
	assert.True(t, IsNotFound(err))
}

func TestValidate(t *testing.T) {
	client, _ := newTestDaemon(t)
	ctx := context.Background()

	resp, err := client.Validate(ctx, []byte(echoWorkflow))
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, "echo", resp.WorkflowID)
	assert.Equal(t, 1, resp.Steps)
	assert.Empty(t, resp.Error)

	bad := `
id: bad
steps:
  - id: s
    action_kind: no_such_kind
`
	resp, err = client.Validate(ctx, []byte(bad))
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Contains(t, resp.Error, "no_such_kind")
}

func TestHealthAndVersion(t *testing.T) {
	client, _ := newTestDaemon(t)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Timestamp)

	version, err := client.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", version.Version)
	assert.Equal(t, "abc123", version.Commit)

	assert.NoError(t, client.Ping(ctx))
}

func TestEvents(t *testing.T) {
	client, eng := newTestDaemon(t)
	ctx := context.Background()

	run, err := client.Submit(ctx, []byte(echoWorkflow), SubmitOptions{
		Inputs: map[string]any{"text": "x"},
	})
	require.NoError(t, err)
	waitTerminal(t, eng, run.RunID)

	events, err := client.Events(ctx, run.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, checkpoint.KindRunCreated, events[0].Kind)
	assert.Equal(t, checkpoint.KindRunFinished, events[len(events)-1].Kind)

	rest, err := client.Events(ctx, run.RunID, events[0].Seq)
	require.NoError(t, err)
	assert.Len(t, rest, len(events)-1)
}

func TestFollowEvents(t *testing.T) {
	client, eng := newTestDaemon(t)
	ctx := context.Background()

	run, err := client.Submit(ctx, []byte(echoWorkflow), SubmitOptions{
		Inputs: map[string]any{"text": "x"},
	})
	require.NoError(t, err)
	waitTerminal(t, eng, run.RunID)

	stream, err := client.FollowEvents(ctx, run.RunID, 0)
	require.NoError(t, err)
	defer stream.Close()

	var kinds []checkpoint.Kind
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, checkpoint.KindRunCreated)
	assert.Contains(t, kinds, checkpoint.KindStepSucceeded)
	assert.Contains(t, kinds, checkpoint.KindRunFinished)
	assert.Equal(t, "succeeded", stream.FinalState())
}

func TestFollowEventsUnknownRun(t *testing.T) {
	client, _ := newTestDaemon(t)

	_, err := client.FollowEvents(context.Background(), "nope", 0)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"tenant suspended","code":"policy_denied","suggestion":"contact the operator"}`))
	}))
	defer server.Close()

	client, err := New(WithBaseURL(server.URL))
	require.NoError(t, err)

	_, err = client.GetRun(context.Background(), "r1")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "tenant suspended", apiErr.Message)
	assert.Equal(t, "policy_denied", apiErr.Code)
	assert.Equal(t, "contact the operator", apiErr.Suggestion)
	assert.Contains(t, apiErr.Error(), "policy_denied")
}

func TestAPIErrorPlainBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := New(WithBaseURL(server.URL))
	require.NoError(t, err)

	err = client.Ping(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "boom", apiErr.Message)
}

func TestTokenHeader(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer server.Close()

	client, err := New(WithBaseURL(server.URL), WithToken("secret"))
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, "Bearer secret", got)
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv(HostEnv, "http://10.0.0.5:9876/")
	t.Setenv(TokenEnv, "tok")

	client, err := FromEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9876", client.baseURL)
	assert.Equal(t, "tok", client.token)
}

func TestFromEnvironmentDefaults(t *testing.T) {
	t.Setenv(HostEnv, "")
	t.Setenv(TokenEnv, "")

	client, err := FromEnvironment()
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, client.baseURL)
	assert.Empty(t, client.token)
}

func TestWithBaseURLEmpty(t *testing.T) {
	_, err := New(WithBaseURL(""))
	require.Error(t, err)
}

func TestIsConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	client, err := New(WithBaseURL(addr))
	require.NoError(t, err)

	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionRefused(err))
	assert.False(t, IsNotFound(err))
}
