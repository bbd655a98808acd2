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
	"strconv"
	"strings"

	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/pkg/checkpoint"
	"github.com/tombee/maestro/pkg/workflow"
)

// handleEvents handles GET /v1/runs/{id}/events. The stored event log
// is returned as JSON by default; with Accept: text/event-stream the
// response replays the log and then follows the run live via SSE.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if !requireScope(w, req, auth.ScopeRunsRead) {
		return
	}

	id := req.PathValue("id")
	run, err := r.visibleRun(req, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var fromSeq uint64
	if raw := req.URL.Query().Get("from_seq"); raw != "" {
		fromSeq, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, badQueryParam("from_seq", raw))
			return
		}
	}

	if strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		r.streamEvents(w, req, run, fromSeq)
		return
	}

	events, err := r.engine.Events(req.Context(), id, fromSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []checkpoint.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// streamEvents streams a run's checkpoint events via SSE. The watch is
// registered before the log replay so nothing appended in between is
// lost; duplicates across the seam are dropped by sequence number.
func (r *Router) streamEvents(w http.ResponseWriter, req *http.Request, run *workflow.Run, fromSeq uint64) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return
	}

	watch, cancel := r.engine.Watch(run.RunID)
	defer cancel()

	events, err := r.engine.Events(req.Context(), run.RunID, fromSeq)
	if err != nil {
		writeError(w, err)
		return
	}

	var lastSeq uint64
	for _, ev := range events {
		writeSSE(w, ev)
		lastSeq = ev.Seq
	}
	flusher.Flush()

	if done, state := finishedState(events); done {
		writeSSEDone(w, flusher, state)
		return
	}
	// The run may have finished before the watch was registered.
	if current, err := r.engine.GetRun(req.Context(), run.RunID); err == nil && current.State.Terminal() {
		writeSSEDone(w, flusher, string(current.State))
		return
	}

	for {
		select {
		case <-req.Context().Done():
			return
		case ev, ok := <-watch:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Kind == checkpoint.KindRunFinished {
				writeSSEDone(w, flusher, ev.State)
				return
			}
		}
	}
}

// writeSSE writes one event as an SSE data frame.
func writeSSE(w http.ResponseWriter, ev checkpoint.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// writeSSEDone terminates the stream with the run's final state.
func writeSSEDone(w http.ResponseWriter, flusher http.Flusher, state string) {
	fmt.Fprintf(w, "event: done\ndata: {\"state\":%q}\n\n", state)
	flusher.Flush()
}

// finishedState reports whether the replayed log already contains the
// terminal event, and with which state.
func finishedState(events []checkpoint.Event) (bool, string) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == checkpoint.KindRunFinished {
			return true, events[i].State
		}
	}
	return false, ""
}
