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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tombee/maestro/pkg/checkpoint"
)

func eventsPath(runID string, fromSeq uint64) string {
	path := "/v1/runs/" + url.PathEscape(runID) + "/events"
	if fromSeq > 0 {
		path += "?from_seq=" + strconv.FormatUint(fromSeq, 10)
	}
	return path
}

// Events fetches the stored checkpoint log in one shot, starting after
// fromSeq (0 means from the beginning).
func (c *Client) Events(ctx context.Context, runID string, fromSeq uint64) ([]checkpoint.Event, error) {
	var payload struct {
		Events []checkpoint.Event `json:"events"`
	}
	if err := c.getJSON(ctx, eventsPath(runID, fromSeq), &payload); err != nil {
		return nil, err
	}
	return payload.Events, nil
}

// EventStream is a live subscription to a run's checkpoint log. It
// replays stored events first, then follows the run until it reaches a
// terminal state or the stream's context ends.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	final   string
}

// FollowEvents opens an event stream for a run. Close the stream when
// done; cancelling ctx also tears it down.
func (c *Client) FollowEvents(ctx context.Context, runID string, fromSeq uint64) (*EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+eventsPath(runID, fromSeq), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("follow events: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Events embed step results; give frames room to breathe.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &EventStream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next event. It returns io.EOF when the run reached
// a terminal state or the stream closed; FinalState then reports the
// end state when the daemon sent one.
func (s *EventStream) Next() (checkpoint.Event, error) {
	frameEvent := ""
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			frameEvent = ""
		case strings.HasPrefix(line, "event: "):
			frameEvent = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if frameEvent == "done" {
				var done struct {
					State string `json:"state"`
				}
				_ = json.Unmarshal([]byte(data), &done)
				s.final = done.State
				return checkpoint.Event{}, io.EOF
			}
			var ev checkpoint.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return checkpoint.Event{}, fmt.Errorf("decode event: %w", err)
			}
			return ev, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return checkpoint.Event{}, err
	}
	return checkpoint.Event{}, io.EOF
}

// FinalState returns the run state the stream ended with, or empty if
// the stream closed without one.
func (s *EventStream) FinalState() string {
	return s.final
}

// Close releases the underlying connection.
func (s *EventStream) Close() error {
	return s.body.Close()
}
