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

package initcmd

import "fmt"

// workflowTemplate is a starter definition the init command can render.
// The body carries one %s verb for the workflow id.
type workflowTemplate struct {
	name  string
	label string
	body  string
	hint  string
}

func (t workflowTemplate) render(id string) string {
	return fmt.Sprintf(t.body, id)
}

var templates = []workflowTemplate{
	{
		name:  "hello",
		label: "Hello workflow - expressions and step dependencies",
		body: `id: %s
description: Shape a greeting, then shout it.

inputs_schema:
  - name: name
    type: text
    required: true
    description: Who to greet

steps:
  - id: shape
    action_kind: transform
    config:
      query: '{greeting: ("Hello, " + .name + "!")}'
    inputs:
      name: ${inputs.name}

  - id: shout
    action_kind: transform
    config:
      query: '{message: (.greeting | ascii_upcase)}'
    inputs:
      greeting: ${steps.shape.outputs.greeting}
    depends_on: [shape]
`,
	},
	{
		name:  "approval",
		label: "Approval gate - durable wait for an external signal",
		body: `id: %s
description: Pause until an operator approves, then publish the decision.

inputs_schema:
  - name: request
    type: text
    required: true
    description: What needs approval

steps:
  - id: open
    action_kind: transform
    config:
      query: '{ticket: .request}'
    inputs:
      request: ${inputs.request}

  # Parks durably. The run survives daemon restarts while it waits.
  - id: gate
    action_kind: wait
    config:
      signal: approve
      timeout: 24h
    depends_on: [open]

  - id: publish
    action_kind: transform
    config:
      query: '{request: .ticket, decision: .decision}'
    inputs:
      ticket: ${steps.open.outputs.ticket}
      decision: ${steps.gate.outputs.payload}
    depends_on: [gate]
`,
		hint: `While it waits: maestro signal <run-id> approve --payload '{"approved": true}'`,
	},
	{
		name:  "fan-out",
		label: "Fan-out pipeline - parallel branches, retries, a join",
		body: `id: %s
description: Fan a seed out to parallel branches and join the results.

concurrency_limit: 4

inputs_schema:
  - name: topic
    type: text
    default: releases

steps:
  - id: seed
    action_kind: transform
    config:
      query: '{topic: .topic}'
    inputs:
      topic: ${inputs.topic}

  - id: fetch_news
    action_kind: transform
    config:
      query: '{headline: ("latest " + .topic)}'
    inputs:
      topic: ${steps.seed.outputs.topic}
    depends_on: [seed]
    retry:
      max_attempts: 3
      initial_backoff: 2s
      multiplier: 2.0

  - id: fetch_stats
    action_kind: transform
    config:
      query: '{count: (.topic | length)}'
    inputs:
      topic: ${steps.seed.outputs.topic}
    depends_on: [seed]
    timeout: 30s

  - id: join
    action_kind: transform
    config:
      query: '{summary: {headline: .headline, count: .count}}'
    inputs:
      headline: ${steps.fetch_news.outputs.headline}
      count: ${steps.fetch_stats.outputs.count}
    depends_on: [fetch_news, fetch_stats]
`,
	},
}

func templateByName(name string) (workflowTemplate, bool) {
	for _, t := range templates {
		if t.name == name {
			return t, true
		}
	}
	return workflowTemplate{}, false
}

func templateNames() []string {
	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, t.name)
	}
	return names
}
