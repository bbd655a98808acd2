package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// Plan is the execution view of a validated definition: the layered
// topological order, forward and reverse dependency edges, and the
// ready-set computation the executor drives the run with. A Plan is
// immutable after construction and safe for concurrent readers.
type Plan struct {
	def        *WorkflowDef
	steps      map[string]*StepSpec
	order      []string
	layers     [][]string
	dependents map[string][]string
	ancestors  map[string]map[string]bool
	warnings   []string
}

// NewPlan validates the graph shape of a definition and computes its
// execution plan. Ties in the topological order are broken by ascending
// step id so replays launch steps in the same sequence.
func NewPlan(def *WorkflowDef) (*Plan, error) {
	p := &Plan{
		def:        def,
		steps:      make(map[string]*StepSpec, len(def.Steps)),
		dependents: make(map[string][]string),
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		if _, dup := p.steps[step.ID]; dup {
			return nil, &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		p.steps[step.ID] = step
	}

	indegree := make(map[string]int, len(p.steps))
	for id := range p.steps {
		indegree[id] = 0
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := p.steps[dep]; !ok {
				return nil, &errors.DefinitionError{
					Code:   errors.CodeDefMissingDep,
					Detail: fmt.Sprintf("step %s depends on unknown step %q", step.ID, dep),
				}
			}
			p.dependents[dep] = append(p.dependents[dep], step.ID)
			indegree[step.ID]++
		}
	}
	for dep := range p.dependents {
		sort.Strings(p.dependents[dep])
	}

	frontier := make([]string, 0, len(p.steps))
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		layer := frontier
		p.layers = append(p.layers, layer)
		p.order = append(p.order, layer...)

		var next []string
		for _, id := range layer {
			for _, dependent := range p.dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if len(p.order) != len(p.steps) {
		remaining := make(map[string]bool, len(p.steps))
		for id := range p.steps {
			remaining[id] = true
		}
		for _, id := range p.order {
			delete(remaining, id)
		}
		cycle := p.findCycle(remaining)
		return nil, &errors.DefinitionError{
			Code:   errors.CodeDefCycle,
			Detail: "workflow dependencies form a cycle",
			Cycle:  cycle,
		}
	}

	p.computeAncestors()
	if err := p.validateRefs(); err != nil {
		return nil, err
	}
	p.checkRetryBudgets()
	return p, nil
}

// findCycle walks depends_on edges among the unprocessed steps, starting
// from the smallest id and visiting dependencies in ascending order, and
// returns the first cycle discovered with the entry step repeated at the
// end.
func (p *Plan) findCycle(remaining map[string]bool) []string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(remaining))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)

		deps := append([]string(nil), p.steps[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !remaining[dep] {
				continue
			}
			if state[dep] == onStack {
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			}
			if state[dep] == unvisited && visit(dep) {
				return true
			}
		}

		state[id] = done
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// computeAncestors builds the transitive upstream closure. The order is
// topological, so every dependency's closure is complete before its
// dependents are processed.
func (p *Plan) computeAncestors() {
	p.ancestors = make(map[string]map[string]bool, len(p.order))
	for _, id := range p.order {
		set := make(map[string]bool)
		for _, dep := range p.steps[id].DependsOn {
			set[dep] = true
			for a := range p.ancestors[dep] {
				set[a] = true
			}
		}
		p.ancestors[id] = set
	}
}

// validateRefs checks that every ${steps.X...} reference in a step's
// inputs points at a transitively upstream step, so the value is bound
// by the time the step launches.
func (p *Plan) validateRefs() error {
	for _, id := range p.order {
		step := p.steps[id]
		refs, err := expression.RefsInValue(step.Inputs)
		if err != nil {
			return &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: fmt.Sprintf("step %s: %v", id, err),
			}
		}
		for _, ref := range refs {
			if ref.Root() != "steps" {
				continue
			}
			target, ok := ref.StepID()
			if !ok {
				return &errors.DefinitionError{
					Code:   errors.CodeDefSchema,
					Detail: fmt.Sprintf("step %s: reference ${%s} does not name a step", id, ref.Raw),
				}
			}
			if _, exists := p.steps[target]; !exists {
				return &errors.DefinitionError{
					Code:   errors.CodeDefSchema,
					Detail: fmt.Sprintf("step %s: reference ${%s} names unknown step %q", id, ref.Raw, target),
				}
			}
			if !p.ancestors[id][target] {
				return &errors.DefinitionError{
					Code:   errors.CodeDefSchema,
					Detail: fmt.Sprintf("step %s: reference ${%s} names step %q which is not upstream", id, ref.Raw, target),
				}
			}
		}
	}
	return nil
}

// checkRetryBudgets compares each step's worst-case duration, attempts
// plus capped backoff, against the global timeout. Breaches are warnings
// only; the global deadline still cuts the run off at runtime.
func (p *Plan) checkRetryBudgets() {
	if p.def.GlobalTimeout <= 0 {
		return
	}
	budget := p.def.GlobalTimeout.Std()
	for _, id := range p.order {
		step := p.steps[id]
		worst := time.Duration(step.Retry.MaxAttempts) * step.Timeout.Std()
		for attempt := 2; attempt <= step.Retry.MaxAttempts; attempt++ {
			worst += step.Retry.BaseDelay(attempt)
		}
		if worst > budget {
			p.warnings = append(p.warnings, fmt.Sprintf(
				"step %s: worst-case retry duration %s exceeds global_timeout %s",
				id, worst, budget))
		}
	}
}

// Def returns the definition this plan was computed from.
func (p *Plan) Def() *WorkflowDef { return p.def }

// Step returns the spec for a step id.
func (p *Plan) Step(id string) (*StepSpec, bool) {
	step, ok := p.steps[id]
	return step, ok
}

// Order returns the full topological order, ties broken by ascending id.
func (p *Plan) Order() []string {
	return append([]string(nil), p.order...)
}

// Layers returns the Kahn layers: steps within a layer are mutually
// independent and each layer only depends on earlier ones.
func (p *Plan) Layers() [][]string {
	out := make([][]string, len(p.layers))
	for i, layer := range p.layers {
		out[i] = append([]string(nil), layer...)
	}
	return out
}

// Warnings returns non-fatal findings from plan construction.
func (p *Plan) Warnings() []string {
	return append([]string(nil), p.warnings...)
}

// Dependencies returns the direct dependencies of a step in ascending
// order.
func (p *Plan) Dependencies(id string) []string {
	step, ok := p.steps[id]
	if !ok {
		return nil
	}
	deps := append([]string(nil), step.DependsOn...)
	sort.Strings(deps)
	return deps
}

// Dependents returns the steps that directly depend on id, ascending.
func (p *Plan) Dependents(id string) []string {
	return append([]string(nil), p.dependents[id]...)
}

// Descendants returns every step transitively downstream of id in
// ascending order. Fail-fast uses this set to mark skipped steps.
func (p *Plan) Descendants(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), p.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, p.dependents[next]...)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Upstream reports whether candidate is a transitive dependency of id.
func (p *Plan) Upstream(id, candidate string) bool {
	return p.ancestors[id][candidate]
}

// Sinks returns the steps with no dependents, ascending. Run outputs are
// assembled from sink results.
func (p *Plan) Sinks() []string {
	var sinks []string
	for id := range p.steps {
		if len(p.dependents[id]) == 0 {
			sinks = append(sinks, id)
		}
	}
	sort.Strings(sinks)
	return sinks
}

// Ready returns the steps eligible to launch, in ascending id order: not
// yet activated, with every dependency settled in a way that unblocks
// the edge: succeeded, skipped, or failed under a continue or route_to
// policy. Steps in the routed set are eligible regardless of their
// declared dependencies; error routing activates them directly. Steps
// absent from states are treated as pending.
func (p *Plan) Ready(states map[string]StepState, routed map[string]bool) []string {
	var ready []string
	for id := range p.steps {
		st := states[id]
		if st != "" && st != StepPending {
			continue
		}
		if routed[id] {
			ready = append(ready, id)
			continue
		}
		satisfied := true
		for _, dep := range p.steps[id].DependsOn {
			if !p.depSatisfied(dep, states) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

func (p *Plan) depSatisfied(dep string, states map[string]StepState) bool {
	switch states[dep] {
	case StepSucceeded, StepSkipped:
		return true
	case StepFailed:
		switch p.steps[dep].ErrorPolicy() {
		case OnErrorContinue, OnErrorRouteTo:
			return true
		}
		return false
	default:
		return false
	}
}
