package builtin

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// Completion modes for a parallel group.
const (
	CompletionFirstFailure = "first_failure"
	CompletionAllSuccess   = "all_success"
)

// ParallelGroup fans its resolved inputs out to child activations that
// run concurrently under one step. Children are declared inline with
// their own kind and config; each activation id extends the parent step
// id ("fanout.resize") and derives its own idempotency key.
type ParallelGroup struct {
	reg *action.Registry
}

// NewParallelGroup creates the parallel_group action. Children resolve
// their kinds through the same registry that owns the group.
func NewParallelGroup(reg *action.Registry) *ParallelGroup {
	return &ParallelGroup{reg: reg}
}

// Kind implements action.Action.
func (a *ParallelGroup) Kind() string { return KindParallelGroup }

// ValidateConfig implements action.Action. Child configs validate
// against their own kinds at admission.
func (a *ParallelGroup) ValidateConfig(cfg action.Config) error {
	children, err := parallelChildren(cfg)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return errors.New("parallel_group requires at least one child")
	}
	switch mode := cfg.GetStringOr("completion", CompletionFirstFailure); mode {
	case CompletionFirstFailure, CompletionAllSuccess:
	default:
		return fmt.Errorf("completion must be %s or %s, got %q", CompletionFirstFailure, CompletionAllSuccess, mode)
	}

	seen := make(map[string]bool, len(children))
	for i, child := range children {
		if !workflow.ValidStepID(child.id) {
			return fmt.Errorf("child %d: invalid id %q", i, child.id)
		}
		if seen[child.id] {
			return fmt.Errorf("child %d: duplicate id %q", i, child.id)
		}
		seen[child.id] = true
		if child.kind == KindParallelGroup {
			return fmt.Errorf("child %s: parallel groups do not nest", child.id)
		}
		ca, ok := a.reg.Get(child.kind)
		if !ok {
			return fmt.Errorf("child %s: unknown action kind %q", child.id, child.kind)
		}
		if err := ca.ValidateConfig(child.config); err != nil {
			return fmt.Errorf("child %s: %w", child.id, err)
		}
	}
	return nil
}

// EstimatedCost implements action.Action: the sum of the children.
func (a *ParallelGroup) EstimatedCost(cfg action.Config) int {
	children, err := parallelChildren(cfg)
	if err != nil {
		return 1
	}
	cost := 0
	for _, child := range children {
		if ca, ok := a.reg.Get(child.kind); ok {
			cost += ca.EstimatedCost(child.config)
		} else {
			cost++
		}
	}
	if cost < 1 {
		return 1
	}
	return cost
}

// childState records one child activation's result for aggregation.
// Each goroutine writes only its own slot.
type childState struct {
	result  any
	outcome action.Outcome
	err     error
}

// Run implements action.Action.
func (a *ParallelGroup) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	children, err := parallelChildren(cfg)
	if err != nil {
		return nil, action.OutcomePermanent, err
	}
	mode := cfg.GetStringOr("completion", CompletionFirstFailure)

	states := make([]childState, len(children))
	g, groupCtx := errgroup.WithContext(ctx)
	if max := int(cfg.GetInt64Or("max_parallel", 0)); max > 0 {
		g.SetLimit(max)
	}

	for i := range children {
		child := children[i]
		state := &states[i]
		g.Go(func() error {
			ca, ok := a.reg.Get(child.kind)
			if !ok {
				state.outcome = action.OutcomePermanent
				state.err = fmt.Errorf("unknown action kind %q", child.kind)
			} else {
				childInputs := mergeInputs(inputs, child.inputs)
				state.result, state.outcome, state.err = ca.Run(groupCtx, hc.Child(child.id), child.config, childInputs)
			}
			if mode == CompletionFirstFailure && state.outcome != action.OutcomeSuccess {
				// Returning the error cancels groupCtx and unwinds the
				// remaining children.
				if state.err != nil {
					return state.err
				}
				return fmt.Errorf("child %s: %s", child.id, state.outcome)
			}
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]any, len(children))
	for i, child := range children {
		if states[i].outcome == action.OutcomeSuccess {
			results[child.id] = states[i].result
		}
	}

	// Scan in declaration order so the reported failure is deterministic
	// regardless of runtime interleaving. Cancelled children do not count
	// as the group's failure; they are collateral of a sibling's.
	firstFailure := -1
	anyCancelled := false
	for i := range states {
		switch states[i].outcome {
		case action.OutcomeSuccess:
		case action.OutcomeCancelled:
			anyCancelled = true
		default:
			if firstFailure < 0 {
				firstFailure = i
			}
		}
	}

	switch {
	case firstFailure >= 0:
		child := children[firstFailure]
		st := states[firstFailure]
		groupOutcome := st.outcome
		if mode == CompletionAllSuccess {
			groupOutcome = aggregateOutcome(states)
		}
		return nil, groupOutcome, &errors.StepError{
			Class:   groupOutcome.Class(),
			Code:    "child_failed",
			Message: fmt.Sprintf("child %s failed", child.id),
			Cause:   st.err,
		}
	case anyCancelled:
		return nil, action.OutcomeCancelled, errors.Wrap(ctx.Err(), "parallel group cancelled")
	}

	normalized, err := workflow.Normalize(map[string]any{"results": results})
	if err != nil {
		return nil, action.OutcomePermanent, err
	}
	return normalized, action.OutcomeSuccess, nil
}

// aggregateOutcome picks the group outcome for all_success mode: any
// permanent child makes the group permanent, otherwise a retriable
// child leaves the whole group retriable, otherwise timed_out.
func aggregateOutcome(states []childState) action.Outcome {
	hasRetriable := false
	for _, s := range states {
		switch s.outcome {
		case action.OutcomePermanent:
			return action.OutcomePermanent
		case action.OutcomeRetriable:
			hasRetriable = true
		}
	}
	if hasRetriable {
		return action.OutcomeRetriable
	}
	return action.OutcomeTimedOut
}

type parallelChild struct {
	id     string
	kind   string
	config action.Config
	inputs map[string]any
}

// parallelChildren reads config.children: {id, action_kind, config?,
// inputs?} mappings.
func parallelChildren(cfg action.Config) ([]parallelChild, error) {
	raw, err := cfg.GetSlice("children")
	if err != nil {
		return nil, err
	}
	children := make([]parallelChild, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("child %d must be a mapping, got %T", i, item)
		}
		c := parallelChild{}
		c.id, _ = m["id"].(string)
		if c.id == "" {
			return nil, fmt.Errorf("child %d: missing id", i)
		}
		c.kind, _ = m["action_kind"].(string)
		if c.kind == "" {
			return nil, fmt.Errorf("child %s: missing action_kind", c.id)
		}
		if rawCfg, ok := m["config"]; ok {
			mc, ok := rawCfg.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("child %s: config must be a mapping", c.id)
			}
			c.config = action.Config(mc)
		} else {
			c.config = action.Config{}
		}
		if rawIn, ok := m["inputs"]; ok {
			mi, ok := rawIn.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("child %s: inputs must be a mapping", c.id)
			}
			c.inputs = mi
		}
		children = append(children, c)
	}
	return children, nil
}

// mergeInputs overlays per-child inputs on the group's resolved inputs.
func mergeInputs(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
