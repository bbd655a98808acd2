package builtin

import (
	"context"
	"fmt"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// Conditional picks one downstream branch by evaluating predicates over
// its resolved inputs. The result names the taken branch and the steps
// of every untaken branch; the engine marks those skipped.
type Conditional struct {
	eval *expression.Evaluator
}

// NewConditional creates the conditional action.
func NewConditional(eval *expression.Evaluator) *Conditional {
	if eval == nil {
		eval = expression.NewEvaluator()
	}
	return &Conditional{eval: eval}
}

// Kind implements action.Action.
func (a *Conditional) Kind() string { return KindConditional }

// ValidateConfig implements action.Action.
func (a *Conditional) ValidateConfig(cfg action.Config) error {
	branches, err := conditionalBranches(cfg)
	if err != nil {
		return err
	}
	if len(branches) == 0 {
		return errors.New("conditional requires at least one branch")
	}
	for i, b := range branches {
		if b.when != "" {
			if err := a.eval.Check(b.when); err != nil {
				return fmt.Errorf("branch %d: %w", i, err)
			}
		}
		if len(b.steps) == 0 {
			return fmt.Errorf("branch %d: steps must not be empty", i)
		}
	}
	return nil
}

// ValidateStep checks that every branch target is a step of the
// definition that depends on this conditional.
func (a *Conditional) ValidateStep(def *workflow.WorkflowDef, step *workflow.StepSpec) error {
	branches, err := conditionalBranches(action.Config(step.Config))
	if err != nil {
		return err
	}
	known := make(map[string]*workflow.StepSpec, len(def.Steps))
	for i := range def.Steps {
		known[def.Steps[i].ID] = &def.Steps[i]
	}
	for i, b := range branches {
		for _, target := range b.steps {
			t, ok := known[target]
			if !ok {
				return fmt.Errorf("branch %d: unknown step %q", i, target)
			}
			if !dependsOn(t, step.ID) {
				return fmt.Errorf("branch %d: step %q does not depend on %q", i, target, step.ID)
			}
		}
	}
	return nil
}

// EstimatedCost implements action.Action.
func (a *Conditional) EstimatedCost(cfg action.Config) int { return 1 }

// Run implements action.Action.
func (a *Conditional) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	branches, err := conditionalBranches(cfg)
	if err != nil {
		return nil, action.OutcomePermanent, err
	}

	scope := &expression.Scope{Inputs: inputs}
	taken := -1
	for i, b := range branches {
		if b.when == "" {
			taken = i
			break
		}
		ok, err := a.eval.EvalBool(b.when, scope)
		if err != nil {
			return nil, action.OutcomePermanent, fmt.Errorf("branch %d: %w", i, err)
		}
		if ok {
			taken = i
			break
		}
	}
	if taken < 0 {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "no_branch_matched",
			Message: "no conditional branch matched and no default branch is declared",
		}
	}

	var skipped []string
	for i, b := range branches {
		if i == taken {
			continue
		}
		skipped = append(skipped, b.steps...)
	}

	name := branches[taken].name
	if name == "" {
		name = fmt.Sprintf("branch_%d", taken)
	}
	result := map[string]any{
		"branch":  name,
		"steps":   toAnySlice(branches[taken].steps),
		"skipped": toAnySlice(skipped),
	}
	normalized, err := workflow.Normalize(result)
	if err != nil {
		return nil, action.OutcomePermanent, err
	}
	return normalized, action.OutcomeSuccess, nil
}

// SkippedSteps reads the untaken-branch step ids out of a conditional
// result. The engine prunes these after the step succeeds.
func (a *Conditional) SkippedSteps(result any) []string {
	m, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["skipped"].([]any)
	if !ok {
		return nil
	}
	return stringSlice(raw)
}

type conditionalBranch struct {
	name  string
	when  string
	steps []string
}

// conditionalBranches reads config.branches: ordered {name?, when?,
// steps} mappings. An empty or absent when marks the default branch.
func conditionalBranches(cfg action.Config) ([]conditionalBranch, error) {
	raw, err := cfg.GetSlice("branches")
	if err != nil {
		return nil, err
	}
	branches := make([]conditionalBranch, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("branch %d must be a mapping, got %T", i, item)
		}
		b := conditionalBranch{}
		b.name, _ = m["name"].(string)
		b.when, _ = m["when"].(string)
		steps, ok := m["steps"].([]any)
		if !ok {
			return nil, fmt.Errorf("branch %d: steps must be a list", i)
		}
		b.steps = stringSlice(steps)
		if len(b.steps) != len(steps) {
			return nil, fmt.Errorf("branch %d: steps must all be strings", i)
		}
		branches = append(branches, b)
	}
	return branches, nil
}

// dependsOn reports whether the step lists dep directly in depends_on.
func dependsOn(step *workflow.StepSpec, dep string) bool {
	for _, d := range step.DependsOn {
		if d == dep {
			return true
		}
	}
	return false
}

func toAnySlice(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
