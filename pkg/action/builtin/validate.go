package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// Validate checks its resolved inputs against declared predicate rules
// and passes them through unchanged on success, so a validate step can
// sit inline in a pipeline without reshaping data.
type Validate struct {
	eval *expression.Evaluator
}

// NewValidate creates the validate action.
func NewValidate(eval *expression.Evaluator) *Validate {
	if eval == nil {
		eval = expression.NewEvaluator()
	}
	return &Validate{eval: eval}
}

// Kind implements action.Action.
func (a *Validate) Kind() string { return KindValidate }

// ValidateConfig implements action.Action. Every rule predicate must
// compile at admission time.
func (a *Validate) ValidateConfig(cfg action.Config) error {
	rules, err := validateRules(cfg)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return errors.New("validate requires at least one rule")
	}
	for i, r := range rules {
		if err := a.eval.Check(r.expr); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// EstimatedCost implements action.Action.
func (a *Validate) EstimatedCost(cfg action.Config) int { return 1 }

// Run implements action.Action.
func (a *Validate) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	rules, err := validateRules(cfg)
	if err != nil {
		return nil, action.OutcomePermanent, err
	}

	scope := &expression.Scope{Inputs: inputs}
	var violations []string
	for i, r := range rules {
		ok, err := a.eval.EvalBool(r.expr, scope)
		if err != nil {
			return nil, action.OutcomePermanent, fmt.Errorf("rule %d: %w", i, err)
		}
		if !ok {
			msg := r.message
			if msg == "" {
				msg = fmt.Sprintf("rule %d (%s) failed", i, r.expr)
			}
			violations = append(violations, msg)
			if cfg.GetStringOr("mode", "all") == "first" {
				break
			}
		}
	}

	if len(violations) > 0 {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "validation_failed",
			Message: strings.Join(violations, "; "),
		}
	}

	result := make(map[string]any, len(inputs))
	for k, v := range inputs {
		result[k] = v
	}
	return result, action.OutcomeSuccess, nil
}

type validateRule struct {
	expr    string
	message string
}

// validateRules reads config.rules: a list of {expr, message} mappings
// or bare predicate strings.
func validateRules(cfg action.Config) ([]validateRule, error) {
	raw, err := cfg.GetSlice("rules")
	if err != nil {
		return nil, err
	}
	rules := make([]validateRule, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			rules = append(rules, validateRule{expr: v})
		case map[string]any:
			expr, _ := v["expr"].(string)
			if expr == "" {
				return nil, fmt.Errorf("rule %d: missing expr", i)
			}
			msg, _ := v["message"].(string)
			rules = append(rules, validateRule{expr: expr, message: msg})
		default:
			return nil, fmt.Errorf("rule %d must be a string or mapping, got %T", i, item)
		}
	}
	return rules, nil
}
