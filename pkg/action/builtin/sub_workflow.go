package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// SubWorkflow launches a nested run from an inline definition and blocks
// until it finishes. The parent's resolved inputs become the child run's
// inputs, so the definition's inputs_schema governs what crosses the
// boundary. Cancelling the parent cancels the child through the context.
type SubWorkflow struct{}

// NewSubWorkflow creates the sub_workflow action.
func NewSubWorkflow() *SubWorkflow {
	return &SubWorkflow{}
}

// Kind implements action.Action.
func (a *SubWorkflow) Kind() string { return KindSubWorkflow }

// ValidateConfig implements action.Action. The inline definition must
// parse, validate, and plan (so nested cycles fail at admission, not
// mid-run).
func (a *SubWorkflow) ValidateConfig(cfg action.Config) error {
	def, err := subDefinition(cfg)
	if err != nil {
		return err
	}
	if _, err := workflow.NewPlan(def); err != nil {
		return err
	}
	return nil
}

// EstimatedCost implements action.Action. The child's steps charge their
// own slots; the parent pays only for coordination.
func (a *SubWorkflow) EstimatedCost(cfg action.Config) int { return 2 }

// Run implements action.Action.
func (a *SubWorkflow) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	if hc.Launcher == nil {
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "subworkflow_unavailable",
			Message: "no sub-workflow launcher is configured",
		}
	}

	def, err := subDefinition(cfg)
	if err != nil {
		return nil, action.OutcomePermanent, err
	}

	child, err := hc.Launcher.LaunchChild(ctx, hc.TenantID, def, inputs)
	if err != nil {
		outcome := collaboratorOutcome(err, action.OutcomePermanent)
		return nil, outcome, errors.Wrapf(err, "sub-workflow %s", def.ID)
	}

	normalized, err := workflow.Normalize(map[string]any{
		"run_id":  child.RunID,
		"outputs": child.Outputs,
	})
	if err != nil {
		return nil, action.OutcomePermanent, err
	}
	return normalized, action.OutcomeSuccess, nil
}

// subDefinition reads config.definition: an inline mapping or a raw
// document string, parsed with the same strictness as a top-level
// definition.
func subDefinition(cfg action.Config) (*workflow.WorkflowDef, error) {
	raw, ok := cfg["definition"]
	if !ok {
		return nil, action.ErrKeyNotFound{Key: "definition"}
	}
	var doc []byte
	switch v := raw.(type) {
	case string:
		doc = []byte(v)
	case map[string]any:
		// The YAML decoder accepts JSON, so a decoded mapping can round
		// trip through encoding/json.
		var err error
		doc, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding inline definition: %w", err)
		}
	default:
		return nil, fmt.Errorf("definition must be a mapping or a document string, got %T", raw)
	}
	return workflow.ParseDefinition(doc)
}
