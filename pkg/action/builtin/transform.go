package builtin

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

const (
	// defaultTransformTimeout bounds a single jq evaluation.
	defaultTransformTimeout = 1 * time.Second

	// defaultTransformMaxInput caps the serialized input size (10MB).
	defaultTransformMaxInput = 10 * 1024 * 1024
)

// Transform applies a jq program to its resolved inputs. Pure: no
// collaborators, no side effects, deterministic for a given input.
type Transform struct{}

// NewTransform creates the transform action.
func NewTransform() *Transform {
	return &Transform{}
}

// Kind implements action.Action.
func (a *Transform) Kind() string { return KindTransform }

// ValidateConfig implements action.Action. The program must parse and
// compile at admission time.
func (a *Transform) ValidateConfig(cfg action.Config) error {
	program, err := cfg.GetString("query")
	if err != nil {
		return err
	}
	query, err := gojq.Parse(program)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

// EstimatedCost implements action.Action.
func (a *Transform) EstimatedCost(cfg action.Config) int { return 1 }

// Run implements action.Action.
func (a *Transform) Run(ctx context.Context, hc *action.HandlerContext, cfg action.Config, inputs map[string]any) (any, action.Outcome, error) {
	program := cfg.GetStringOr("query", "")

	if err := checkInputSize(inputs, cfg.GetInt64Or("max_input_bytes", defaultTransformMaxInput)); err != nil {
		return nil, action.OutcomePermanent, err
	}
	data := make(map[string]any, len(inputs))
	for k, v := range inputs {
		data[k] = toJQ(v)
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, action.OutcomePermanent, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, action.OutcomePermanent, fmt.Errorf("compile error: %w", err)
	}

	timeout := cfg.GetDurationOr("timeout", defaultTransformTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan any, 1)
	errorChan := make(chan error, 1)

	go func() {
		iter := code.RunWithContext(execCtx, any(data))

		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errorChan <- err
				return
			}
			results = append(results, v)
		}

		// Single result unwraps; multiple results become an array.
		if len(results) == 0 {
			resultChan <- nil
		} else if len(results) == 1 {
			resultChan <- results[0]
		} else {
			resultChan <- any(results)
		}
	}()

	select {
	case raw := <-resultChan:
		result, err := workflow.Normalize(raw)
		if err != nil {
			return nil, action.OutcomePermanent, fmt.Errorf("normalizing jq result: %w", err)
		}
		return result, action.OutcomeSuccess, nil
	case err := <-errorChan:
		if ctx.Err() != nil {
			return nil, action.OutcomeFromError(ctx.Err()), ctx.Err()
		}
		if execCtx.Err() != nil {
			return nil, action.OutcomeTimedOut, fmt.Errorf("jq execution timeout after %v", timeout)
		}
		return nil, action.OutcomePermanent, &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "transform_failed",
			Message: err.Error(),
			Cause:   err,
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, action.OutcomeFromError(ctx.Err()), ctx.Err()
		}
		return nil, action.OutcomeTimedOut, fmt.Errorf("jq execution timeout after %v", timeout)
	}
}

// toJQ converts a normalized Value to the types gojq accepts: int64
// narrows to int and bytes render as base64 text.
func toJQ(v any) any {
	switch val := v.(type) {
	case int64:
		return int(val)
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJQ(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJQ(item)
		}
		return out
	default:
		return v
	}
}

// checkInputSize bounds the serialized input, reusing the canonical
// encoding so the measured size matches what a checkpoint would store.
func checkInputSize(data map[string]any, limit int64) error {
	if limit <= 0 {
		return nil
	}
	encoded, err := workflow.MarshalValue(data)
	if err != nil {
		return fmt.Errorf("measuring input: %w", err)
	}
	if int64(len(encoded)) > limit {
		return fmt.Errorf("input size (%d bytes) exceeds maximum (%d bytes)", len(encoded), limit)
	}
	return nil
}
