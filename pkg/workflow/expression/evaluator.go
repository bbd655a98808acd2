package expression

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/maestro/pkg/errors"
)

// Evaluator evaluates boolean predicates for the conditional and
// validate action kinds. Predicates use expr-lang over the same
// namespaces the resolver exposes (steps, inputs, vars, context).
// Compiled programs are cached, so repeated evaluation of the same
// predicate across attempts and runs skips compilation.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// EvalBool evaluates a predicate against the scope. The empty predicate
// is vacuously true.
func (e *Evaluator) EvalBool(predicate string, scope *Scope) (bool, error) {
	if strings.TrimSpace(predicate) == "" {
		return true, nil
	}

	program, err := e.compile(predicate)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "predicate",
			Message:    fmt.Sprintf("failed to compile predicate: %v", err),
			Suggestion: "check the expression syntax",
		}
	}

	result, err := expr.Run(program, predicateEnv(scope))
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "predicate",
			Message:    fmt.Sprintf("predicate evaluation failed: %v", err),
			Suggestion: "verify that all referenced values are bound in the run scope",
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "predicate",
			Message:    fmt.Sprintf("predicate must return a boolean, got %T", result),
			Suggestion: "use comparison operators or boolean functions",
		}
	}
	return b, nil
}

// Check compiles a predicate without running it, for admission-time
// validation of conditional and validate configurations.
func (e *Evaluator) Check(predicate string) error {
	if strings.TrimSpace(predicate) == "" {
		return nil
	}
	_, err := e.compile(predicate)
	if err != nil {
		return &errors.ValidationError{
			Field:      "predicate",
			Message:    fmt.Sprintf("failed to compile predicate: %v", err),
			Suggestion: "check the expression syntax",
		}
	}
	return nil
}

func (e *Evaluator) compile(predicate string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[predicate]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// "contains" is a reserved string operator in expr-lang, so the
	// collection membership helper goes by "has" and "includes".
	env := map[string]any{
		"has":      hasFunc,
		"includes": hasFunc,
		"length":   lengthFunc,
	}

	prog, err := expr.Compile(predicate,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[predicate] = prog
	e.mu.Unlock()
	return prog, nil
}

// predicateEnv projects the scope into the flat environment predicates
// evaluate over. Each completed step appears as a small map with output,
// error, and succeeded fields.
func predicateEnv(scope *Scope) map[string]any {
	if scope == nil {
		scope = &Scope{}
	}
	steps := make(map[string]any, len(scope.Steps))
	for id, res := range scope.Steps {
		view := map[string]any{"succeeded": res.Succeeded}
		if res.Succeeded {
			view["output"] = res.Output
		} else {
			view["error"] = res.Error
		}
		steps[id] = view
	}
	return map[string]any{
		"steps":    steps,
		"inputs":   mapValue(scope.Inputs),
		"vars":     mapValue(scope.Vars),
		"context":  mapValue(scope.Context),
		"has":      hasFunc,
		"includes": hasFunc,
		"length":   lengthFunc,
	}
}

// hasFunc reports collection membership: element of a list, key of a
// map, or substring of text.
func hasFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		return v.MapIndex(reflect.ValueOf(target)).IsValid(), nil
	case reflect.String:
		s, _ := collection.(string)
		sub, ok := target.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(s, sub), nil
	default:
		return false, nil
	}
}

// lengthFunc returns the length of a list, map, or text value.
func lengthFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}
