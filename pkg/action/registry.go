package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// StepValidator is implemented by kinds whose config names other steps
// (conditional branches, parallel children) and so needs the whole
// definition at admission time.
type StepValidator interface {
	ValidateStep(def *workflow.WorkflowDef, step *workflow.StepSpec) error
}

// Registry manages the set of known action kinds. Safe for concurrent
// use; registration normally happens once at engine construction.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action kind. Registering a duplicate kind is a
// programming error and is rejected.
func (r *Registry) Register(a Action) error {
	if a == nil || a.Kind() == "" {
		return fmt.Errorf("action must have a non-empty kind")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Kind()]; exists {
		return fmt.Errorf("action kind %q already registered", a.Kind())
	}
	r.actions[a.Kind()] = a
	return nil
}

// Get retrieves an action by kind.
func (r *Registry) Get(kind string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[kind]
	return a, ok
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ValidateDefinition checks every step of a definition against the
// registry: the kind must be registered and the config block must pass
// the kind's validator. Called at admission, before a run exists.
func (r *Registry) ValidateDefinition(def *workflow.WorkflowDef) error {
	for i := range def.Steps {
		step := &def.Steps[i]
		a, ok := r.Get(step.ActionKind)
		if !ok {
			return &errors.DefinitionError{
				Code:   errors.CodeDefUnknownAction,
				Detail: fmt.Sprintf("step %s: unknown action kind %q", step.ID, step.ActionKind),
			}
		}
		if err := a.ValidateConfig(Config(step.Config)); err != nil {
			return &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: fmt.Sprintf("step %s: invalid %s config: %v", step.ID, step.ActionKind, err),
			}
		}
		if sv, ok := a.(StepValidator); ok {
			if err := sv.ValidateStep(def, step); err != nil {
				return &errors.DefinitionError{
					Code:   errors.CodeDefSchema,
					Detail: fmt.Sprintf("step %s: invalid %s config: %v", step.ID, step.ActionKind, err),
				}
			}
		}
	}
	return nil
}

// EstimatedCost returns the registered kind's cost for the step, or 1
// when the kind is unknown. Admission validation has already rejected
// unknown kinds by the time the scheduler asks.
func (r *Registry) EstimatedCost(step *workflow.StepSpec) int {
	a, ok := r.Get(step.ActionKind)
	if !ok {
		return 1
	}
	cost := a.EstimatedCost(Config(step.Config))
	if cost < 0 {
		return 0
	}
	return cost
}

// Suspends reports whether the step parks on a timer or signal rather
// than doing work, in which case the engine skips slot accounting.
func (r *Registry) Suspends(step *workflow.StepSpec) bool {
	a, ok := r.Get(step.ActionKind)
	if !ok {
		return false
	}
	s, ok := a.(Suspender)
	return ok && s.Suspends(Config(step.Config))
}
