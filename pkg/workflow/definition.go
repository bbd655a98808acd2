// Package workflow provides the declarative model for durable step
// orchestration: typed values, workflow definitions, and the DAG planner
// that turns a definition into a deterministic execution order.
//
// Definitions are written in YAML or JSON. A definition declares a set of
// steps, each naming an action kind, its configuration, the steps it
// depends on, and the retry/timeout policy for its attempts. Parsing is
// strict: unknown fields are rejected so that typos in retry policies
// fail at admission instead of silently changing behavior at runtime.
package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/maestro/pkg/errors"
)

// Default values applied by ApplyDefaults.
const (
	// DefaultConcurrencyLimit bounds parallel steps within one run.
	DefaultConcurrencyLimit = 8

	// DefaultStepTimeout is applied when a step does not set one.
	DefaultStepTimeout = 2 * time.Minute

	// DefaultRetryInitialBackoff is the first retry delay.
	DefaultRetryInitialBackoff = time.Second

	// DefaultRetryMultiplier grows the delay between attempts.
	DefaultRetryMultiplier = 2.0

	// DefaultRetryMaxBackoff caps the delay between attempts.
	DefaultRetryMaxBackoff = 30 * time.Second
)

// MaxDefinitionBytes caps the definition document size accepted by
// ParseDefinition, shared by every submission surface.
const MaxDefinitionBytes = 1 << 20

// stepIDPattern constrains step ids so they are safe in expression
// references, file paths, and log fields.
var stepIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidStepID reports whether s is usable as a step id. Compound kinds
// apply the same rule to child activation suffixes.
func ValidStepID(s string) bool {
	return stepIDPattern.MatchString(s)
}

// Duration wraps time.Duration with YAML/JSON support for both Go
// duration strings ("30s", "2m") and bare numbers (seconds).
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String renders the duration in Go syntax.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML encodes the duration as a Go duration string.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// UnmarshalYAML accepts "30s" style strings and numeric seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	dur, err := durationFrom(raw)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON accepts "30s" style strings and numeric seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	dur, err := durationFrom(raw)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func durationFrom(raw any) (time.Duration, error) {
	switch t := raw.(type) {
	case string:
		dur, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", t, err)
		}
		return dur, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return time.Duration(i) * time.Second, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", t.String())
		}
		return time.Duration(f * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid duration type %T", raw)
	}
}

// RetrySpec configures retry behavior for a step's attempts.
type RetrySpec struct {
	// MaxAttempts is the total attempt budget, including the first attempt
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialBackoff is the delay before the second attempt
	InitialBackoff Duration `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty"`

	// Multiplier grows the backoff exponentially per attempt
	Multiplier float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`

	// MaxBackoff caps the computed backoff
	MaxBackoff Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`

	// Jitter is the fraction of random spread applied to each delay, in [0, 1]
	Jitter float64 `yaml:"jitter,omitempty" json:"jitter,omitempty"`

	// Retriable restricts which error codes are retried. Empty means any
	// retriable-class error is retried.
	Retriable []string `yaml:"retriable,omitempty" json:"retriable,omitempty"`

	// OnTimeout controls whether a timed-out attempt is retried.
	// Unset defaults to true.
	OnTimeout *bool `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`
}

// RetryOnTimeout reports whether a timed-out attempt consumes the retry
// budget like a retriable error. Defaults to true when unset.
func (r *RetrySpec) RetryOnTimeout() bool {
	return r.OnTimeout == nil || *r.OnTimeout
}

// RetriesCode reports whether the given error code is within the
// configured retriable set. An empty set admits every code.
func (r *RetrySpec) RetriesCode(code string) bool {
	if len(r.Retriable) == 0 {
		return true
	}
	for _, c := range r.Retriable {
		if c == code {
			return true
		}
	}
	return false
}

// BaseDelay returns the backoff before the given attempt (1-based, so
// attempt 2 is the first retry) without jitter applied:
// min(initial * multiplier^(attempt-2), max).
func (r *RetrySpec) BaseDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := float64(r.InitialBackoff.Std())
	for i := 2; i < attempt; i++ {
		delay *= r.Multiplier
		if delay >= float64(r.MaxBackoff.Std()) {
			break
		}
	}
	if max := float64(r.MaxBackoff.Std()); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Validate checks the retry policy bounds.
func (r *RetrySpec) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if r.InitialBackoff < 0 {
		return fmt.Errorf("retry.initial_backoff must not be negative")
	}
	if r.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be at least 1.0")
	}
	if r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("retry.max_backoff must be at least retry.initial_backoff")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	return nil
}

// OnErrorPolicy selects how a step failure affects the rest of the run.
type OnErrorPolicy string

const (
	// OnErrorFail fails the run and skips all descendants.
	OnErrorFail OnErrorPolicy = "fail"

	// OnErrorContinue satisfies downstream dependencies with a failure
	// marker; they may bind the error through expressions.
	OnErrorContinue OnErrorPolicy = "continue"

	// OnErrorRouteTo makes a designated recovery step eligible to run.
	OnErrorRouteTo OnErrorPolicy = "route_to"
)

// OnErrorSpec configures failure routing for a step. In YAML it is either
// the bare scalar "fail" or "continue", or a mapping {route_to: step_id}.
type OnErrorSpec struct {
	Policy  OnErrorPolicy `json:"policy"`
	RouteTo string        `json:"route_to,omitempty"`
}

// UnmarshalYAML accepts the scalar and mapping forms.
func (o *OnErrorSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		return o.fromScalar(s)
	case yaml.MappingNode:
		var m struct {
			RouteTo string `yaml:"route_to"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		if m.RouteTo == "" {
			return fmt.Errorf("on_error mapping requires route_to")
		}
		o.Policy = OnErrorRouteTo
		o.RouteTo = m.RouteTo
		return nil
	default:
		return fmt.Errorf("on_error must be a scalar or a mapping")
	}
}

// MarshalYAML emits the compact scalar form where possible.
func (o OnErrorSpec) MarshalYAML() (interface{}, error) {
	if o.Policy == OnErrorRouteTo {
		return map[string]string{"route_to": o.RouteTo}, nil
	}
	return string(o.Policy), nil
}

// UnmarshalJSON accepts "fail", "continue", or {"route_to": "step_id"}.
func (o *OnErrorSpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return o.fromScalar(s)
	}
	var m struct {
		Policy  OnErrorPolicy `json:"policy"`
		RouteTo string        `json:"route_to"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m.RouteTo != "" {
		o.Policy = OnErrorRouteTo
		o.RouteTo = m.RouteTo
		return nil
	}
	return o.fromScalar(string(m.Policy))
}

// MarshalJSON emits the compact scalar form where possible.
func (o OnErrorSpec) MarshalJSON() ([]byte, error) {
	if o.Policy == OnErrorRouteTo {
		return json.Marshal(map[string]string{"route_to": o.RouteTo})
	}
	return json.Marshal(string(o.Policy))
}

func (o *OnErrorSpec) fromScalar(s string) error {
	switch OnErrorPolicy(s) {
	case OnErrorFail, OnErrorContinue:
		o.Policy = OnErrorPolicy(s)
		return nil
	case OnErrorRouteTo:
		return fmt.Errorf("on_error route_to requires a target step id")
	default:
		return fmt.Errorf("invalid on_error policy %q", s)
	}
}

// Validate checks the policy value.
func (o *OnErrorSpec) Validate() error {
	switch o.Policy {
	case OnErrorFail, OnErrorContinue:
		if o.RouteTo != "" {
			return fmt.Errorf("on_error %s must not carry route_to", o.Policy)
		}
		return nil
	case OnErrorRouteTo:
		if o.RouteTo == "" {
			return fmt.Errorf("on_error route_to requires a target step id")
		}
		return nil
	default:
		return fmt.Errorf("invalid on_error policy %q", o.Policy)
	}
}

// StepSpec is one node of the workflow DAG.
type StepSpec struct {
	// ID is the unique step identifier within the workflow
	ID string `yaml:"id" json:"id"`

	// ActionKind names the registered action handler for this step
	ActionKind string `yaml:"action_kind" json:"action_kind"`

	// Config is the handler-owned configuration; its schema belongs to the
	// action kind and is validated against the registry at admission
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// DependsOn lists step ids that must complete before this step runs
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Inputs maps input names to literals or template strings with ${...}
	// references resolved against prior step outputs, workflow inputs, and vars
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Retry configures the attempt budget and backoff
	Retry *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Timeout bounds a single attempt
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// OnError selects failure routing; defaults to fail
	OnError *OnErrorSpec `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// ErrorPolicy returns the step's failure routing policy, applying the
// fail default when on_error is absent.
func (s *StepSpec) ErrorPolicy() OnErrorPolicy {
	if s.OnError == nil {
		return OnErrorFail
	}
	return s.OnError.Policy
}

// Validate checks the per-step invariants that do not need graph context.
func (s *StepSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step id is required")
	}
	if !stepIDPattern.MatchString(s.ID) {
		return fmt.Errorf("step id %q must match %s", s.ID, stepIDPattern.String())
	}
	if s.ActionKind == "" {
		return fmt.Errorf("step %s: action_kind is required", s.ID)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("step %s: timeout must be positive", s.ID)
	}
	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	}
	if s.OnError != nil {
		if err := s.OnError.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	}
	return nil
}

// InputParam declares one workflow input parameter.
type InputParam struct {
	// Name is the parameter identifier
	Name string `yaml:"name" json:"name"`

	// Type is the expected value kind: bool, int, float, text, binary,
	// list, map, or any
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Required marks parameters that must be supplied at submission
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Default is used when the parameter is not supplied
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Description explains what this parameter is for
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

var validParamTypes = map[string]Kind{
	"bool":   KindBool,
	"int":    KindInt,
	"float":  KindFloat,
	"text":   KindText,
	"binary": KindBytes,
	"list":   KindList,
	"map":    KindMap,
}

// Validate checks the parameter declaration.
func (p *InputParam) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("input parameter name is required")
	}
	if p.Type != "" && p.Type != "any" {
		if _, ok := validParamTypes[p.Type]; !ok {
			return fmt.Errorf("input %s: unknown type %q", p.Name, p.Type)
		}
	}
	if p.Required && p.Default != nil {
		return fmt.Errorf("input %s: required parameters cannot carry a default", p.Name)
	}
	return nil
}

// WorkflowDef is an immutable workflow definition.
type WorkflowDef struct {
	// ID is the workflow identifier
	ID string `yaml:"id" json:"id"`

	// Version tracks the definition revision (optional)
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Description provides human-readable context
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// ConcurrencyLimit bounds parallel steps within one run (default 8)
	ConcurrencyLimit int `yaml:"concurrency_limit,omitempty" json:"concurrency_limit,omitempty"`

	// GlobalTimeout bounds the whole run; zero means unbounded
	GlobalTimeout Duration `yaml:"global_timeout,omitempty" json:"global_timeout,omitempty"`

	// InputsSchema declares the expected submission parameters
	InputsSchema []InputParam `yaml:"inputs_schema,omitempty" json:"inputs_schema,omitempty"`

	// Vars are workflow-level constants bound under ${vars...}
	Vars map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`

	// Steps are the nodes of the DAG
	Steps []StepSpec `yaml:"steps" json:"steps"`
}

// ParseDefinition parses a workflow definition from YAML or JSON bytes.
// Parsing is strict: unknown fields are rejected. Defaults are applied
// and the definition is validated before it is returned.
func ParseDefinition(data []byte) (*WorkflowDef, error) {
	if len(data) > MaxDefinitionBytes {
		return nil, &errors.DefinitionError{
			Code:   errors.CodeDefSchema,
			Detail: fmt.Sprintf("definition is %d bytes, over the %d byte limit", len(data), MaxDefinitionBytes),
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def WorkflowDef
	if err := dec.Decode(&def); err != nil {
		return nil, &errors.DefinitionError{
			Code:   errors.CodeDefSchema,
			Detail: fmt.Sprintf("failed to parse workflow definition: %v", err),
		}
	}

	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ApplyDefaults fills unset fields with their defaults: the concurrency
// limit, per-step timeouts, the single-attempt retry policy, and fail
// routing.
func (d *WorkflowDef) ApplyDefaults() {
	if d.ConcurrencyLimit <= 0 {
		d.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Timeout == 0 {
			step.Timeout = Duration(DefaultStepTimeout)
		}
		if step.Retry == nil {
			step.Retry = &RetrySpec{MaxAttempts: 1}
		}
		if step.Retry.MaxAttempts == 0 {
			step.Retry.MaxAttempts = 1
		}
		if step.Retry.InitialBackoff == 0 {
			step.Retry.InitialBackoff = Duration(DefaultRetryInitialBackoff)
		}
		if step.Retry.Multiplier == 0 {
			step.Retry.Multiplier = DefaultRetryMultiplier
		}
		if step.Retry.MaxBackoff == 0 {
			step.Retry.MaxBackoff = Duration(DefaultRetryMaxBackoff)
		}
		if step.OnError == nil {
			step.OnError = &OnErrorSpec{Policy: OnErrorFail}
		}
	}
}

// Validate checks the definition invariants that do not require the
// planner: ids, per-step policies, dependency existence, and input
// parameter declarations. Cycle detection and upstream reference checks
// happen in NewPlan.
func (d *WorkflowDef) Validate() error {
	if d.ID == "" {
		return &errors.DefinitionError{
			Code:   errors.CodeDefSchema,
			Detail: "workflow id is required",
		}
	}
	if len(d.Steps) == 0 {
		return &errors.DefinitionError{
			Code:   errors.CodeDefSchema,
			Detail: "workflow must declare at least one step",
		}
	}

	ids := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if err := step.Validate(); err != nil {
			return &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: err.Error(),
			}
		}
		if ids[step.ID] {
			return &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		ids[step.ID] = true
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return &errors.DefinitionError{
					Code:   errors.CodeDefMissingDep,
					Detail: fmt.Sprintf("step %s depends on unknown step %q", step.ID, dep),
				}
			}
		}
		if step.OnError != nil && step.OnError.Policy == OnErrorRouteTo && !ids[step.OnError.RouteTo] {
			return &errors.DefinitionError{
				Code:   errors.CodeDefMissingDep,
				Detail: fmt.Sprintf("step %s routes errors to unknown step %q", step.ID, step.OnError.RouteTo),
			}
		}
	}

	names := make(map[string]bool, len(d.InputsSchema))
	for i := range d.InputsSchema {
		param := &d.InputsSchema[i]
		if err := param.Validate(); err != nil {
			return &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: err.Error(),
			}
		}
		if names[param.Name] {
			return &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: fmt.Sprintf("duplicate input parameter %q", param.Name),
			}
		}
		names[param.Name] = true
	}
	return nil
}

// ResolveInputs checks submitted inputs against the declared schema,
// applies defaults, and normalizes the result into the value domain.
func (d *WorkflowDef) ResolveInputs(inputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for name, v := range inputs {
		n, err := Normalize(v)
		if err != nil {
			return nil, &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: fmt.Sprintf("input %s: %v", name, err),
			}
		}
		resolved[name] = n
	}

	for i := range d.InputsSchema {
		param := &d.InputsSchema[i]
		v, present := resolved[param.Name]
		if !present {
			if param.Required {
				return nil, &errors.DefinitionError{
					Code:   errors.CodeDefSchema,
					Detail: fmt.Sprintf("required input %q is missing", param.Name),
				}
			}
			if param.Default != nil {
				def, err := Normalize(param.Default)
				if err != nil {
					return nil, &errors.DefinitionError{
						Code:   errors.CodeDefSchema,
						Detail: fmt.Sprintf("input %s default: %v", param.Name, err),
					}
				}
				resolved[param.Name] = def
			}
			continue
		}
		if param.Type == "" || param.Type == "any" || v == nil {
			continue
		}
		if want := validParamTypes[param.Type]; KindOf(v) != want {
			return nil, &errors.DefinitionError{
				Code:   errors.CodeDefSchema,
				Detail: fmt.Sprintf("input %q must be %s, got %s", param.Name, want, KindOf(v)),
			}
		}
	}
	return resolved, nil
}

// Hash computes the canonical content hash of the definition in the form
// "sha256:<hex>". Structurally identical definitions hash identically;
// the hash keys the planner cache and detects definition drift on replay.
func (d *WorkflowDef) Hash() string {
	data, err := json.Marshal(d)
	if err != nil {
		// Definitions are built from parsed YAML/JSON and always marshal.
		return "sha256:" + hex.EncodeToString(sha256.New().Sum(nil))
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
