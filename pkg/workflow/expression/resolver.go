// Package expression resolves ${...} references in step inputs and
// evaluates boolean predicates for conditional routing.
//
// Templates are literal text with embedded references:
//
//	ref     := segment ('.' segment | '[' index ']')*
//	segment := [a-zA-Z_][a-zA-Z0-9_]*
//	index   := integer | '"' text '"'
//
// References resolve against four namespaces in fixed precedence:
// steps, inputs, vars, context. A template that is exactly one ${ref}
// preserves the referenced value's type; any surrounding text coerces
// every reference to text and concatenates. The resolver has no
// functions, arithmetic, or conditionals; predicates are the Evaluator's
// job and conditionality belongs to the conditional action kind.
package expression

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tombee/maestro/pkg/errors"
)

// Segment is one path element of a parsed reference: either a key
// (ident or quoted index) or an integer list index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Ref is one parsed ${...} reference.
type Ref struct {
	// Raw is the reference text without the ${} delimiters
	Raw string

	// Path is the parsed segment sequence
	Path []Segment
}

// Root returns the namespace segment, or "" when the reference starts
// with an index.
func (r Ref) Root() string {
	if len(r.Path) == 0 || r.Path[0].IsIndex {
		return ""
	}
	return r.Path[0].Key
}

// StepID returns the referenced step id for steps-rooted references.
func (r Ref) StepID() (string, bool) {
	if r.Root() != "steps" || len(r.Path) < 2 || r.Path[1].IsIndex {
		return "", false
	}
	return r.Path[1].Key, true
}

// StepResult is the completed-step view a scope exposes to references.
// Output is bound only for succeeded steps; Error only for steps that
// failed with continue routing.
type StepResult struct {
	Output    any
	Error     any
	Succeeded bool
}

// Scope binds the reference namespaces for one resolution pass. Nil maps
// behave as empty.
type Scope struct {
	Steps   map[string]StepResult
	Inputs  map[string]any
	Vars    map[string]any
	Context map[string]any
}

// Resolve evaluates one template against the scope. A template that is
// exactly a single ${ref} returns the referenced value unchanged;
// otherwise references coerce to text and concatenate with the literal
// parts.
func Resolve(template string, scope *Scope) (any, error) {
	parts, err := scanTemplate(template)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		scope = &Scope{}
	}

	if len(parts) == 1 && parts[0].ref != nil {
		return resolveRef(*parts[0].ref, scope)
	}

	var b strings.Builder
	for _, part := range parts {
		if part.ref == nil {
			b.WriteString(part.lit)
			continue
		}
		v, err := resolveRef(*part.ref, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(coerceText(v))
	}
	return b.String(), nil
}

// ResolveValue resolves templates recursively: strings go through
// Resolve, lists and maps resolve element-wise, and every other literal
// passes through unchanged.
func ResolveValue(v any, scope *Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return Resolve(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			r, err := ResolveValue(elem, scope)
			if err != nil {
				return nil, fmt.Errorf("in field %q: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			r, err := ResolveValue(elem, scope)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveInputs resolves a step's declared inputs against the scope.
func ResolveInputs(inputs map[string]any, scope *Scope) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for name, v := range inputs {
		r, err := ResolveValue(v, scope)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		resolved[name] = r
	}
	return resolved, nil
}

// Refs returns the references embedded in one template.
func Refs(template string) ([]Ref, error) {
	parts, err := scanTemplate(template)
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, part := range parts {
		if part.ref != nil {
			refs = append(refs, *part.ref)
		}
	}
	return refs, nil
}

// RefsInValue collects references from every template nested in a value.
// The planner uses this to check that steps references point upstream.
func RefsInValue(v any) ([]Ref, error) {
	var refs []Ref
	var walk func(v any) error
	walk = func(v any) error {
		switch t := v.(type) {
		case string:
			r, err := Refs(t)
			if err != nil {
				return err
			}
			refs = append(refs, r...)
			return nil
		case map[string]any:
			for k, elem := range t {
				if err := walk(elem); err != nil {
					return fmt.Errorf("in field %q: %w", k, err)
				}
			}
			return nil
		case []any:
			for i, elem := range t {
				if err := walk(elem); err != nil {
					return fmt.Errorf("at index %d: %w", i, err)
				}
			}
			return nil
		default:
			return nil
		}
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return refs, nil
}

// templatePart is either literal text or one reference.
type templatePart struct {
	lit string
	ref *Ref
}

// scanTemplate splits a template into literal and reference parts. The
// closing brace is found respecting quoted index text, so keys
// containing '}' do not truncate the reference.
func scanTemplate(template string) ([]templatePart, error) {
	var parts []templatePart
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" || len(parts) == 0 {
				parts = append(parts, templatePart{lit: rest})
			}
			return parts, nil
		}
		if start > 0 {
			parts = append(parts, templatePart{lit: rest[:start]})
		}
		body := rest[start+2:]
		end := -1
		inQuote := false
		for i := 0; i < len(body); i++ {
			switch body[i] {
			case '"':
				inQuote = !inQuote
			case '}':
				if !inQuote {
					end = i
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return nil, &errors.ExprError{
				Code:    errors.CodeExprType,
				Ref:     body,
				Message: "unterminated reference",
			}
		}
		raw := body[:end]
		ref, err := parseRef(raw)
		if err != nil {
			return nil, &errors.ExprError{
				Code:    errors.CodeExprType,
				Ref:     raw,
				Message: err.Error(),
			}
		}
		parts = append(parts, templatePart{ref: &ref})
		rest = body[end+1:]
		if rest == "" {
			return parts, nil
		}
	}
}

// parseRef parses the reference grammar.
func parseRef(raw string) (Ref, error) {
	ref := Ref{Raw: raw}
	i := 0

	ident := func() (string, bool) {
		start := i
		for i < len(raw) && (isIdentByte(raw[i], i == start)) {
			i++
		}
		if i == start {
			return "", false
		}
		return raw[start:i], true
	}

	name, ok := ident()
	if !ok {
		return ref, fmt.Errorf("malformed reference: expected a segment name")
	}
	ref.Path = append(ref.Path, Segment{Key: name})

	for i < len(raw) {
		switch raw[i] {
		case '.':
			i++
			name, ok := ident()
			if !ok {
				return ref, fmt.Errorf("malformed reference: expected a segment name after '.'")
			}
			ref.Path = append(ref.Path, Segment{Key: name})
		case '[':
			i++
			if i < len(raw) && raw[i] == '"' {
				i++
				end := strings.IndexByte(raw[i:], '"')
				if end < 0 {
					return ref, fmt.Errorf("malformed reference: unterminated quoted index")
				}
				ref.Path = append(ref.Path, Segment{Key: raw[i : i+end]})
				i += end + 1
			} else {
				start := i
				if i < len(raw) && raw[i] == '-' {
					i++
				}
				for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
					i++
				}
				if i == start || (i == start+1 && raw[start] == '-') {
					return ref, fmt.Errorf("malformed reference: expected an index")
				}
				n, err := strconv.Atoi(raw[start:i])
				if err != nil {
					return ref, fmt.Errorf("malformed reference: invalid index %q", raw[start:i])
				}
				ref.Path = append(ref.Path, Segment{Index: n, IsIndex: true})
			}
			if i >= len(raw) || raw[i] != ']' {
				return ref, fmt.Errorf("malformed reference: expected ']'")
			}
			i++
		default:
			return ref, fmt.Errorf("malformed reference: unexpected %q", string(raw[i]))
		}
	}
	return ref, nil
}

func isIdentByte(b byte, first bool) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b == '_':
		return true
	case b >= '0' && b <= '9':
		return !first
	default:
		return false
	}
}

// resolveRef navigates the scope along the reference path.
func resolveRef(ref Ref, scope *Scope) (any, error) {
	if len(ref.Path) == 0 || ref.Path[0].IsIndex {
		return nil, &errors.ExprError{
			Code:    errors.CodeExprType,
			Ref:     ref.Raw,
			Message: "reference must start with a namespace",
		}
	}

	switch ref.Path[0].Key {
	case "steps":
		return resolveStepRef(ref, scope)
	case "inputs":
		return walkPath(ref, mapValue(scope.Inputs), ref.Path[1:])
	case "vars":
		return walkPath(ref, mapValue(scope.Vars), ref.Path[1:])
	case "context":
		return walkPath(ref, mapValue(scope.Context), ref.Path[1:])
	default:
		return nil, &errors.ExprError{
			Code:    errors.CodeExprUnbound,
			Ref:     ref.Raw,
			Message: fmt.Sprintf("unknown namespace %q (expected steps, inputs, vars, or context)", ref.Path[0].Key),
		}
	}
}

func resolveStepRef(ref Ref, scope *Scope) (any, error) {
	if len(ref.Path) < 2 {
		return nil, &errors.ExprError{
			Code:    errors.CodeExprUnbound,
			Ref:     ref.Raw,
			Message: "steps references must name a step",
		}
	}
	if ref.Path[1].IsIndex {
		return nil, &errors.ExprError{
			Code:    errors.CodeExprType,
			Ref:     ref.Raw,
			Message: "steps are addressed by name, not by position",
		}
	}
	stepID := ref.Path[1].Key
	res, ok := scope.Steps[stepID]
	if !ok {
		return nil, &errors.ExprError{
			Code:    errors.CodeExprUnbound,
			Ref:     ref.Raw,
			Message: fmt.Sprintf("step %q has not completed", stepID),
		}
	}

	rest := ref.Path[2:]
	if len(rest) == 0 {
		view := make(map[string]any, 2)
		if res.Succeeded {
			view["output"] = res.Output
		} else {
			view["error"] = res.Error
		}
		return view, nil
	}
	if rest[0].IsIndex {
		return nil, &errors.ExprError{
			Code:    errors.CodeExprType,
			Ref:     ref.Raw,
			Message: fmt.Sprintf("step %q is not a list", stepID),
		}
	}

	switch rest[0].Key {
	case "output":
		if !res.Succeeded {
			return nil, &errors.ExprError{
				Code:    errors.CodeExprUnbound,
				Ref:     ref.Raw,
				Message: fmt.Sprintf("step %q did not succeed; its output is not bound", stepID),
			}
		}
		return walkPath(ref, res.Output, rest[1:])
	case "error":
		if res.Succeeded {
			return nil, &errors.ExprError{
				Code:    errors.CodeExprUnbound,
				Ref:     ref.Raw,
				Message: fmt.Sprintf("step %q succeeded; its error is not bound", stepID),
			}
		}
		return walkPath(ref, res.Error, rest[1:])
	default:
		return nil, &errors.ExprError{
			Code:    errors.CodeExprUnbound,
			Ref:     ref.Raw,
			Message: fmt.Sprintf("step attribute %q is not bound (expected output or error)", rest[0].Key),
		}
	}
}

// walkPath descends into a value one segment at a time.
func walkPath(ref Ref, v any, path []Segment) (any, error) {
	for _, seg := range path {
		if seg.IsIndex {
			list, ok := v.([]any)
			if !ok {
				return nil, &errors.ExprError{
					Code:    errors.CodeExprType,
					Ref:     ref.Raw,
					Message: fmt.Sprintf("cannot index %s by position", typeName(v)),
				}
			}
			if seg.Index < 0 || seg.Index >= len(list) {
				return nil, &errors.ExprError{
					Code:    errors.CodeExprOutOfRange,
					Ref:     ref.Raw,
					Message: fmt.Sprintf("index %d out of range for list of length %d", seg.Index, len(list)),
				}
			}
			v = list[seg.Index]
			continue
		}

		m, ok := v.(map[string]any)
		if !ok {
			return nil, &errors.ExprError{
				Code:    errors.CodeExprType,
				Ref:     ref.Raw,
				Message: fmt.Sprintf("cannot access field %q on %s", seg.Key, typeName(v)),
			}
		}
		elem, ok := m[seg.Key]
		if !ok {
			return nil, &errors.ExprError{
				Code:    errors.CodeExprUnbound,
				Ref:     ref.Raw,
				Message: fmt.Sprintf("field %q is not bound", seg.Key),
			}
		}
		v = elem
	}
	return v, nil
}

func mapValue(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// coerceText renders a value for interpolation into surrounding text.
// Null renders as "null", binary as base64, and lists and maps as JSON.
func coerceText(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return t
	case []byte:
		return base64.StdEncoding.EncodeToString(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "text"
	case []byte:
		return "binary"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}
