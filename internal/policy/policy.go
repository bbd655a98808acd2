// Package policy gates side-effecting actions before they run. A
// Checker holds per-tenant allow and block patterns for action targets
// (agents, commands, runtimes, tools) plus a lexical screen for agent
// prompts. Blocked patterns take precedence over allowed patterns; an
// empty allowed list permits everything the blocked list does not
// match, so a zero configuration allows all actions.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/action/builtin"
	"github.com/tombee/maestro/pkg/errors"
)

// Config is the policy section of the daemon configuration.
type Config struct {
	// Defaults applies to tenants without an explicit entry.
	Defaults Rules `yaml:"defaults,omitempty"`

	// Tenants holds per-tenant rule sets keyed by tenant ID.
	Tenants map[string]Rules `yaml:"tenants,omitempty"`
}

// Rules is one tenant's policy.
type Rules struct {
	// Agents constrains invoke_agent targets.
	Agents PatternSet `yaml:"agents,omitempty"`

	// Commands constrains run_command executables.
	Commands PatternSet `yaml:"commands,omitempty"`

	// Runtimes constrains execute_code runtimes.
	Runtimes PatternSet `yaml:"runtimes,omitempty"`

	// Tools constrains targets of any other gated kind.
	Tools PatternSet `yaml:"tools,omitempty"`

	// Screen configures the prompt injection screen.
	Screen ScreenConfig `yaml:"screen,omitempty"`
}

// PatternSet holds doublestar patterns for one target group. Blocked
// patterns may be written with or without a leading "!".
type PatternSet struct {
	Allowed []string `yaml:"allowed,omitempty"`
	Blocked []string `yaml:"blocked,omitempty"`
}

// ScreenConfig configures the lexical prompt screen.
type ScreenConfig struct {
	// Disabled turns the screen off for this tenant.
	Disabled bool `yaml:"disabled,omitempty"`

	// DenyPhrases are extra case-insensitive phrases blocked in
	// addition to the built-in set.
	DenyPhrases []string `yaml:"deny_phrases,omitempty"`
}

// Checker evaluates action targets and agent prompts against per-tenant
// rules. It implements action.PolicyChecker.
type Checker struct {
	defaults Rules
	tenants  map[string]Rules
}

var _ action.PolicyChecker = (*Checker)(nil)

// NewChecker creates a Checker. A zero Config allows everything.
func NewChecker(cfg Config) *Checker {
	return &Checker{defaults: cfg.Defaults, tenants: cfg.Tenants}
}

// CheckAction reports whether target is permitted for the given action
// kind. Returns nil if allowed, a PolicyError with code
// tool_not_allowed if denied.
func (c *Checker) CheckAction(_ context.Context, tenantID, kind, target string) error {
	set, group := c.rulesFor(tenantID).setFor(kind)
	noun := strings.TrimSuffix(group, "s")

	// Blocked list wins over allowed.
	for _, pattern := range set.Blocked {
		checkPattern := strings.TrimPrefix(pattern, "!")
		if matchTarget(target, checkPattern) {
			return &errors.PolicyError{
				Code:    errors.CodeToolNotAllowed,
				Rule:    group + ": !" + checkPattern,
				Message: fmt.Sprintf("%s %q is blocked", noun, target),
			}
		}
	}

	// Empty allowed list allows all (except blocked).
	if len(set.Allowed) == 0 {
		return nil
	}

	for _, pattern := range set.Allowed {
		if matchTarget(target, pattern) {
			return nil
		}
	}

	return &errors.PolicyError{
		Code:    errors.CodeToolNotAllowed,
		Rule:    group + ": " + strings.Join(set.Allowed, ", "),
		Message: fmt.Sprintf("%s %q not in allowlist", noun, target),
	}
}

// rulesFor returns the tenant's rules, falling back to the defaults
// when the tenant has no explicit entry.
func (c *Checker) rulesFor(tenantID string) Rules {
	if r, ok := c.tenants[tenantID]; ok {
		return r
	}
	return c.defaults
}

// setFor selects the pattern group for an action kind. Kinds without a
// dedicated group are checked against the tools group.
func (r Rules) setFor(kind string) (PatternSet, string) {
	switch kind {
	case builtin.KindInvokeAgent:
		return r.Agents, "agents"
	case builtin.KindRunCommand:
		return r.Commands, "commands"
	case builtin.KindExecuteCode:
		return r.Runtimes, "runtimes"
	default:
		return r.Tools, "tools"
	}
}

// matchTarget checks a target against a pattern. Supports glob
// patterns like "claude-*" or "deploy/**"; invalid patterns are
// treated as exact matches.
func matchTarget(target, pattern string) bool {
	if target == pattern {
		return true
	}
	matched, err := doublestar.Match(pattern, target)
	if err != nil {
		return target == pattern
	}
	return matched
}
