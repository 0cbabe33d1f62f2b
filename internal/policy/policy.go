// Package policy evaluates per-invocation allow/deny rules before the
// orchestrator dispatches a module (spec.md §4.9). Rules are evaluated
// in file order; the first rule whose predicates all match decides
// the outcome. An invocation that matches no rule is allowed.
package policy

import (
	"fmt"
	"path/filepath"

	"github.com/forgewire/ftl/internal/domain"
)

// Rule is one policy entry. A nil/empty predicate field always
// matches; predicates present on a rule are ANDed together.
type Rule struct {
	ID       string   `json:"id"`
	Effect   string   `json:"effect"` // "allow" or "deny"
	Reason   string   `json:"reason,omitempty"`
	Module   string   `json:"module,omitempty"` // glob against module name
	Hosts    []string `json:"hosts,omitempty"`  // exact host name match, any-of
	EnvOneOf []string `json:"env_one_of,omitempty"`

	// ParamEquals requires the named parameter to equal the given
	// value (compared via fmt.Sprint, since invocation params are
	// loosely typed JSON values).
	ParamEquals map[string]string `json:"param_equals,omitempty"`
}

// Decision is the outcome of evaluating a rule set against one
// invocation.
type Decision struct {
	Allowed bool
	RuleID  string
	Reason  string
}

// Engine evaluates an ordered rule list.
type Engine struct {
	rules []Rule
	env   string // current environment name, e.g. "production"
}

// NewEngine creates an Engine over rules, evaluated in the given
// order. env identifies the running environment for EnvOneOf
// predicates (e.g. set from $FTL_ENVIRONMENT).
func NewEngine(rules []Rule, env string) *Engine {
	return &Engine{rules: rules, env: env}
}

// Evaluate returns the policy decision for req. Default is allow.
func (e *Engine) Evaluate(req domain.ModuleRequest, host string) (Decision, error) {
	for _, r := range e.rules {
		matched, err := e.matches(r, req, host)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if !matched {
			continue
		}
		return Decision{
			Allowed: r.Effect != "deny",
			RuleID:  r.ID,
			Reason:  r.Reason,
		}, nil
	}
	return Decision{Allowed: true}, nil
}

func (e *Engine) matches(r Rule, req domain.ModuleRequest, host string) (bool, error) {
	if r.Module != "" {
		ok, err := filepath.Match(r.Module, req.Module)
		if err != nil {
			return false, fmt.Errorf("invalid module glob %q: %w", r.Module, err)
		}
		if !ok {
			return false, nil
		}
	}

	if len(r.Hosts) > 0 {
		found := false
		for _, h := range r.Hosts {
			if h == host {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if len(r.EnvOneOf) > 0 {
		found := false
		for _, env := range r.EnvOneOf {
			if env == e.env {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	for param, want := range r.ParamEquals {
		got, ok := req.Params[param]
		if !ok {
			return false, nil
		}
		if fmt.Sprint(got) != want {
			return false, nil
		}
	}

	return true, nil
}

// DeniedError is returned by the orchestrator pipeline when a policy
// rule denies an invocation.
type DeniedError struct {
	RuleID string
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("denied by policy rule %s: %s", e.RuleID, e.Reason)
	}
	return fmt.Sprintf("denied by policy rule %s", e.RuleID)
}
