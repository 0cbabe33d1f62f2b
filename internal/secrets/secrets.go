// Package secrets resolves secret parameter bindings before a module
// invocation is dispatched, so secret values never need to appear in
// an inventory file or on the command line.
//
// A Binding maps a module-name glob to a set of {param_name: env_var}
// pairs: when an invocation's module name matches the glob, the named
// parameters the caller did not set are populated from the named
// environment variables just before dispatch, and those parameter values are
// redacted before they reach the audit journal or request log.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
)

// Binding is one module-glob -> param/env-var mapping.
type Binding struct {
	ModuleGlob string            `json:"module_glob"`
	Params     map[string]string `json:"params"` // param name -> env var name
}

// Resolver applies a set of Bindings to module parameters.
type Resolver struct {
	bindings []Binding
	lookup   func(string) (string, bool) // overridable for tests; defaults to os.LookupEnv
}

// NewResolver creates a Resolver over the given bindings, evaluated in
// order, all matching bindings applied (later bindings win on key
// collision).
func NewResolver(bindings []Binding) *Resolver {
	return &Resolver{bindings: bindings, lookup: os.LookupEnv}
}

// Resolve returns a copy of params with secret bindings applied for
// the given module name. It never mutates the input map. A parameter
// the caller already set explicitly is left alone: bindings only fill
// in values the caller omitted.
func (r *Resolver) Resolve(moduleName string, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	for _, b := range r.bindings {
		matched, err := filepath.Match(b.ModuleGlob, moduleName)
		if err != nil {
			return nil, fmt.Errorf("invalid module glob %q: %w", b.ModuleGlob, err)
		}
		if !matched {
			continue
		}
		for param, envVar := range b.Params {
			if _, explicit := params[param]; explicit {
				continue
			}
			val, ok := r.lookup(envVar)
			if !ok {
				return nil, fmt.Errorf("secret binding for %s.%s: env var %s is not set", moduleName, param, envVar)
			}
			out[param] = val
		}
	}
	return out, nil
}

// SecretParamNames returns the set of parameter names that Resolve
// would populate for moduleName, so callers (the audit recorder) can
// redact them regardless of whether the binding actually fired.
func (r *Resolver) SecretParamNames(moduleName string) map[string]bool {
	names := map[string]bool{}
	for _, b := range r.bindings {
		if matched, _ := filepath.Match(b.ModuleGlob, moduleName); matched {
			for param := range b.Params {
				names[param] = true
			}
		}
	}
	return names
}
