package policy

import (
	"testing"

	"github.com/forgewire/ftl/internal/domain"
)

func TestDefaultAllowWhenNoRuleMatches(t *testing.T) {
	e := NewEngine(nil, "production")
	d, err := e.Evaluate(domain.ModuleRequest{Module: "ping"}, "web1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("expected default allow")
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	e := NewEngine([]Rule{
		{ID: "deny-shell", Effect: "deny", Module: "shell", Reason: "no raw shell in prod"},
		{ID: "allow-all", Effect: "allow", Module: "*"},
	}, "production")

	d, err := e.Evaluate(domain.ModuleRequest{Module: "shell"}, "web1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected shell module to be denied")
	}
	if d.RuleID != "deny-shell" {
		t.Fatalf("expected deny-shell to match first, got %s", d.RuleID)
	}

	d2, err := e.Evaluate(domain.ModuleRequest{Module: "file"}, "web1")
	if err != nil {
		t.Fatal(err)
	}
	if !d2.Allowed || d2.RuleID != "allow-all" {
		t.Fatalf("expected file module to fall through to allow-all, got %+v", d2)
	}
}

func TestHostScopedRule(t *testing.T) {
	e := NewEngine([]Rule{
		{ID: "deny-db-shell", Effect: "deny", Module: "shell", Hosts: []string{"db1", "db2"}},
	}, "production")

	d, err := e.Evaluate(domain.ModuleRequest{Module: "shell"}, "web1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("expected host-scoped rule to not match an unrelated host")
	}

	d2, err := e.Evaluate(domain.ModuleRequest{Module: "shell"}, "db1")
	if err != nil {
		t.Fatal(err)
	}
	if d2.Allowed {
		t.Fatal("expected host-scoped rule to match db1")
	}
}

func TestEnvOneOfRule(t *testing.T) {
	e := NewEngine([]Rule{
		{ID: "deny-in-prod", Effect: "deny", Module: "reboot", EnvOneOf: []string{"production"}},
	}, "staging")

	d, err := e.Evaluate(domain.ModuleRequest{Module: "reboot"}, "web1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("expected rule scoped to production to not match staging")
	}
}

func TestParamEqualsRule(t *testing.T) {
	e := NewEngine([]Rule{
		{ID: "deny-force", Effect: "deny", Module: "file", ParamEquals: map[string]string{"force": "true"}},
	}, "production")

	d, err := e.Evaluate(domain.ModuleRequest{Module: "file", Params: map[string]any{"force": true}}, "web1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected force=true to be denied")
	}

	d2, err := e.Evaluate(domain.ModuleRequest{Module: "file", Params: map[string]any{"force": false}}, "web1")
	if err != nil {
		t.Fatal(err)
	}
	if !d2.Allowed {
		t.Fatal("expected force=false to be allowed")
	}
}

func TestInvalidGlobReturnsError(t *testing.T) {
	e := NewEngine([]Rule{{ID: "bad", Effect: "deny", Module: "["}}, "production")
	_, err := e.Evaluate(domain.ModuleRequest{Module: "anything"}, "web1")
	if err == nil {
		t.Fatal("expected error for invalid glob pattern")
	}
}
