package secrets

import "testing"

func TestResolveAppliesMatchingBinding(t *testing.T) {
	r := NewResolver([]Binding{
		{ModuleGlob: "http*", Params: map[string]string{"token": "MY_API_TOKEN"}},
	})
	r.lookup = func(name string) (string, bool) {
		if name == "MY_API_TOKEN" {
			return "secret-value", true
		}
		return "", false
	}

	got, err := r.Resolve("http_get", map[string]any{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got["token"] != "secret-value" {
		t.Fatalf("expected token to be injected, got %#v", got)
	}
	if got["url"] != "https://example.com" {
		t.Fatal("expected unrelated params to pass through unchanged")
	}
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	r := NewResolver([]Binding{
		{ModuleGlob: "*", Params: map[string]string{"token": "TOK"}},
	})
	r.lookup = func(string) (string, bool) { return "v", true }

	in := map[string]any{"a": 1}
	_, err := r.Resolve("anything", in)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := in["token"]; ok {
		t.Fatal("expected input map to remain unmodified")
	}
}

func TestResolveErrorsWhenEnvVarMissing(t *testing.T) {
	r := NewResolver([]Binding{
		{ModuleGlob: "*", Params: map[string]string{"token": "MISSING"}},
	})
	r.lookup = func(string) (string, bool) { return "", false }

	_, err := r.Resolve("anything", map[string]any{})
	if err == nil {
		t.Fatal("expected error for unset env var")
	}
}

func TestResolveSkipsNonMatchingGlob(t *testing.T) {
	r := NewResolver([]Binding{
		{ModuleGlob: "aws_*", Params: map[string]string{"key": "AWS_KEY"}},
	})
	r.lookup = func(string) (string, bool) { return "", false }

	got, err := r.Resolve("file", map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := got["key"]; ok {
		t.Fatal("expected no binding to apply for non-matching module")
	}
}

func TestSecretParamNames(t *testing.T) {
	r := NewResolver([]Binding{
		{ModuleGlob: "http*", Params: map[string]string{"token": "TOK", "secret": "SEC"}},
	})
	names := r.SecretParamNames("http_post")
	if !names["token"] || !names["secret"] {
		t.Fatalf("expected both param names flagged, got %#v", names)
	}
	if len(r.SecretParamNames("file")) != 0 {
		t.Fatal("expected no secret names for non-matching module")
	}
}
