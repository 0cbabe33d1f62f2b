package statestore

import (
	"path/filepath"
	"testing"

	"github.com/forgewire/ftl/internal/domain"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(s.All()) != 0 {
		t.Fatal("expected empty store for missing file")
	}
}

func TestAddPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Add(domain.HostSpec{Name: "web1", Address: "10.0.0.1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	h, ok := reopened.Get("web1")
	if !ok {
		t.Fatal("expected web1 to survive reopen")
	}
	if h.Address != "10.0.0.1" {
		t.Fatalf("unexpected address: %q", h.Address)
	}
}

func TestRemoveUnknownHostIsNotAnError(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("ghost"); err != nil {
		t.Fatalf("expected no error removing unknown host, got %v", err)
	}
}

func TestMergeIntoAddsVars(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Add(domain.HostSpec{Name: "web1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeInto("web1", map[string]string{"role": "frontend"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	h, _ := s.Get("web1")
	if h.Vars["role"] != "frontend" {
		t.Fatalf("expected merged var, got %#v", h.Vars)
	}
}

func TestMergeIntoUnknownHostErrors(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MergeInto("ghost", map[string]string{"a": "b"}); err == nil {
		t.Fatal("expected error merging into unknown host")
	}
}
