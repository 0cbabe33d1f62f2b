package inventory

import (
	"testing"

	"github.com/forgewire/ftl/internal/domain"
)

func TestParseBasicGroup(t *testing.T) {
	doc := `
groups:
  web:
    hosts:
      web1:
        ansible_host: 10.0.0.1
      web2: {}
    vars:
      env: production
`
	inv, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(inv.Hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(inv.Hosts))
	}
	h1 := inv.Hosts["web1"]
	if h1.Address != "10.0.0.1" {
		t.Fatalf("expected explicit address, got %q", h1.Address)
	}
	if h1.Vars["env"] != "production" {
		t.Fatalf("expected group var applied, got %#v", h1.Vars)
	}

	h2 := inv.Hosts["web2"]
	if h2.Address != "web2" {
		t.Fatalf("expected host name as default address, got %q", h2.Address)
	}
}

func TestParseEmptyHostsIsValid(t *testing.T) {
	doc := `
groups:
  empty:
    hosts: {}
`
	inv, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g, ok := inv.Groups["empty"]
	if !ok {
		t.Fatal("expected empty group to be registered")
	}
	if len(g.Hosts) != 0 {
		t.Fatalf("expected no hosts, got %v", g.Hosts)
	}
}

func TestConnectionAttrsParsed(t *testing.T) {
	doc := `
groups:
  db:
    hosts:
      db1:
        ansible_host: 10.0.0.5
        ansible_port: 2222
        ansible_user: admin
        ansible_connection: ssh
        ansible_private_key_file: /home/admin/.ssh/id_ed25519
`
	inv, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	h := inv.Hosts["db1"]
	if h.Port != 2222 || h.User != "admin" || h.Connection != domain.ConnectionSSH {
		t.Fatalf("unexpected parsed host: %#v", h)
	}
	if h.PrivateKeyPath != "/home/admin/.ssh/id_ed25519" {
		t.Fatalf("unexpected key path: %q", h.PrivateKeyPath)
	}
}

func TestGroupChildrenAreFlattened(t *testing.T) {
	doc := `
groups:
  web:
    hosts:
      web1: {}
  db:
    hosts:
      db1: {}
  all:
    hosts: {}
    children:
      - web
      - db
`
	inv, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	all := inv.Groups["all"]
	if len(all.Hosts) != 2 {
		t.Fatalf("expected children flattened into 2 hosts, got %v", all.Hosts)
	}
}

func TestUnknownChildGroupErrors(t *testing.T) {
	doc := `
groups:
  all:
    hosts: {}
    children:
      - nonexistent
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected error for unknown child group")
	}
}

func TestResolveTargetHostAndGroup(t *testing.T) {
	doc := `
groups:
  web:
    hosts:
      web1: {}
      web2: {}
`
	inv, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	hosts, err := inv.ResolveTarget("web1")
	if err != nil || len(hosts) != 1 {
		t.Fatalf("expected single host resolution, got %v, %v", hosts, err)
	}
	hosts, err = inv.ResolveTarget("web")
	if err != nil || len(hosts) != 2 {
		t.Fatalf("expected group resolution to 2 hosts, got %v, %v", hosts, err)
	}
	_, err = inv.ResolveTarget("ghost")
	if err == nil {
		t.Fatal("expected error resolving unknown target")
	}
}
