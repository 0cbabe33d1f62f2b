package gatebuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgewire/ftl/internal/depscan"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildIsDeterministicAcrossRuns(t *testing.T) {
	modDir := t.TempDir()
	writeFile(t, filepath.Join(modDir, "ping.go"), "package module\n\nfunc Run() {}\n")
	spec := Spec{
		ModuleDirs:       []string{modDir},
		DispatcherSource: []byte("package main\n\nfunc main() {}\n"),
		DepConfig:        depscan.Config{SearchRoots: []string{modDir}},
	}

	c := NewCache("")
	b1, err := c.Build(spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c2 := NewCache("")
	b2, err := c2.Build(spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if b1.Ref.Hash != b2.Ref.Hash {
		t.Fatalf("hash mismatch across independent caches: %s vs %s", b1.Ref.Hash, b2.Ref.Hash)
	}
}

func TestInterpreterChangeInvalidatesHash(t *testing.T) {
	modDir := t.TempDir()
	writeFile(t, filepath.Join(modDir, "ping.go"), "package module\n\nfunc Run() {}\n")

	base := Spec{
		ModuleDirs:       []string{modDir},
		DispatcherSource: []byte("package main\n\nfunc main() {}\n"),
		DepConfig:        depscan.Config{SearchRoots: []string{modDir}},
	}
	withInterp := base
	withInterp.Interpreter = "/usr/bin/ftlgate-alt"

	c := NewCache("")
	b1, err := c.Build(base)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := c.Build(withInterp)
	if err != nil {
		t.Fatal(err)
	}
	if b1.Ref.Hash == b2.Ref.Hash {
		t.Fatal("expected interpreter override to change the gate hash")
	}
}

func TestCacheWritesArchiveToDisk(t *testing.T) {
	modDir := t.TempDir()
	writeFile(t, filepath.Join(modDir, "ping.go"), "package module\n\nfunc Run() {}\n")
	spec := Spec{
		ModuleDirs:       []string{modDir},
		DispatcherSource: []byte("package main\n\nfunc main() {}\n"),
		DepConfig:        depscan.Config{SearchRoots: []string{modDir}},
	}

	diskDir := t.TempDir()
	b1, err := NewCache(diskDir).Build(spec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(diskDir, "ftl_gate_"+b1.Ref.Hash+".zip")); err != nil {
		t.Fatalf("expected gate archive on disk: %v", err)
	}
}
