// Package ftlgate holds the logic behind the resident gate process
// (cmd/ftlgate), factored out of that command so the driver (cmd/ftl)
// can embed this package's own source as the gate's DispatcherSource
// identity (gatebuild.Spec) without reaching across a cmd/ package
// boundary — a go:embed directive can only see files under its own
// package's directory, and "main" packages can't be imported.
//
// Two orchestrators built against different versions of this package
// therefore stage distinguishably-hashed gate archives (spec.md §4.4),
// even though the embedded bytes are never themselves interpreted or
// executed: cmd/ftlgate is a compiled binary, not a module run by its
// own dispatcher.
package ftlgate

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgewire/ftl/internal/bundle"
	"github.com/forgewire/ftl/internal/depscan"
	"github.com/forgewire/ftl/internal/gate"
)

//go:embed *.go
var sourceFS embed.FS

// Source is this package's own Go source, concatenated in a fixed
// (sorted) file order so it's byte-stable across builds.
var Source = mustReadSource()

func mustReadSource() []byte {
	entries, err := sourceFS.ReadDir(".")
	if err != nil {
		panic(fmt.Sprintf("ftlgate: read embedded source: %v", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []byte
	for _, name := range names {
		data, err := sourceFS.ReadFile(name)
		if err != nil {
			panic(fmt.Sprintf("ftlgate: read embedded file %s: %v", name, err))
		}
		out = append(out, data...)
	}
	return out
}

// BuildDispatcher unpacks the staged gate archive at gatePath onto
// disk (under extractDir, or gatePath+".d" if empty) and rebuilds each
// of its modules' own bundles against the extracted tree, so
// gate.NewDispatcher gets ModuleEntry values whose archive-relative
// dependency paths resolve exactly the way they did when gatebuild
// first assembled the gate: "modules/<name>.go" plus whatever files
// depscan found alongside it, each at its full import path.
func BuildDispatcher(gatePath, extractDir string, async []string) (*gate.Dispatcher, error) {
	data, err := os.ReadFile(gatePath)
	if err != nil {
		return nil, fmt.Errorf("read gate archive: %w", err)
	}
	files, err := bundle.Unzip(data)
	if err != nil {
		return nil, fmt.Errorf("unpack gate archive: %w", err)
	}

	if extractDir == "" {
		extractDir = gatePath + ".d"
	}
	if err := WriteFiles(extractDir, files); err != nil {
		return nil, fmt.Errorf("extract gate archive: %w", err)
	}

	asyncSet := map[string]bool{}
	for _, m := range async {
		if m = strings.TrimSpace(m); m != "" {
			asyncSet[m] = true
		}
	}

	modulesDir := filepath.Join(extractDir, "modules")
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		return nil, fmt.Errorf("read extracted modules dir: %w", err)
	}

	bundles := bundle.NewCache("")
	// Dependency files sit at their full import path (for example
	// forgewire/ftl/modutil/http.go) while depscan looks an import up as
	// modutil/<name> under each root, so the directory above every
	// extracted modutil/ tree is a search root too.
	roots := []string{extractDir}
	seenRoot := map[string]bool{extractDir: true}
	for p := range files {
		if idx := strings.Index(p, "modutil/"); idx > 0 {
			root := filepath.Join(extractDir, filepath.FromSlash(p[:idx]))
			if !seenRoot[root] {
				seenRoot[root] = true
				roots = append(roots, root)
			}
		}
	}
	sort.Strings(roots[1:])
	depConfig := depscan.Config{SearchRoots: roots, MaxDepth: 50}

	var moduleEntries []gate.ModuleEntry
	for _, f := range entries {
		if f.IsDir() || filepath.Ext(f.Name()) != ".go" {
			continue
		}
		name := strings.TrimSuffix(f.Name(), ".go")
		moduleFile := filepath.Join(modulesDir, f.Name())
		built, err := bundles.Build(bundle.Spec{ModuleName: name, ModuleFile: moduleFile, DepConfig: depConfig})
		if err != nil {
			return nil, fmt.Errorf("build module %s: %w", name, err)
		}
		moduleEntries = append(moduleEntries, gate.ModuleEntry{
			Name:      name,
			Bundle:    built,
			EntryPath: name + ".go",
			Async:     asyncSet[name],
		})
	}

	hash := filepath.Base(gatePath)
	return gate.NewDispatcher(hash, os.TempDir(), moduleEntries)
}

// WriteFiles writes an unzipped archive's contents under dir,
// preserving its internal (always forward-slash) archive paths.
func WriteFiles(dir string, files map[string][]byte) error {
	for path, data := range files {
		dest := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
