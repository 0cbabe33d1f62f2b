// Package depscan walks a module's import graph to find the transitive
// closure of support-library files it needs, mirroring spec.md §4.2.
//
// # Why go/parser instead of a general-purpose parser
//
// Modules in this engine are Go source files, so the "AST walk" spec.md
// describes is naturally go/parser + go/ast: it is the same machinery
// every other Go source-analysis tool (goimports, go vet, gopls) uses,
// and it already understands Go's import syntax precisely, including
// the relative-vs-absolute distinction §4.2 calls out. There is no
// ecosystem library in the reference pack that does this better for a
// single, statically-typed source language — the pack's tree-sitter
// dependency is reserved for multi-language tooling (see DESIGN.md).
package depscan

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// coreNamespace and collNamespaceMarker are the two "module_utils"-
// equivalent roots spec.md §4.2 says the resolver must recognize: the
// core namespace bundled with the engine, and the per-collection
// namespace under collections/<ns>/<coll>/modutil.
const (
	coreNamespace       = "forgewire/ftl/modutil"
	collNamespaceMarker = "/modutil/"
)

// Config controls where the resolver looks for files and how deep it
// is willing to recurse.
type Config struct {
	// SearchRoots are tried in priority order: playbook-adjacent,
	// current directory, env-var override, then engine defaults.
	SearchRoots []string
	MaxDepth    int
}

const defaultMaxDepth = 50

// Result is the output of Resolve: the transitive file set, any
// imports that could not be resolved to a file (non-fatal per
// spec.md §4.2), and the full list of imports seen (for diagnostics).
type Result struct {
	Files      map[string]string // archive path -> absolute file path
	Unresolved []string
	AllImports []string
}

// Resolve walks entryFile's import graph and returns the transitive
// dependency closure restricted to the module_utils namespaces.
func Resolve(entryFile string, cfg Config) (*Result, error) {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	res := &Result{Files: map[string]string{}}
	visited := map[string]bool{}
	queue := []string{entryFile}

	for depth := 0; len(queue) > 0; depth++ {
		if depth > cfg.MaxDepth {
			break
		}
		var next []string
		for _, file := range queue {
			abs, err := filepath.Abs(file)
			if err != nil || visited[abs] {
				continue
			}
			visited[abs] = true

			imports, err := parseImports(file)
			if err != nil {
				continue // unreadable/unparsable file: skip, not fatal
			}
			for _, imp := range imports {
				res.AllImports = append(res.AllImports, imp)
				if !isModUtilImport(imp) {
					continue
				}
				resolved, archivePath, ok := resolveImportToFile(imp, cfg)
				if !ok {
					res.Unresolved = append(res.Unresolved, imp)
					continue
				}
				if _, already := res.Files[archivePath]; already {
					continue
				}
				res.Files[archivePath] = resolved
				next = append(next, resolved)
			}
		}
		queue = next
	}
	return res, nil
}

// isModUtilImport reports whether an import path is one of the two
// module_utils namespaces this engine bundles files from.
func isModUtilImport(path string) bool {
	if strings.HasPrefix(path, coreNamespace) {
		return true
	}
	return strings.Contains(path, collNamespaceMarker)
}

// parseImports returns the raw import path strings found in file,
// resolving relative ("./foo") imports against the file's own
// directory before returning them, per spec.md §4.2.
func parseImports(file string) ([]string, error) {
	fset := token.NewFileSet()
	astFile, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(file)
	var out []string
	for _, imp := range astFile.Imports {
		path, err := stripQuotes(imp.Path.Value)
		if err != nil {
			continue
		}
		if strings.HasPrefix(path, ".") {
			path = filepath.ToSlash(filepath.Join(relativePackagePath(dir), path))
		}
		out = append(out, path)
	}
	return out, nil
}

func stripQuotes(s string) (string, error) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1], nil
	}
	return s, nil
}

// relativePackagePath approximates the logical import path of a
// directory for the purpose of resolving "./x" style imports; since
// bundles are built from loose files rather than a full module
// checkout, this is only the directory's base name, without any of
// its parent directories.
func relativePackagePath(dir string) string {
	return filepath.Base(dir)
}

// resolveImportToFile finds the file backing an import path under the
// configured search roots, preferring the package-init form
// (dir/module.go acting as the package) before the leaf-file form, and
// folding compatibility-shim namespaces (e.g. a "vendor.moves.X" style
// re-export) onto their base package file rather than failing when a
// child symbol can't be resolved as its own file.
func resolveImportToFile(importPath string, cfg Config) (absPath, archivePath string, ok bool) {
	rel := importPathToRelPath(importPath)

	for _, root := range cfg.SearchRoots {
		// Package form: <root>/<rel>/<last-segment>.go acting as the
		// package's entry file.
		pkgDir := filepath.Join(root, rel)
		last := filepath.Base(rel)
		candidates := []string{
			filepath.Join(pkgDir, last+".go"),
			filepath.Join(pkgDir, "init.go"),
			pkgDir + ".go", // leaf-module form
		}
		for _, c := range candidates {
			if st, err := os.Stat(c); err == nil && !st.IsDir() {
				return c, importPath + ".go", true
			}
		}
	}

	// Compatibility-shim namespace: a dotted path whose parent resolves
	// but whose final segment does not name its own file is treated as
	// resolved-via-parent, not unresolved (spec.md §4.2 edge case).
	parent := parentImportPath(importPath)
	if parent != "" && parent != importPath {
		if abs, arch, ok := resolveImportToFile(parent, cfg); ok {
			return abs, arch, true
		}
	}

	return "", "", false
}

func importPathToRelPath(importPath string) string {
	trimmed := strings.TrimPrefix(importPath, coreNamespace+"/")
	trimmed = strings.TrimPrefix(trimmed, coreNamespace)
	if idx := strings.Index(importPath, collNamespaceMarker); idx >= 0 {
		trimmed = importPath[idx+1:]
	}
	return filepath.FromSlash(trimmed)
}

func parentImportPath(importPath string) string {
	idx := strings.LastIndex(importPath, "/")
	if idx <= 0 {
		return ""
	}
	return importPath[:idx]
}

// ArchivePathFor maps a resolved import to the path it should occupy
// inside a bundle/gate archive, preserving the logical import
// structure the spec requires (e.g. forgewire/ftl/modutil/http.go,
// collections/acme/web/modutil/nginx.go).
func ArchivePathFor(importPath string) string {
	return importPath + ".go"
}

// Ancestors walks up an archive directory path yielding every
// intermediate directory, used by the bundle/gate builders to decide
// where synthesized package marker files are needed.
func Ancestors(archivePath string) []string {
	dir := filepath.Dir(archivePath)
	if dir == "." || dir == "/" {
		return nil
	}
	var out []string
	for dir != "." && dir != string(filepath.Separator) {
		out = append(out, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return out
}
