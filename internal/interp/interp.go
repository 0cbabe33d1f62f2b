// Package interp wraps the yaegi Go interpreter to run module source
// in-process, used by the fast-path/async execution strategy
// (spec.md's FTLModule requests) and by gate unit tests that want to
// exercise a module without forking a subprocess.
//
// Every module exports func Run(ctx, args, checkMode) (map[string]any,
// error); the interpreter evaluates the module's own source plus
// whatever modutil files depscan resolved for it, then looks up and
// calls module.Run directly.
package interp

import (
	"context"
	"fmt"
	"sort"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// RunFunc is the signature every module must export.
type RunFunc func(ctx context.Context, args map[string]any, checkMode bool) (map[string]any, error)

// Session is one interpreter instance. Sessions are not safe for
// concurrent Eval calls; callers needing parallelism create one
// Session per goroutine (or per invocation), which is cheap relative
// to a subprocess fork.
type Session struct {
	i *interp.Interpreter
}

// New creates an interpreter session preloaded with the Go standard
// library symbol table.
func New() (*Session, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols into interpreter: %w", err)
	}
	return &Session{i: i}, nil
}

// EvalSource evaluates one source file's content into the session.
// Dependencies must be evaluated before the file that imports them;
// depscan.Resolve returns its files as an unordered map, so that order
// is up to the caller.
func (s *Session) EvalSource(src string) error {
	if _, err := s.i.Eval(src); err != nil {
		return fmt.Errorf("evaluate module source: %w", err)
	}
	return nil
}

// LoadModuleRun evaluates the module's own entry source (after its
// dependencies have already been loaded via EvalSource) and returns
// its exported Run function.
func (s *Session) LoadModuleRun(entrySource string) (RunFunc, error) {
	if err := s.EvalSource(entrySource); err != nil {
		return nil, err
	}
	v, err := s.i.Eval("module.Run")
	if err != nil {
		return nil, fmt.Errorf("module does not export Run: %w", err)
	}
	fn, ok := v.Interface().(func(context.Context, map[string]any, bool) (map[string]any, error))
	if !ok {
		return nil, fmt.Errorf("module.Run has the wrong signature, want func(context.Context, map[string]any, bool) (map[string]any, error)")
	}
	return fn, nil
}

// LoadFromArchive evaluates a set of archive files (archive path ->
// source content, as produced by internal/bundle or internal/gatebuild)
// into the session and returns the Run function exported by entryPath.
// Dependency files are evaluated in sorted archive-path order before
// the entry file; that order does not follow imports between
// dependency files, which depscan resolves transitively.
func (s *Session) LoadFromArchive(files map[string][]byte, entryPath string) (RunFunc, error) {
	var deps []string
	for path := range files {
		if path == entryPath {
			continue
		}
		deps = append(deps, path)
	}
	sort.Strings(deps)

	for _, path := range deps {
		if err := s.EvalSource(string(files[path])); err != nil {
			return nil, fmt.Errorf("evaluate dependency %s: %w", path, err)
		}
	}

	entry, ok := files[entryPath]
	if !ok {
		return nil, fmt.Errorf("archive has no entry file %s", entryPath)
	}
	return s.LoadModuleRun(string(entry))
}

// Call invokes fn with a timeout-respecting goroutine boundary so a
// module that blocks forever can still be abandoned when ctx is
// canceled: the caller gets ctx.Err() back, though the runaway
// goroutine itself is only reclaimed by process exit, same tradeoff
// the gate's subprocess path avoids by forking instead of interpreting
// for any module that isn't explicitly marked fast-path/async-safe.
func Call(ctx context.Context, fn RunFunc, args map[string]any, checkMode bool) (map[string]any, error) {
	type outcome struct {
		out map[string]any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("module panicked: %v", r)}
			}
		}()
		out, err := fn(ctx, args, checkMode)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
