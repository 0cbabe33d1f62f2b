// Package gate implements the resident dispatcher that runs on a
// remote host and answers the driver's protocol requests (spec.md
// §4.5): Hello handshake, Info, ListModules, Module/FTLModule
// execution, Watch/Unwatch filesystem subscriptions, and Shutdown.
//
// A Dispatcher holds one module per baked-in name, each already loaded
// into a shared yaegi session for the fast (async) path, plus the
// module's own bundle bytes for the isolated (non-async) path, which
// re-executes the gate binary as a child process in "-run-bundle"
// mode so a crash in interpreted module code cannot take the gate
// itself down.
package gate

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forgewire/ftl/internal/bundle"
	"github.com/forgewire/ftl/internal/interp"
	"github.com/forgewire/ftl/internal/wire"
)

// ModuleEntry is one baked-in module: its archive (for subprocess
// isolation) and, when the module is fast-path-eligible, its
// pre-loaded Run function (for in-process execution).
type ModuleEntry struct {
	Name      string
	Bundle    *bundle.Built
	EntryPath string // archive path of the module's own source, e.g. "ping.go"
	Async     bool
}

// Dispatcher serves one gate connection's request/reply loop plus any
// number of concurrent filesystem watchers.
type Dispatcher struct {
	GateHash   string
	StagingDir string // scratch directory for -run-bundle temp archives

	started  time.Time
	modules  map[string]ModuleEntry
	session  *interp.Session
	runFuncs map[string]interp.RunFunc

	watchMu  sync.Mutex
	watchers map[string]*fsnotify.Watcher
}

// NewDispatcher builds a dispatcher over the given baked-in modules,
// loading each async-eligible module's Run function into a shared
// yaegi session up front so the fast path never pays eval cost per
// invocation.
func NewDispatcher(gateHash, stagingDir string, modules []ModuleEntry) (*Dispatcher, error) {
	session, err := interp.New()
	if err != nil {
		return nil, fmt.Errorf("create interpreter session: %w", err)
	}

	d := &Dispatcher{
		GateHash:   gateHash,
		StagingDir: stagingDir,
		started:    time.Now(),
		modules:    map[string]ModuleEntry{},
		session:    session,
		runFuncs:   map[string]interp.RunFunc{},
		watchers:   map[string]*fsnotify.Watcher{},
	}

	for _, m := range modules {
		d.modules[m.Name] = m
		if !m.Async {
			continue
		}
		files, err := unzip(m.Bundle.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unpack module %s: %w", m.Name, err)
		}
		fn, err := session.LoadFromArchive(files, m.EntryPath)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", m.Name, err)
		}
		d.runFuncs[m.Name] = fn
	}

	return d, nil
}

// Serve runs the Hello handshake and then the dispatch loop until it
// reads Shutdown or the connection reaches a clean EOF.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := wire.NewReader(r)
	writer := wire.NewWriter(w)

	f, err := reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("await hello: %w", err)
	}
	if f.Type != wire.TypeHello {
		return fmt.Errorf("expected Hello, got %s", f.Type)
	}
	if err := writer.Write(wire.TypeHello, struct{}{}); err != nil {
		return err
	}
	defer d.closeWatchers()

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if f.Type == wire.TypeShutdown {
			d.closeWatchers()
			return writer.Write(wire.TypeShutdown, struct{}{})
		}
		d.dispatch(ctx, f, writer)
	}
}

// dispatch handles one frame, recovering from any panic raised while
// running a module in-process: an unhandled exception inside the
// dispatch loop is serialized as GateSystemError and the loop
// continues (spec.md §4.5 "Failure").
func (d *Dispatcher) dispatch(ctx context.Context, f wire.Frame, w *wire.Writer) {
	defer func() {
		if r := recover(); r != nil {
			_ = w.Write(wire.TypeGateSystemError, map[string]any{
				"message": fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	switch f.Type {
	case wire.TypeInfo:
		d.handleInfo(w)
	case wire.TypeListModules:
		d.handleListModules(w)
	case wire.TypeModule:
		d.handleModule(ctx, f, w)
	case wire.TypeFTLModule:
		d.handleFTLModule(ctx, f, w)
	case wire.TypeWatch:
		d.handleWatch(f, w)
	case wire.TypeUnwatch:
		d.handleUnwatch(f, w)
	default:
		_ = w.Write(wire.TypeError, map[string]any{"message": fmt.Sprintf("unrecognized message type %s", f.Type)})
	}
}

func (d *Dispatcher) handleInfo(w *wire.Writer) {
	_ = w.Write(wire.TypeInfoResult, map[string]any{
		"interpreter_version": runtime.Version(),
		"gate_hash":           d.GateHash,
		"uptime_seconds":      time.Since(d.started).Seconds(),
	})
}

func (d *Dispatcher) handleListModules(w *wire.Writer) {
	mods := make([]map[string]any, 0, len(d.modules))
	for _, m := range d.modules {
		kind := "sync"
		if m.Async {
			kind = "async"
		}
		mods = append(mods, map[string]any{"name": m.Name, "type": kind})
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i]["name"].(string) < mods[j]["name"].(string) })
	_ = w.Write(wire.TypeListModulesResult, map[string]any{"modules": mods})
}

type moduleRequest struct {
	ModuleName string         `json:"module_name"`
	ModuleArgs map[string]any `json:"module_args"`
	Module     string         `json:"module,omitempty"`
	CheckMode  bool           `json:"check_mode,omitempty"`
}

// handleModule runs a non-async module isolated in a child process
// (spec.md §4.5/§9): the gate re-executes itself in "-run-bundle" mode
// so a panic or infinite loop in interpreted module code only kills
// the child, never the gate.
func (d *Dispatcher) handleModule(ctx context.Context, f wire.Frame, w *wire.Writer) {
	var req moduleRequest
	if err := wire.Decode(f, &req); err != nil {
		_ = w.Write(wire.TypeError, map[string]any{"message": fmt.Sprintf("decode Module request: %v", err)})
		return
	}

	var archive []byte
	switch {
	case req.Module != "":
		decoded, err := base64.StdEncoding.DecodeString(req.Module)
		if err != nil {
			_ = w.Write(wire.TypeError, map[string]any{"message": fmt.Sprintf("decode module payload: %v", err)})
			return
		}
		archive = decoded
	default:
		entry, ok := d.modules[req.ModuleName]
		if !ok {
			_ = w.Write(wire.TypeModuleNotFound, map[string]any{"module_name": req.ModuleName})
			return
		}
		archive = entry.Bundle.Bytes
	}

	stdout, stderr, err := d.runInSubprocess(ctx, archive, req.ModuleName, req.ModuleArgs, req.CheckMode)
	if err != nil {
		_ = w.Write(wire.TypeGateSystemError, map[string]any{"message": err.Error()})
		return
	}
	_ = w.Write(wire.TypeModuleResult, map[string]any{"stdout": stdout, "stderr": stderr})
}

type ftlModuleRequest struct {
	ModuleName string         `json:"module_name"`
	ModuleArgs map[string]any `json:"module_args"`
	Source     string         `json:"source,omitempty"`
	CheckMode  bool           `json:"check_mode,omitempty"`
}

// handleFTLModule runs an async module in-process via the shared
// interpreter session (the fast path). A module sent inline via
// "source" rather than baked in is assumed self-contained: the wire
// contract carries one source string, not an archive, so a fast-path
// module that needs modutil dependencies must be baked into the gate
// instead of inlined on demand.
func (d *Dispatcher) handleFTLModule(ctx context.Context, f wire.Frame, w *wire.Writer) {
	var req ftlModuleRequest
	if err := wire.Decode(f, &req); err != nil {
		_ = w.Write(wire.TypeError, map[string]any{"message": fmt.Sprintf("decode FTLModule request: %v", err)})
		return
	}

	fn, ok := d.runFuncs[req.ModuleName]
	if !ok {
		if req.Source == "" {
			_ = w.Write(wire.TypeModuleNotFound, map[string]any{"module_name": req.ModuleName})
			return
		}
		loaded, err := d.session.LoadModuleRun(req.Source)
		if err != nil {
			_ = w.Write(wire.TypeGateSystemError, map[string]any{"message": err.Error()})
			return
		}
		fn = loaded
	}

	out, err := interp.Call(ctx, fn, req.ModuleArgs, req.CheckMode)
	if err != nil {
		_ = w.Write(wire.TypeError, map[string]any{"message": err.Error()})
		return
	}
	_ = w.Write(wire.TypeFTLModuleResult, map[string]any{"result": out})
}

func (d *Dispatcher) handleWatch(f wire.Frame, w *wire.Writer) {
	var req struct {
		Path string `json:"path"`
	}
	if err := wire.Decode(f, &req); err != nil || req.Path == "" {
		_ = w.Write(wire.TypeError, map[string]any{"message": "watch requires a non-empty path"})
		return
	}

	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if _, exists := d.watchers[req.Path]; exists {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = w.Write(wire.TypeGateSystemError, map[string]any{"message": fmt.Sprintf("create watcher: %v", err)})
		return
	}
	if err := watcher.Add(req.Path); err != nil {
		watcher.Close()
		_ = w.Write(wire.TypeError, map[string]any{"message": fmt.Sprintf("watch %s: %v", req.Path, err)})
		return
	}
	d.watchers[req.Path] = watcher
	go pumpWatcher(req.Path, watcher, w)
}

func (d *Dispatcher) handleUnwatch(f wire.Frame, w *wire.Writer) {
	var req struct {
		Path string `json:"path"`
	}
	if err := wire.Decode(f, &req); err != nil || req.Path == "" {
		_ = w.Write(wire.TypeError, map[string]any{"message": "unwatch requires a non-empty path"})
		return
	}

	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if watcher, ok := d.watchers[req.Path]; ok {
		watcher.Close()
		delete(d.watchers, req.Path)
	}
}

func (d *Dispatcher) closeWatchers() {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	for path, watcher := range d.watchers {
		watcher.Close()
		delete(d.watchers, path)
	}
}

// pumpWatcher emits FileChanged events until the watcher is closed
// (Unwatch or gate Shutdown). Writer.Write is safe to call from this
// goroutine concurrently with the main dispatch loop's replies, since
// it serializes the whole prefix+body write under its own mutex.
func pumpWatcher(path string, watcher *fsnotify.Watcher, w *wire.Writer) {
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			_ = w.Write(wire.TypeFileChanged, map[string]any{"path": ev.Name, "op": ev.Op.String()})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			_ = w.Write(wire.TypeGateSystemError, map[string]any{"message": fmt.Sprintf("watch error on %s: %v", path, err)})
		}
	}
}

// runInSubprocess stages archive to a temp file and re-executes the
// current binary in "-run-bundle" mode, piping the module's argument
// envelope on stdin and capturing stdout/stderr separately, per
// spec.md's ModuleResult shape.
func (d *Dispatcher) runInSubprocess(ctx context.Context, archive []byte, moduleName string, args map[string]any, checkMode bool) (stdout, stderr string, err error) {
	return RunInSubprocess(ctx, d.StagingDir, archive, moduleName, args, checkMode)
}

// unzip reads every entry of a zip archive into memory, used both to
// load a baked-in module's Run function at dispatcher start and by the
// "-run-bundle" subprocess to load a bundle's module plus its
// resolved dependencies.
func unzip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		out[f.Name] = content
	}
	return out, nil
}

func moduleArgsEnvelope(args map[string]any, checkMode bool) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	if checkMode {
		out["_ansible_check_mode"] = true
	}
	return out
}
