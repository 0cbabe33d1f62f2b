package gate

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgewire/ftl/internal/bundle"
	"github.com/forgewire/ftl/internal/depscan"
	"github.com/forgewire/ftl/internal/wire"
)

const pingModuleSource = `
package module

import "context"

func Run(ctx context.Context, args map[string]any, checkMode bool) (map[string]any, error) {
	return map[string]any{"pong": true}, nil
}
`

func buildPingEntry(t *testing.T) ModuleEntry {
	t.Helper()
	dir := t.TempDir()
	modFile := filepath.Join(dir, "ping.go")
	if err := os.WriteFile(modFile, []byte(pingModuleSource), 0o644); err != nil {
		t.Fatal(err)
	}

	cache := bundle.NewCache("")
	built, err := cache.Build(bundle.Spec{
		ModuleName: "ping",
		ModuleFile: modFile,
		DepConfig:  depscan.Config{SearchRoots: []string{dir}},
	})
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	return ModuleEntry{Name: "ping", Bundle: built, EntryPath: "ping.go", Async: true}
}

// harness wires a Dispatcher up over an in-memory pipe pair and hands
// back driver-side Reader/Writer so tests can speak the wire protocol
// directly, the same role a real gate connection's transport plays.
type harness struct {
	reader *wire.Reader
	writer *wire.Writer
	done   chan error
}

func startDispatcher(t *testing.T, d *Dispatcher) *harness {
	t.Helper()
	driverReadsFromGate, gateWritesToDriver := io.Pipe()
	gateReadsFromDriver, driverWritesToGate := io.Pipe()

	h := &harness{
		reader: wire.NewReader(driverReadsFromGate),
		writer: wire.NewWriter(driverWritesToGate),
		done:   make(chan error, 1),
	}
	go func() {
		h.done <- d.Serve(context.Background(), gateReadsFromDriver, gateWritesToDriver)
	}()
	return h
}

func helloHandshake(t *testing.T, h *harness) {
	t.Helper()
	if err := h.writer.Write(wire.TypeHello, struct{}{}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	f, err := h.reader.ReadFrame()
	if err != nil {
		t.Fatalf("read hello reply: %v", err)
	}
	if f.Type != wire.TypeHello {
		t.Fatalf("expected Hello reply, got %s", f.Type)
	}
}

func TestHelloHandshake(t *testing.T) {
	d, err := NewDispatcher("abc123", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h := startDispatcher(t, d)
	helloHandshake(t, h)

	if err := h.writer.Write(wire.TypeShutdown, struct{}{}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	f, err := h.reader.ReadFrame()
	if err != nil {
		t.Fatalf("read shutdown reply: %v", err)
	}
	if f.Type != wire.TypeShutdown {
		t.Fatalf("expected Shutdown reply, got %s", f.Type)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return after shutdown")
	}
}

func TestInfoReportsGateHash(t *testing.T) {
	d, err := NewDispatcher("deadbeef0000", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h := startDispatcher(t, d)
	helloHandshake(t, h)

	if err := h.writer.Write(wire.TypeInfo, struct{}{}); err != nil {
		t.Fatalf("send info: %v", err)
	}
	f, err := h.reader.ReadFrame()
	if err != nil {
		t.Fatalf("read info reply: %v", err)
	}
	if f.Type != wire.TypeInfoResult {
		t.Fatalf("expected InfoResult, got %s", f.Type)
	}
	var result map[string]any
	if err := wire.Decode(f, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["gate_hash"] != "deadbeef0000" {
		t.Fatalf("unexpected gate hash: %#v", result["gate_hash"])
	}
}

func TestListModulesReportsBakedInModules(t *testing.T) {
	entry := buildPingEntry(t)
	d, err := NewDispatcher("hash", t.TempDir(), []ModuleEntry{entry})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h := startDispatcher(t, d)
	helloHandshake(t, h)

	if err := h.writer.Write(wire.TypeListModules, struct{}{}); err != nil {
		t.Fatalf("send list modules: %v", err)
	}
	f, err := h.reader.ReadFrame()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if f.Type != wire.TypeListModulesResult {
		t.Fatalf("expected ListModulesResult, got %s", f.Type)
	}
	var result struct {
		Modules []map[string]any `json:"modules"`
	}
	if err := wire.Decode(f, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Modules) != 1 || result.Modules[0]["name"] != "ping" {
		t.Fatalf("unexpected modules list: %#v", result.Modules)
	}
}

func TestFTLModuleFastPathBakedIn(t *testing.T) {
	entry := buildPingEntry(t)
	d, err := NewDispatcher("hash", t.TempDir(), []ModuleEntry{entry})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h := startDispatcher(t, d)
	helloHandshake(t, h)

	req := map[string]any{"module_name": "ping", "module_args": map[string]any{}}
	if err := h.writer.Write(wire.TypeFTLModule, req); err != nil {
		t.Fatalf("send ftl module: %v", err)
	}
	f, err := h.reader.ReadFrame()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if f.Type != wire.TypeFTLModuleResult {
		t.Fatalf("expected FTLModuleResult, got %s", f.Type)
	}
	var result struct {
		Result map[string]any `json:"result"`
	}
	if err := wire.Decode(f, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Result["pong"] != true {
		t.Fatalf("unexpected result: %#v", result.Result)
	}
}

func TestFTLModuleFastPathInlineSource(t *testing.T) {
	d, err := NewDispatcher("hash", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h := startDispatcher(t, d)
	helloHandshake(t, h)

	req := map[string]any{
		"module_name": "inline",
		"module_args": map[string]any{},
		"source":      pingModuleSource,
	}
	if err := h.writer.Write(wire.TypeFTLModule, req); err != nil {
		t.Fatalf("send ftl module: %v", err)
	}
	f, err := h.reader.ReadFrame()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if f.Type != wire.TypeFTLModuleResult {
		t.Fatalf("expected FTLModuleResult, got %s", f.Type)
	}
}

func TestFTLModuleNotFoundWithoutSource(t *testing.T) {
	d, err := NewDispatcher("hash", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h := startDispatcher(t, d)
	helloHandshake(t, h)

	req := map[string]any{"module_name": "missing", "module_args": map[string]any{}}
	if err := h.writer.Write(wire.TypeFTLModule, req); err != nil {
		t.Fatalf("send ftl module: %v", err)
	}
	f, err := h.reader.ReadFrame()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if f.Type != wire.TypeModuleNotFound {
		t.Fatalf("expected ModuleNotFound, got %s", f.Type)
	}
}

func TestModuleNotFoundWhenNoBundleAttached(t *testing.T) {
	d, err := NewDispatcher("hash", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h := startDispatcher(t, d)
	helloHandshake(t, h)

	req := map[string]any{"module_name": "missing", "module_args": map[string]any{}}
	if err := h.writer.Write(wire.TypeModule, req); err != nil {
		t.Fatalf("send module: %v", err)
	}
	f, err := h.reader.ReadFrame()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if f.Type != wire.TypeModuleNotFound {
		t.Fatalf("expected ModuleNotFound, got %s", f.Type)
	}
}

func TestWatchAndUnwatchLifecycle(t *testing.T) {
	d, err := NewDispatcher("hash", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h := startDispatcher(t, d)
	helloHandshake(t, h)

	dir := t.TempDir()
	if err := h.writer.Write(wire.TypeWatch, map[string]any{"path": dir}); err != nil {
		t.Fatalf("send watch: %v", err)
	}
	// Give the watcher goroutine a moment to register before touching
	// the filesystem.
	time.Sleep(50 * time.Millisecond)

	touched := filepath.Join(dir, "touched.txt")
	if err := os.WriteFile(touched, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := readFrameWithTimeout(h, 2*time.Second)
	if err != nil {
		t.Fatalf("expected a FileChanged event: %v", err)
	}
	if f.Type != wire.TypeFileChanged {
		t.Fatalf("expected FileChanged, got %s", f.Type)
	}

	if err := h.writer.Write(wire.TypeUnwatch, map[string]any{"path": dir}); err != nil {
		t.Fatalf("send unwatch: %v", err)
	}
}

func readFrameWithTimeout(h *harness, timeout time.Duration) (wire.Frame, error) {
	type result struct {
		f   wire.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := h.reader.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-time.After(timeout):
		return wire.Frame{}, context.DeadlineExceeded
	}
}

func TestModuleArgsEnvelopeAddsCheckMode(t *testing.T) {
	out := moduleArgsEnvelope(map[string]any{"path": "/tmp/x"}, true)
	if out["_ansible_check_mode"] != true {
		t.Fatal("expected check mode flag to be set")
	}
	if out["path"] != "/tmp/x" {
		t.Fatal("expected original args to be preserved")
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty envelope")
	}
}
