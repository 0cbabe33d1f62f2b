package gatelife

import (
	"context"
	"io"
	"testing"

	"go.uber.org/goleak"

	"github.com/forgewire/ftl/internal/domain"
	"github.com/forgewire/ftl/internal/gatebuild"
	"github.com/forgewire/ftl/internal/wire"
)

func TestVersionAtLeast(t *testing.T) {
	cases := []struct {
		have, want string
		ok         bool
	}{
		{"go1.22.0", "go1.21", true},
		{"go1.9", "go1.21", false},
		{"go1.21", "go1.21", true},
		{"go1.21.5", "go1.21.0", true},
	}
	for _, c := range cases {
		ok, err := versionAtLeast(c.have, c.want)
		if err != nil {
			t.Fatalf("versionAtLeast(%s, %s): %v", c.have, c.want, err)
		}
		if ok != c.ok {
			t.Fatalf("versionAtLeast(%s, %s) = %v, want %v", c.have, c.want, ok, c.ok)
		}
	}
}

func TestVersionAtLeastRejectsMalformed(t *testing.T) {
	if _, err := versionAtLeast("not-a-version", "go1.21"); err == nil {
		t.Fatal("expected error for malformed version")
	}
}

func TestStartCommandDefaultsToFtlgate(t *testing.T) {
	cmd := startCommand(domain.HostSpec{Name: "h1"}, "/tmp/ftl_gate_abc.zip")
	if cmd != "ftlgate -gate /tmp/ftl_gate_abc.zip" {
		t.Fatalf("unexpected command: %q", cmd)
	}
}

func TestStartCommandHonorsInterpreterOverride(t *testing.T) {
	cmd := startCommand(domain.HostSpec{Name: "h1", Interpreter: "/opt/ftl/ftlgate"}, "/tmp/ftl_gate_abc.zip")
	if cmd != "/opt/ftl/ftlgate -gate /tmp/ftl_gate_abc.zip" {
		t.Fatalf("unexpected command: %q", cmd)
	}
}

// pipeConnection builds a Connection wired directly to an in-memory
// pipe pair, standing in for a real gate process the way gate_test.go
// stands in for a real dispatcher.
func pipeConnection(t *testing.T) (*Connection, *wire.Reader, *wire.Writer) {
	t.Helper()
	driverReadsFromGate, gateWritesToDriver := io.Pipe()
	gateReadsFromDriver, driverWritesToGate := io.Pipe()

	conn := &Connection{
		Host:   "h1",
		writer: wire.NewWriter(driverWritesToGate),
		reader: wire.NewReader(driverReadsFromGate),
		closer: func() error {
			driverWritesToGate.Close()
			return nil
		},
	}
	return conn, wire.NewReader(gateReadsFromDriver), wire.NewWriter(gateWritesToDriver)
}

func TestRequestRoutesEventFramesBeforeReply(t *testing.T) {
	conn, gateReader, gateWriter := pipeConnection(t)

	var routed []wire.Frame
	conn.onEvent = func(host string, f wire.Frame) { routed = append(routed, f) }

	go func() {
		f, err := gateReader.ReadFrame()
		if err != nil || f.Type != wire.TypeInfo {
			return
		}
		gateWriter.Write(wire.TypeFileChanged, map[string]any{"path": "/tmp/x"})
		gateWriter.Write(wire.TypeInfoResult, map[string]any{"gate_hash": "abc"})
	}()

	reply, err := conn.Request(context.Background(), wire.TypeInfo, struct{}{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Type != wire.TypeInfoResult {
		t.Fatalf("expected InfoResult, got %s", reply.Type)
	}
	if len(routed) != 1 || routed[0].Type != wire.TypeFileChanged {
		t.Fatalf("expected one routed FileChanged event, got %#v", routed)
	}
}

func TestManagerShutdownOrderIsReversed(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(Config{}, nil)

	var closedOrder []string
	makeConn := func(name string) *Connection {
		conn, gateReader, gateWriter := pipeConnection(t)
		conn.Host = name
		closePipe := conn.closer
		conn.closer = func() error {
			closedOrder = append(closedOrder, name)
			return closePipe()
		}
		go func() {
			for {
				f, err := gateReader.ReadFrame()
				if err != nil {
					return
				}
				if f.Type == wire.TypeShutdown {
					gateWriter.Write(wire.TypeShutdown, struct{}{})
				}
			}
		}()
		return conn
	}

	m.mu.Lock()
	for _, name := range []string{"a", "b", "c"} {
		m.connections[name] = makeConn(name)
		m.order = append(m.order, name)
	}
	m.mu.Unlock()

	if errs := m.Shutdown(context.Background()); len(errs) != 0 {
		t.Fatalf("unexpected shutdown errors: %v", errs)
	}
	want := []string{"c", "b", "a"}
	if len(closedOrder) != len(want) {
		t.Fatalf("closed %v, want %v", closedOrder, want)
	}
	for i := range want {
		if closedOrder[i] != want[i] {
			t.Fatalf("closed %v, want %v", closedOrder, want)
		}
	}
	if len(m.Connections()) != 0 {
		t.Fatal("expected no connections left after shutdown")
	}
}

func TestGetRejectsLocalHost(t *testing.T) {
	m := NewManager(Config{}, nil)
	_, err := m.Get(context.Background(), domain.HostSpec{Name: "local1", Connection: domain.ConnectionLocal}, gatebuild.Spec{})
	if err == nil {
		t.Fatal("expected error for local host")
	}
}
