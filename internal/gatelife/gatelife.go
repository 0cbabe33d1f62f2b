// Package gatelife manages the lifecycle of a resident gate on each
// remote host (spec.md §4.5/§4.7): building or reusing its archive,
// staging it onto the host, starting the dispatcher process, running
// the initial Hello handshake (plus Info when a minimum interpreter
// version is configured), and tearing every connection down
// in reverse-registration order on shutdown.
//
// One Manager serves an entire run. Connections are cached per host
// name; the first caller for a given host pays the cost of build,
// transfer, and handshake, and every later caller for that host gets
// the same *Connection back.
package gatelife

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forgewire/ftl/internal/domain"
	"github.com/forgewire/ftl/internal/gatebuild"
	"github.com/forgewire/ftl/internal/transport"
	"github.com/forgewire/ftl/internal/wire"
)

// Config controls how gates are staged and started.
type Config struct {
	Transport transport.Config
	// RemoteDir is where gate archives are staged on the target host,
	// e.g. "/tmp". The gate's own filename embeds its content hash, so
	// re-staging the same gate against the same host is a no-op.
	RemoteDir string
	// HandshakeTimeout bounds the Hello/Info exchange during connect.
	HandshakeTimeout time.Duration
	// MinInterpreterVersion, if set, is the lowest acceptable
	// "go1.NN[.P]" string reported by a gate's InfoResult; connect
	// fails a host whose gate reports an older runtime.
	MinInterpreterVersion string
}

// EventHandler receives event frames (FileChanged, GateSystemError)
// that arrive on a connection outside of a request/reply exchange.
type EventHandler func(host string, f wire.Frame)

// Connection is one live, handshaken link to a host's gate process.
// Every exported method is safe for concurrent use; Request serializes
// the send/receive pair so two goroutines invoking modules on the same
// host never interleave their frames.
type Connection struct {
	Host      string
	GateHash  string
	connected time.Time

	mu     sync.Mutex
	writer *wire.Writer
	reader *wire.Reader

	closer  func() error
	onEvent EventHandler
}

// Request writes one frame and blocks for its reply, transparently
// routing any event frames that arrive first to onEvent and continuing
// to wait. This is the only way callers should talk to a gate; holding
// the Connection's mutex across the full round trip is what gives two
// concurrent invocations against the same host a well-defined order
// instead of a garbled interleaving of frames.
func (c *Connection) Request(ctx context.Context, msgType wire.Type, data any) (wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writer.Write(msgType, data); err != nil {
		return wire.Frame{}, fmt.Errorf("send %s to %s: %w", msgType, c.Host, err)
	}
	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			return wire.Frame{}, fmt.Errorf("await reply from %s: %w", c.Host, err)
		}
		if wire.IsEvent(f.Type) {
			if c.onEvent != nil {
				c.onEvent(c.Host, f)
			}
			continue
		}
		return f, nil
	}
}

// PollEvent blocks for exactly one incoming frame, without writing
// anything first. It exists for listen mode (spec.md §4.9): a caller
// that isn't awaiting any particular reply but wants to drain whatever
// arrives next. Unlike Request, it does not invoke onEvent itself —
// the caller (internal/events.Router.Listen) owns dispatch for frames
// read this way, so an event is never delivered twice.
//
// The underlying reader has no deadline support, so ctx cancellation
// is enforced by racing the blocking read against ctx.Done() in a
// background goroutine; that goroutine leaks until the connection
// itself is closed if ctx is cancelled first.
func (c *Connection) PollEvent(ctx context.Context) (wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type result struct {
		f   wire.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := c.reader.ReadFrame()
		ch <- result{f, err}
	}()

	select {
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case r := <-ch:
		return r.f, r.err
	}
}

// Close sends Shutdown, waits briefly for the reply, and releases the
// underlying transport regardless of whether the gate replies in time.
func (c *Connection) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _ = c.Request(shutdownCtx, wire.TypeShutdown, struct{}{})
	return c.closer()
}

// Manager owns the per-host connection cache and the gate archive
// cache it builds from.
type Manager struct {
	cfg       Config
	gateCache *gatebuild.Cache

	connectOnce singleflight.Group

	mu          sync.Mutex
	connections map[string]*Connection
	order       []string // registration order, for reverse teardown
	onEvent     EventHandler
}

func NewManager(cfg Config, gateCache *gatebuild.Cache) *Manager {
	return &Manager{
		cfg:         cfg,
		gateCache:   gateCache,
		connections: map[string]*Connection{},
	}
}

// OnEvent registers the handler invoked for event frames arriving on
// any connection this Manager owns. Typically wired to an event
// router's dispatch method.
func (m *Manager) OnEvent(h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = h
}

// Get returns the cached connection for host, connecting and
// handshaking it first if this is the first request for that host.
// Concurrent first-callers for the same host are deduplicated: exactly
// one of them performs the connect, the rest block on its result.
func (m *Manager) Get(ctx context.Context, host domain.HostSpec, gateSpec gatebuild.Spec) (*Connection, error) {
	if host.IsLocal() {
		return nil, fmt.Errorf("host %q is local; gatelife does not manage local invocations", host.Name)
	}

	m.mu.Lock()
	if c, ok := m.connections[host.Name]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	v, err, _ := m.connectOnce.Do(host.Name, func() (any, error) {
		m.mu.Lock()
		if c, ok := m.connections[host.Name]; ok {
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()

		conn, err := m.connect(ctx, host, gateSpec)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		conn.onEvent = m.onEvent
		m.connections[host.Name] = conn
		m.order = append(m.order, host.Name)
		m.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (m *Manager) connect(ctx context.Context, host domain.HostSpec, gateSpec gatebuild.Spec) (*Connection, error) {
	built, err := m.gateCache.Build(gateSpec)
	if err != nil {
		return nil, fmt.Errorf("build gate for %s: %w", host.Name, err)
	}

	tconn, err := transport.Dial(ctx, host, m.cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host.Name, err)
	}

	remotePath := fmt.Sprintf("%s/ftl_gate_%s.zip", strings.TrimRight(m.cfg.RemoteDir, "/"), built.Ref.Hash)
	exists, err := tconn.PathExists(ctx, remotePath)
	if err != nil {
		tconn.Close()
		return nil, fmt.Errorf("check staged gate on %s: %w", host.Name, err)
	}
	if !exists {
		if err := tconn.UploadFile(ctx, remotePath, built.Bytes, 0o644); err != nil {
			tconn.Close()
			return nil, fmt.Errorf("stage gate on %s: %w", host.Name, err)
		}
	}

	remoteCmd := startCommand(host, remotePath)
	stdin, stdout, session, err := tconn.StartCommand(remoteCmd)
	if err != nil {
		tconn.Close()
		return nil, fmt.Errorf("start gate on %s: %w", host.Name, err)
	}

	conn := &Connection{
		Host:      host.Name,
		GateHash:  built.Ref.Hash,
		connected: time.Now(),
		writer:    wire.NewWriter(stdin),
		reader:    wire.NewReader(stdout),
		closer: func() error {
			stdin.Close()
			session.Close()
			return tconn.Close()
		},
	}

	if err := m.handshake(ctx, conn); err != nil {
		conn.closer()
		return nil, fmt.Errorf("handshake with %s: %w", host.Name, err)
	}
	return conn, nil
}

// startCommand builds the remote invocation that launches the gate
// from its staged archive. host.Interpreter overrides the default
// "ftlgate" binary name, matching the same ansible_python_interpreter
// override convention the inventory already recognizes for the
// module's own execution path.
func startCommand(host domain.HostSpec, remotePath string) string {
	bin := host.Interpreter
	if bin == "" {
		bin = "ftlgate"
	}
	return fmt.Sprintf("%s -gate %s", bin, remotePath)
}

func (m *Manager) handshake(ctx context.Context, conn *Connection) error {
	timeout := m.cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := conn.Request(hctx, wire.TypeHello, struct{}{}); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if m.cfg.MinInterpreterVersion == "" {
		return nil
	}
	f, err := conn.Request(hctx, wire.TypeInfo, struct{}{})
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	var info struct {
		InterpreterVersion string `json:"interpreter_version"`
	}
	if err := wire.Decode(f, &info); err != nil {
		return fmt.Errorf("decode info: %w", err)
	}
	ok, err := versionAtLeast(info.InterpreterVersion, m.cfg.MinInterpreterVersion)
	if err != nil {
		return fmt.Errorf("compare interpreter version: %w", err)
	}
	if !ok {
		return fmt.Errorf("gate interpreter %s is older than required minimum %s", info.InterpreterVersion, m.cfg.MinInterpreterVersion)
	}
	return nil
}

// versionAtLeast compares two "go1.NN[.P]" version strings numerically,
// component by component, so "go1.9" doesn't lexically outrank
// "go1.21".
func versionAtLeast(have, want string) (bool, error) {
	haveParts, err := parseGoVersion(have)
	if err != nil {
		return false, err
	}
	wantParts, err := parseGoVersion(want)
	if err != nil {
		return false, err
	}
	for i := 0; i < len(wantParts); i++ {
		var h int
		if i < len(haveParts) {
			h = haveParts[i]
		}
		if h != wantParts[i] {
			return h > wantParts[i], nil
		}
	}
	return true, nil
}

func parseGoVersion(v string) ([]int, error) {
	v = strings.TrimPrefix(v, "go")
	fields := strings.Split(v, ".")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("malformed version %q", v)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty version string")
	}
	return out, nil
}

// Shutdown tears down every cached connection in the reverse order it
// was registered, so a host that depends on another having been set up
// first (none currently do, but the ordering is cheap to keep correct)
// is never torn down out of turn.
func (m *Manager) Shutdown(ctx context.Context) []error {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		host := order[i]
		m.mu.Lock()
		conn, ok := m.connections[host]
		delete(m.connections, host)
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := conn.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", host, err))
		}
	}
	m.mu.Lock()
	m.order = nil
	m.mu.Unlock()
	return errs
}

// Connections returns a snapshot of every currently cached connection,
// keyed by host name. Used by the event router to listen across every
// live gate at once.
func (m *Manager) Connections() map[string]*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Connection, len(m.connections))
	for k, v := range m.connections {
		out[k] = v
	}
	return out
}
