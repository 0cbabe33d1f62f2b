// Package transport opens and drives SSH connections to automation
// targets (spec.md §4.6). It is the only way this engine reaches a
// remote host; there is no vsock or gRPC transport here, only SSH.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/forgewire/ftl/internal/domain"
)

// HostKeyPolicy controls how an SSH connection verifies the remote
// host's key.
type HostKeyPolicy string

const (
	// HostKeyStrict rejects any host key not already in the known
	// hosts file.
	HostKeyStrict HostKeyPolicy = "strict"
	// HostKeyLenient accepts and records unknown host keys (trust on
	// first use) but still rejects a key that conflicts with one
	// already recorded for that host.
	HostKeyLenient HostKeyPolicy = "lenient"
	// HostKeyDisabled accepts any host key. Only for lab/test use.
	HostKeyDisabled HostKeyPolicy = "disabled"
)

// Config controls connection behavior shared across every host.
type Config struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	HostKeyPolicy  HostKeyPolicy
	KnownHostsFile string
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.HostKeyPolicy == "" {
		c.HostKeyPolicy = HostKeyStrict
	}
	return c
}

// Connection wraps one live *ssh.Client.
type Connection struct {
	Host   string
	client *ssh.Client
}

// Close closes the underlying SSH client.
func (c *Connection) Close() error {
	return c.client.Close()
}

// RunCommand runs remoteCmd on a new SSH session over this connection
// and returns its combined stdout/stderr.
func (c *Connection) RunCommand(ctx context.Context, remoteCmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()
	defer close(done)

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(remoteCmd); err != nil {
		return out.Bytes(), fmt.Errorf("run remote command: %w", err)
	}
	return out.Bytes(), nil
}

// PathExists runs a cheap remote existence check, used by the gate
// lifecycle manager to honor "re-staging a bundle with the same hash
// is a no-op" (spec.md's GateConnection invariant).
func (c *Connection) PathExists(ctx context.Context, path string) (bool, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return false, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()
	defer close(done)

	err = session.Run(fmt.Sprintf("test -e %s", shellQuote(path)))
	if err == nil {
		return true, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("check remote path %s: %w", path, err)
}

// UploadFile writes data to remotePath over the SCP sink protocol: a
// minimal, single-file implementation of the same raw "scp -t" wire
// exchange used for staging bundles/gates onto a remote host.
func (c *Connection) UploadFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}

	dir := filepath.Dir(remotePath)
	name := filepath.Base(remotePath)

	errCh := make(chan error, 1)
	go func() {
		defer stdin.Close()
		fmt.Fprintf(stdin, "C%04o %d %s\n", mode.Perm(), len(data), name)
		stdin.Write(data)
		fmt.Fprint(stdin, "\x00")
		errCh <- nil
	}()

	if err := session.Run(fmt.Sprintf("scp -qt %s", shellQuote(dir))); err != nil {
		return fmt.Errorf("scp to %s: %w", remotePath, err)
	}
	return <-errCh
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// StartCommand opens a new session and starts remoteCmd without
// waiting for it to finish, returning its stdin/stdout pipes so the
// caller can speak a long-running protocol (e.g. the gate dispatcher)
// over them. The caller owns session.Close()/session.Wait().
func (c *Connection) StartCommand(remoteCmd string) (stdin io.WriteCloser, stdout io.Reader, session *ssh.Session, err error) {
	session, err = c.client.NewSession()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session: %w", err)
	}
	stdin, err = session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err = session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	if err := session.Start(remoteCmd); err != nil {
		session.Close()
		return nil, nil, nil, fmt.Errorf("start remote command %q: %w", remoteCmd, err)
	}
	return stdin, stdout, session, nil
}

// Subsystem opens a new session, requests the named SSH subsystem on
// it (for example "ftlgate", where the remote sshd is configured for
// one) and returns the session, which the caller must Close or Wait.
// No stdin or stdout pipes are returned.
func (c *Connection) Subsystem(name string) (*ssh.Session, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := session.RequestSubsystem(name); err != nil {
		session.Close()
		return nil, fmt.Errorf("request subsystem %s: %w", name, err)
	}
	return session, nil
}

// Dial establishes a connection to host, retrying per cfg.RetryAttempts
// with cfg.RetryBackoff between attempts.
func Dial(ctx context.Context, host domain.HostSpec, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt < cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, err := dialOnce(ctx, host, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", host.Name, cfg.RetryAttempts, lastErr)
}

func dialOnce(ctx context.Context, host domain.HostSpec, cfg Config) (*Connection, error) {
	clientCfg, err := buildClientConfig(host, cfg)
	if err != nil {
		return nil, err
	}

	port := host.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host.Address, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(raw, addr, clientCfg)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)
	return &Connection{Host: host.Name, client: client}, nil
}

// buildClientConfig resolves auth methods in precedence order: an
// explicit private key path, then a password, then the config's
// default interpreter-bound key locations are NOT searched here
// (unlike a human's ssh client, a gate host must be explicit about
// its credential, since there is no interactive terminal to prompt).
func buildClientConfig(host domain.HostSpec, cfg Config) (*ssh.ClientConfig, error) {
	if host.User == "" {
		return nil, fmt.Errorf("host %s has no user configured", host.Name)
	}

	var methods []ssh.AuthMethod
	switch {
	case host.PrivateKeyPath != "":
		signer, err := loadPrivateKey(host.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load private key for %s: %w", host.Name, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case host.Password != "":
		methods = append(methods, ssh.Password(host.Password))
	default:
		return nil, fmt.Errorf("host %s has neither a private key nor a password configured", host.Name)
	}

	hostKeyCallback, err := buildHostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return signer, nil
}

func buildHostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.HostKeyPolicy == HostKeyDisabled {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	knownHostsPath := expandHome(cfg.KnownHostsFile)
	if knownHostsPath == "" {
		return nil, fmt.Errorf("known hosts file path is required for host key policy %q", cfg.HostKeyPolicy)
	}
	if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0o700); err != nil {
		return nil, fmt.Errorf("create known hosts dir: %w", err)
	}
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		if err := os.WriteFile(knownHostsPath, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create known hosts file: %w", err)
		}
	}

	validate, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	if cfg.HostKeyPolicy == HostKeyStrict {
		return validate, nil
	}

	// Lenient: accept an unknown host key and append it; still reject
	// a key that conflicts with one already on file.
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := validate(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !isKnownHostsNotFoundError(err, &keyErr) {
			return err
		}
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		f, ferr := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_WRONLY, 0o600)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		_, werr := f.WriteString(line + "\n")
		return werr
	}, nil
}

func isKnownHostsNotFoundError(err error, target **knownhosts.KeyError) bool {
	keyErr, ok := err.(*knownhosts.KeyError)
	if !ok {
		return false
	}
	*target = keyErr
	return len(keyErr.Want) == 0
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
