// Package socketacceptor binds the Unix domain socket secondary clients
// connect to, accepts connections, and wires each one into the broker. This
// is component C5 of spec.md §2.
package socketacceptor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ElleNajt/acp-multiplex/internal/broker"
	"github.com/ElleNajt/acp-multiplex/internal/diag"
	"github.com/ElleNajt/acp-multiplex/internal/registry"
	"github.com/ElleNajt/acp-multiplex/internal/transport"
)

// socketPermissions restricts the socket to the owning user, per spec.md
// §4.5's explicit 0600 requirement.
const socketPermissions = 0o600

// Path chooses the Unix socket path: under $XDG_RUNTIME_DIR if set,
// otherwise os.TempDir(), named with a fresh UUID so concurrent multiplexer
// instances never collide.
func Path() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("acp-multiplex-%s.sock", uuid.New().String()))
}

// Acceptor listens on a Unix socket and attaches every accepted connection
// to the broker as a secondary client.
type Acceptor struct {
	path     string
	listener *net.UnixListener
	broker   *broker.Broker
	reg      *registry.Registry
	logger   *diag.Logger
	maxLine  int
}

// Listen binds path (removing any stale socket file first) and sets its
// permissions to owner-only.
func Listen(path string, br *broker.Broker, reg *registry.Registry, logger *diag.Logger, maxLine int) (*Acceptor, error) {
	_ = os.Remove(path) // clear a stale socket from a prior unclean exit

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("socketacceptor: resolve %q: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("socketacceptor: listen on %q: %w", path, err)
	}
	if err := os.Chmod(path, socketPermissions); err != nil {
		ln.Close()
		return nil, fmt.Errorf("socketacceptor: chmod %q: %w", path, err)
	}

	// Contractually parsed by external tooling: the literal substring
	// "socket " must precede the path on this stderr line, per spec.md §4.5.
	fmt.Fprintf(os.Stderr, "acp-multiplex: listening on socket %s\n", path)

	return &Acceptor{path: path, listener: ln, broker: br, reg: reg, logger: logger, maxLine: maxLine}, nil
}

// Path returns the bound socket path.
func (a *Acceptor) Path() string { return a.path }

// Close stops accepting and unlinks the socket file.
func (a *Acceptor) Close() error {
	err := a.listener.Close()
	_ = os.Remove(a.path)
	return err
}

// Run accepts connections until ctx is canceled or the listener errors,
// spawning a client read/write lifecycle for each. It returns nil on a
// clean shutdown (ctx canceled) and the accept error otherwise.
func (a *Acceptor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("socketacceptor: accept: %w", err)
			}
		}
		go a.serve(conn)
	}
}

// serve wires one accepted connection into the registry and broker: it
// attaches a client, seeding its outbound queue with the eagerly-replayed
// cached session state as part of that same attach step, then reads frames
// until the connection drops.
func (a *Acceptor) serve(conn net.Conn) {
	defer conn.Close()

	writer := transport.NewWriter(conn)
	client := a.reg.Attach(false, writer, a.broker.SnapshotFn(), func(c *registry.Client, err error) {
		a.logger.Warn("client %s detached: %v", c.Identity, err)
		conn.Close()
	})
	defer a.reg.Detach(client)

	reader := transport.NewReader(conn, a.maxLine)
	reader.OnBadLine = func(b transport.BadLine) {
		a.logger.Warn("client %s: dropping malformed line: %v", client.Identity, b.Err)
	}

	for {
		msg, err := reader.Next()
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}
		a.broker.HandleClientMessage(client, msg)
	}
}
