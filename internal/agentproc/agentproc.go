// Package agentproc owns the single upstream agent child process: spawning
// it, bridging its stdio through the framed transport, and signaling the
// broker when it exits. This is component C2 of spec.md §2.
package agentproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/ElleNajt/acp-multiplex/internal/diag"
	"github.com/ElleNajt/acp-multiplex/internal/rpc"
	"github.com/ElleNajt/acp-multiplex/internal/transport"
)

// Agent wraps the spawned agent process and its framed stdio.
type Agent struct {
	cmd    *exec.Cmd
	writer *transport.Writer
	reader *transport.Reader
	logger *diag.Logger

	// outbound serializes every write to the agent's stdin behind one
	// queue. It is a channel buffered to 256 messages, not an unbounded
	// queue: Send blocks while it is full. A single writer goroutine drains
	// it so concurrent client requests never interleave partial lines on
	// the wire.
	outbound chan rpc.Message

	done      chan struct{}
	closeOnce sync.Once
}

// Start spawns argv[0] with argv[1:] as its arguments, wiring stdin/stdout
// through the framed transport and passing stderr straight through to the
// multiplexer's own stderr (the same stream the socket-path contract line
// is printed on, so diagnostics prefix themselves to stay distinguishable).
func Start(ctx context.Context, argv []string, maxLine int, logger *diag.Logger) (*Agent, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("agentproc: no agent command specified")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agentproc: create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentproc: create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentproc: start %q: %w", argv[0], err)
	}

	a := &Agent{
		cmd:      cmd,
		writer:   transport.NewWriter(stdin),
		reader:   transport.NewReader(stdout, maxLine),
		logger:   logger,
		outbound: make(chan rpc.Message, 256),
		done:     make(chan struct{}),
	}
	a.reader.OnBadLine = func(b transport.BadLine) {
		logger.Warn("agent stdout: dropping malformed line: %v", b.Err)
	}

	go a.runWriter(stdin)

	return a, nil
}

// runWriter drains the outbound queue to the agent's stdin until Close is
// called or the pipe write fails (agent exited).
//
// It selects on done rather than ranging over outbound: Close only closes
// done, never outbound, so a concurrent Send can never race a send against
// a closed channel.
func (a *Agent) runWriter(stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		select {
		case msg := <-a.outbound:
			if err := a.writer.Write(&msg); err != nil {
				a.logger.Error("agent stdin write failed: %v", err)
				return
			}
		case <-a.done:
			return
		}
	}
}

// Send enqueues msg for delivery to the agent's stdin. It blocks while the
// 256-message queue is full, until the writer drains a slot or Close is
// called; after Close it returns without delivering msg.
func (a *Agent) Send(msg *rpc.Message) {
	select {
	case a.outbound <- *msg:
	case <-a.done:
	}
}

// Next blocks for the next message the agent writes to stdout. It returns
// io.EOF (or the underlying read error) once the agent closes stdout,
// typically because it exited.
func (a *Agent) Next() (*rpc.Message, error) {
	for {
		msg, err := a.reader.Next()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue // malformed line, already logged, keep reading
		}
		return msg, nil
	}
}

// Close stops the outbound writer goroutine and signals Done. It does not
// itself wait for or kill the child process — call Wait for that.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
	})
}

// Wait blocks until the agent process exits and returns its exit error (nil
// on a clean exit). Callers use exec.ExitError to recover an exit code for
// CLI propagation, per spec.md §6.
func (a *Agent) Wait() error {
	return a.cmd.Wait()
}

// Done reports the channel closed by Close, for select-based shutdown
// coordination elsewhere in the broker.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}
