// Command acp-multiplex sits between one upstream ACP agent process and
// multiple clients: the caller's own stdio as the primary client, and any
// number of secondary clients attaching over a Unix domain socket whose
// path is printed to stderr on startup.
//
// Usage: acp-multiplex <agent-command> [agent-args...]
//
// Argument parsing is deliberately just os.Args passthrough — spec.md
// treats CLI flag parsing as an external concern, and the multiplexer
// itself takes no flags of its own.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ElleNajt/acp-multiplex/internal/agentproc"
	"github.com/ElleNajt/acp-multiplex/internal/broker"
	"github.com/ElleNajt/acp-multiplex/internal/diag"
	"github.com/ElleNajt/acp-multiplex/internal/registry"
	"github.com/ElleNajt/acp-multiplex/internal/replaylog"
	"github.com/ElleNajt/acp-multiplex/internal/socketacceptor"
	"github.com/ElleNajt/acp-multiplex/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: acp-multiplex <agent-command> [agent-args...]")
		return 2
	}
	argv := os.Args[1:]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logPath := os.Getenv("ACP_MULTIPLEX_LOG")
	if logPath == "" {
		logPath = diagLogDefault()
	}
	logger := diag.New(logPath, 10, true)
	defer logger.Close()

	agent, err := agentproc.Start(ctx, argv, transport.DefaultMaxLineSize, logger)
	if err != nil {
		log.Printf("acp-multiplex: failed to start agent: %v", err)
		return 1
	}

	reg := registry.New(logger)
	replay := replaylog.New()
	br := broker.New(agent, reg, replay, logger)

	primary := reg.Attach(true, transport.NewWriter(os.Stdout), nil, func(c *registry.Client, err error) {
		logger.Warn("primary client detached: %v", err)
		cancel()
	})

	sockPath := socketacceptor.Path()
	acceptor, err := socketacceptor.Listen(sockPath, br, reg, logger, transport.DefaultMaxLineSize)
	if err != nil {
		log.Printf("acp-multiplex: failed to bind socket: %v", err)
		return 1
	}
	defer acceptor.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := acceptor.Run(ctx); err != nil {
			logger.Error("socket acceptor stopped: %v", err)
		}
	}()

	// Agent -> broker pump.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, err := agent.Next()
			if err != nil {
				logger.Info("agent stdout closed: %v", err)
				cancel()
				return
			}
			br.HandleAgentMessage(msg)
		}
	}()

	// Primary stdin -> broker pump.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer reg.Detach(primary)
		stdin := transport.NewReader(os.Stdin, transport.DefaultMaxLineSize)
		stdin.OnBadLine = func(b transport.BadLine) {
			logger.Warn("primary: dropping malformed line: %v", b.Err)
		}
		for {
			msg, err := stdin.Next()
			if err != nil {
				logger.Info("primary stdin closed: %v", err)
				cancel()
				return
			}
			if msg == nil {
				continue
			}
			br.HandleClientMessage(primary, msg)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal %s, shutting down", sig)
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	cancel()
	agent.Close()
	acceptor.Close()

	waitErr := agent.Wait()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("shutdown drain timed out")
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr != nil {
		logger.Error("agent process error: %v", waitErr)
		return 1
	}
	return 0
}

// diagLogDefault places the rotating diagnostics log alongside the socket,
// under $XDG_RUNTIME_DIR or the system temp directory.
func diagLogDefault() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return dir + "/acp-multiplex.log"
}
