// Package diag provides the broker's lifecycle diagnostics logger.
//
// It is deliberately separate from the two things that must never be
// touched by a stray log line: the primary client's stdio transport and the
// agent's stdio transport. Diagnostics go to a rotating file and, for a
// small set of user-relevant events, to the broker's own stderr — the same
// stream that carries the `listening on socket <path>` contract line, so
// diagnostic lines are prefixed to stay visually distinct from it.
package diag

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes broker lifecycle events to a rotating file, and optionally
// mirrors user-relevant ones to stderr.
type Logger struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	stderr bool
}

// New creates a diagnostics logger writing to path, rotated by lumberjack
// once it exceeds maxSizeMB. If path is empty, no file is written (still
// safe to call every method below); WARN and ERROR lines still go to stderr
// when mirrorToStderr is set.
func New(path string, maxSizeMB int, mirrorToStderr bool) *Logger {
	l := &Logger{stderr: mirrorToStderr}
	if path == "" {
		return l
	}
	l.out = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		Compress:   false,
	}
	return l
}

// Close flushes and closes the rotating log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	if l.out != nil {
		fmt.Fprintf(l.out, "%s [%s] %s\n", time.Now().Format("2006-01-02T15:04:05.000Z07:00"), level, msg)
	}
	if l.stderr && (level == "WARN" || level == "ERROR") {
		fmt.Fprintf(os.Stderr, "acp-multiplex: %s: %s\n", level, msg)
	}
}

// Debug records a per-message routing detail: file only, never stderr.
func (l *Logger) Debug(format string, args ...interface{}) { l.write("DEBUG", format, args...) }

// Info records a lifecycle event (client attach/detach, agent start).
func (l *Logger) Info(format string, args ...interface{}) { l.write("INFO", format, args...) }

// Warn records a recoverable anomaly (slow-reader eviction, dropped reply).
func (l *Logger) Warn(format string, args ...interface{}) { l.write("WARN", format, args...) }

// Error records a fatal or near-fatal condition (agent exit, listener failure).
func (l *Logger) Error(format string, args ...interface{}) { l.write("ERROR", format, args...) }
