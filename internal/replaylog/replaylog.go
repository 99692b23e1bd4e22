// Package replaylog holds the state a newly attached secondary client needs
// replayed before it sees live traffic: the initialize reply, the session/new
// reply, and the ordered tail of session/update notifications since. See
// spec.md §3 "Replay log" and §4.4.3's eager-push decision (recorded in
// SPEC_FULL.md: this broker eagerly pushes the cached prelude on accept,
// with original IDs intact, rather than waiting for the new client to
// reissue initialize/session/new).
package replaylog

import (
	"encoding/json"
	"sync"

	"github.com/ElleNajt/acp-multiplex/internal/rpc"
)

// Log accumulates the replayable state of one multiplexed agent session. All
// methods are safe for concurrent use; the broker calls Record* and
// AppendUpdate from the single agent-reader goroutine and Snapshot from each
// accept-loop goroutine.
type Log struct {
	mu sync.RWMutex

	initRaw    json.RawMessage // original reply line, ID untouched, for eager replay
	initResult json.RawMessage
	initErr    *rpc.Error

	sessionRaw    json.RawMessage
	sessionResult json.RawMessage
	sessionErr    *rpc.Error

	updates []json.RawMessage
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// RecordInit stores the agent's reply to the first initialize request: raw
// is the untouched wire line (replayed verbatim to late joiners); result and
// errObj are the unwrapped fields used to rebind the reply to a different
// request ID for the short-circuit path in spec.md §4.4.1. Only the first
// call has any effect — initialize is answered by the agent exactly once
// over the broker's lifetime.
func (l *Log) RecordInit(raw, result json.RawMessage, errObj *rpc.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initRaw != nil {
		return
	}
	l.initRaw = append(json.RawMessage(nil), raw...)
	l.initResult = result
	l.initErr = errObj
}

// RecordSession stores the agent's reply to the first session/new request,
// analogous to RecordInit.
func (l *Log) RecordSession(raw, result json.RawMessage, errObj *rpc.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessionRaw != nil {
		return
	}
	l.sessionRaw = append(json.RawMessage(nil), raw...)
	l.sessionResult = result
	l.sessionErr = errObj
}

// HasInit reports whether InitReply has been recorded.
func (l *Log) HasInit() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initRaw != nil
}

// HasSession reports whether SessionReply has been recorded.
func (l *Log) HasSession() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionRaw != nil
}

// RebindInit builds a reply to id carrying the cached InitReply's
// result/error, for a client that issues its own initialize after the
// agent has already answered one. If HasInit is false the returned reply
// carries neither result nor error; callers check HasInit first.
func (l *Log) RebindInit(id json.RawMessage) *rpc.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &rpc.Message{ID: &id, Result: l.initResult, Error: l.initErr}
}

// RebindSession is RebindInit's counterpart for session/new.
func (l *Log) RebindSession(id json.RawMessage) *rpc.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &rpc.Message{ID: &id, Result: l.sessionResult, Error: l.sessionErr}
}

// AppendUpdate records a session/update notification onto the replay tail,
// in arrival order. Must be called from the single goroutine that also
// broadcasts updates live, so the tail's order matches what already-live
// clients saw.
func (l *Log) AppendUpdate(raw json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, append(json.RawMessage(nil), raw...))
}

// Snapshot returns the eager-replay sequence for a newly attached client, in
// order: InitReply (if any), SessionReply (if any), then every recorded
// update, each as an untouched wire line. The returned slice is a private
// copy safe to range over without the log's lock held.
func (l *Log) Snapshot() []json.RawMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]json.RawMessage, 0, len(l.updates)+2)
	if l.initRaw != nil {
		out = append(out, l.initRaw)
	}
	if l.sessionRaw != nil {
		out = append(out, l.sessionRaw)
	}
	out = append(out, l.updates...)
	return out
}
