package replaylog

import (
	"encoding/json"
	"testing"
)

func TestRecordInitOnlyFirstWins(t *testing.T) {
	l := New()
	if l.HasInit() {
		t.Fatalf("expected a new log to have no InitReply")
	}

	l.RecordInit(json.RawMessage(`{"id":1,"result":{"a":1}}`), json.RawMessage(`{"a":1}`), nil)
	l.RecordInit(json.RawMessage(`{"id":2,"result":{"a":2}}`), json.RawMessage(`{"a":2}`), nil)

	if !l.HasInit() {
		t.Fatalf("expected HasInit true after RecordInit")
	}
	rebound := l.RebindInit(json.RawMessage("99"))
	if string(rebound.Result) != `{"a":1}` {
		t.Fatalf("expected the first RecordInit to win, got result %q", rebound.Result)
	}
}

func TestRebindUsesRequestedID(t *testing.T) {
	l := New()
	l.RecordSession(json.RawMessage(`{"id":5,"result":{"sessionId":"s1"}}`), json.RawMessage(`{"sessionId":"s1"}`), nil)

	id := json.RawMessage("123")
	rebound := l.RebindSession(id)
	if string(*rebound.ID) != "123" {
		t.Fatalf("expected rebound reply id 123, got %s", *rebound.ID)
	}
	if string(rebound.Result) != `{"sessionId":"s1"}` {
		t.Fatalf("expected cached session result, got %q", rebound.Result)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	l := New()
	initLine := json.RawMessage(`{"id":1,"result":{}}`)
	sessLine := json.RawMessage(`{"id":2,"result":{"sessionId":"s1"}}`)
	l.RecordInit(initLine, json.RawMessage(`{}`), nil)
	l.RecordSession(sessLine, json.RawMessage(`{"sessionId":"s1"}`), nil)
	l.AppendUpdate(json.RawMessage(`{"method":"session/update","params":{"n":1}}`))
	l.AppendUpdate(json.RawMessage(`{"method":"session/update","params":{"n":2}}`))

	snap := l.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("expected 4 replay entries, got %d", len(snap))
	}
	if string(snap[0]) != string(initLine) {
		t.Fatalf("expected InitReply first, got %q", snap[0])
	}
	if string(snap[1]) != string(sessLine) {
		t.Fatalf("expected SessionReply second, got %q", snap[1])
	}
}

func TestSnapshotIsolatedFromFutureAppends(t *testing.T) {
	l := New()
	l.AppendUpdate(json.RawMessage(`{"method":"session/update","params":{"n":1}}`))
	snap := l.Snapshot()
	l.AppendUpdate(json.RawMessage(`{"method":"session/update","params":{"n":2}}`))
	if len(snap) != 1 {
		t.Fatalf("expected earlier snapshot to be unaffected by a later append, got %d entries", len(snap))
	}
}
