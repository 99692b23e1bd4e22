package broker

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ElleNajt/acp-multiplex/internal/diag"
	"github.com/ElleNajt/acp-multiplex/internal/registry"
	"github.com/ElleNajt/acp-multiplex/internal/replaylog"
	"github.com/ElleNajt/acp-multiplex/internal/rpc"
	"github.com/ElleNajt/acp-multiplex/internal/transport"
)

func discardLogger() *diag.Logger {
	return diag.New("", 0, false)
}

// waitForBuf polls buf until it is non-empty: client delivery happens on a
// per-client writer goroutine, asynchronously from HandleClientMessage and
// HandleAgentMessage returning.
func waitForBuf(t *testing.T, buf *bytes.Buffer) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if buf.Len() > 0 {
			return buf.String()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected client buffer to receive a delivery before the deadline")
	return ""
}

// fakeAgent records every message the broker sends toward the agent, so
// tests can assert on the rewritten id without a real subprocess.
type fakeAgent struct {
	mu  sync.Mutex
	out []*rpc.Message
}

func (f *fakeAgent) Send(msg *rpc.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, msg)
}

func (f *fakeAgent) last() *rpc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return nil
	}
	return f.out[len(f.out)-1]
}

func TestRequestIDIsRewritten(t *testing.T) {
	agent := &fakeAgent{}
	reg := registry.New(discardLogger())
	replay := replaylog.New()
	br := New(agent, reg, replay, discardLogger())

	var buf bytes.Buffer
	client := reg.Attach(true, transport.NewWriter(&buf), nil, nil)

	ownID := json.RawMessage("1")
	br.HandleClientMessage(client, &rpc.Message{ID: &ownID, Method: "initialize", Params: json.RawMessage(`{}`)})

	sent := agent.last()
	if sent == nil {
		t.Fatalf("expected the broker to forward the request to the agent")
	}
	if string(*sent.ID) == "1" {
		t.Fatalf("expected the client's own id to be rewritten before reaching the agent, got %s", *sent.ID)
	}

	_, gotOwnID, gotMethod, ok := reg.ResolvePending(*sent.ID)
	if !ok {
		t.Fatalf("expected a pending-request entry for the rewritten agent id")
	}
	if string(gotOwnID) != "1" {
		t.Fatalf("expected the pending entry to remember the client's own id 1, got %s", gotOwnID)
	}
	if gotMethod != "initialize" {
		t.Fatalf("expected the pending entry to remember the method, got %s", gotMethod)
	}
}

func TestAgentReplyIsReboundToClientID(t *testing.T) {
	agent := &fakeAgent{}
	reg := registry.New(discardLogger())
	replay := replaylog.New()
	br := New(agent, reg, replay, discardLogger())

	var buf bytes.Buffer
	client := reg.Attach(true, transport.NewWriter(&buf), nil, nil)

	ownID := json.RawMessage("7")
	br.HandleClientMessage(client, &rpc.Message{ID: &ownID, Method: rpc.MethodInitialize, Params: json.RawMessage(`{}`)})

	agentID := *agent.last().ID
	br.HandleAgentMessage(&rpc.Message{ID: &agentID, Result: json.RawMessage(`{"agentInfo":{}}`)})

	if got := waitForBuf(t, &buf); !strings.Contains(got, `"id":7`) {
		t.Fatalf("expected the reply rebound to the client's own id 7, got %q", got)
	}
	if !replay.HasInit() {
		t.Fatalf("expected the initialize reply to populate the replay log")
	}
}

func TestShortCircuitsInitializeOnSecondRequest(t *testing.T) {
	agent := &fakeAgent{}
	reg := registry.New(discardLogger())
	replay := replaylog.New()
	br := New(agent, reg, replay, discardLogger())

	var buf1, buf2 bytes.Buffer
	c1 := reg.Attach(true, transport.NewWriter(&buf1), nil, nil)
	c2 := reg.Attach(false, transport.NewWriter(&buf2), nil, nil)

	id1 := json.RawMessage("1")
	br.HandleClientMessage(c1, &rpc.Message{ID: &id1, Method: rpc.MethodInitialize, Params: json.RawMessage(`{}`)})

	agentID := *agent.last().ID
	br.HandleAgentMessage(&rpc.Message{ID: &agentID, Result: json.RawMessage(`{"agentInfo":{}}`)})

	sentBeforeSecondRequest := len(agent.out)

	id2 := json.RawMessage(`"abc"`)
	br.HandleClientMessage(c2, &rpc.Message{ID: &id2, Method: rpc.MethodInitialize, Params: json.RawMessage(`{}`)})

	if len(agent.out) != sentBeforeSecondRequest {
		t.Fatalf("expected the second initialize to be short-circuited, not forwarded to the agent")
	}
	got2 := waitForBuf(t, &buf2)
	if !strings.Contains(got2, `"id":"abc"`) {
		t.Fatalf("expected c2's short-circuited reply rebound to its own id \"abc\", got %q", got2)
	}
	if !strings.Contains(got2, `"agentInfo"`) {
		t.Fatalf("expected c2's reply to carry the cached initialize result, got %q", got2)
	}
}

func TestAgentNotificationBroadcastsAndAppendsReplayTail(t *testing.T) {
	agent := &fakeAgent{}
	reg := registry.New(discardLogger())
	replay := replaylog.New()
	br := New(agent, reg, replay, discardLogger())

	var buf1, buf2 bytes.Buffer
	reg.Attach(true, transport.NewWriter(&buf1), nil, nil)
	reg.Attach(false, transport.NewWriter(&buf2), nil, nil)

	br.HandleAgentMessage(&rpc.Message{Method: rpc.MethodSessionUpdate, Params: json.RawMessage(`{"n":1}`)})

	if got := waitForBuf(t, &buf1); !strings.Contains(got, "session/update") {
		t.Fatalf("expected primary to see the update, got %q", got)
	}
	if got := waitForBuf(t, &buf2); !strings.Contains(got, "session/update") {
		t.Fatalf("expected secondary to see the update, got %q", got)
	}
	if len(replay.Snapshot()) != 1 {
		t.Fatalf("expected one entry appended to the replay tail")
	}
}

func TestReverseRequestRoutesToResponder(t *testing.T) {
	agent := &fakeAgent{}
	reg := registry.New(discardLogger())
	replay := replaylog.New()
	br := New(agent, reg, replay, discardLogger())

	var buf bytes.Buffer
	reg.Attach(true, transport.NewWriter(&buf), nil, nil)

	id := json.RawMessage("55")
	br.HandleAgentMessage(&rpc.Message{ID: &id, Method: "fs/read_text_file", Params: json.RawMessage(`{}`)})

	got := waitForBuf(t, &buf)
	if !strings.Contains(got, `"id":55`) {
		t.Fatalf("expected the reverse request forwarded to the primary with its original id, got %q", got)
	}
	if !strings.Contains(got, "fs/read_text_file") {
		t.Fatalf("expected the method to survive, got %q", got)
	}
}

func TestReverseRequestWithNoLiveClientGetsSynthesizedError(t *testing.T) {
	agent := &fakeAgent{}
	reg := registry.New(discardLogger())
	replay := replaylog.New()
	br := New(agent, reg, replay, discardLogger())

	id := json.RawMessage("55")
	br.HandleAgentMessage(&rpc.Message{ID: &id, Method: "fs/read_text_file", Params: json.RawMessage(`{}`)})

	sent := agent.last()
	if sent == nil || sent.Error == nil {
		t.Fatalf("expected a synthesized error reply sent back to the agent, got %+v", sent)
	}
	if sent.Error.Code != rpc.CodeInternalError {
		t.Fatalf("expected internal-error code, got %d", sent.Error.Code)
	}
}

func TestMalformedClientMessageGetsInvalidRequestError(t *testing.T) {
	agent := &fakeAgent{}
	reg := registry.New(discardLogger())
	replay := replaylog.New()
	br := New(agent, reg, replay, discardLogger())

	var buf bytes.Buffer
	client := reg.Attach(true, transport.NewWriter(&buf), nil, nil)

	id := json.RawMessage("9")
	br.HandleClientMessage(client, &rpc.Message{ID: &id})

	if got := waitForBuf(t, &buf); !strings.Contains(got, `"code":-32600`) {
		t.Fatalf("expected an invalid-request error reply, got %q", got)
	}
}
