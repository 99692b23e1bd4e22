// Package broker is the core of the multiplexer: it demultiplexes each
// client's own request IDs into one agent-ID space, re-multiplexes agent
// replies back to their originating client, fans out notifications, routes
// agent-originated reverse requests to a designated responder, and drives
// the replay log. This is component C4 of spec.md §2, grounded on the
// dispatch style of the acp-relay connection manager and dmora-agentrun's
// conn.go pending-table pattern.
package broker

import (
	"encoding/json"
	"strconv"
	"sync/atomic"

	"github.com/ElleNajt/acp-multiplex/internal/diag"
	"github.com/ElleNajt/acp-multiplex/internal/registry"
	"github.com/ElleNajt/acp-multiplex/internal/replaylog"
	"github.com/ElleNajt/acp-multiplex/internal/rpc"
)

// AgentSender is the broker's view of the agent channel: enqueue a message
// for delivery to the agent's stdin. *agentproc.Agent satisfies this; tests
// can supply a lighter fake.
type AgentSender interface {
	Send(msg *rpc.Message)
}

// Broker owns no mutex of its own: the two pieces of state it mutates
// concurrently from the agent-reader goroutine and every client-reader
// goroutine — the registry's pending-request table and the replay log —
// already serialize themselves internally, so the single-owner discipline
// spec.md §5 calls for is satisfied at the component boundary rather than
// by a broker-wide lock.
type Broker struct {
	agent    AgentSender
	registry *registry.Registry
	replay   *replaylog.Log
	logger   *diag.Logger

	nextAgentID atomic.Int64
}

// New wires a Broker to its already-started collaborators.
func New(agent AgentSender, reg *registry.Registry, replay *replaylog.Log, logger *diag.Logger) *Broker {
	return &Broker{agent: agent, registry: reg, replay: replay, logger: logger}
}

// agentIDBase offsets the agent-side ID space: rewritten IDs start at
// agentIDBase+1, so they never equal a client's own numeric ID below that.
const agentIDBase = 1000000

// allocAgentID returns the next monotonically increasing agent-side
// request ID as a JSON number literal, per spec.md §3's ID allocator.
func (b *Broker) allocAgentID() json.RawMessage {
	id := agentIDBase + b.nextAgentID.Add(1)
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// HandleClientMessage routes one message read from client c toward the
// agent or, for a short-circuited handshake method, directly back to c.
func (b *Broker) HandleClientMessage(c *registry.Client, msg *rpc.Message) {
	switch msg.Classify() {
	case rpc.KindNotification:
		b.logger.Debug("client %s -> agent: notification %s", c.Identity, msg.Method)
		b.agent.Send(msg)

	case rpc.KindRequest:
		b.handleClientRequest(c, msg)

	case rpc.KindReply:
		// A reply from a client only ever answers a reverse request the
		// broker forwarded from the agent, under the agent's own ID. No
		// rewriting is needed; pass it straight through.
		b.logger.Debug("client %s -> agent: reverse-request reply id=%s", c.Identity, rpc.IDString(msg.ID))
		b.agent.Send(msg)

	default:
		b.rejectMalformed(c, msg)
	}
}

func (b *Broker) handleClientRequest(c *registry.Client, msg *rpc.Message) {
	ownID := *msg.ID

	switch msg.Method {
	case rpc.MethodInitialize:
		if b.replay.HasInit() {
			b.logger.Debug("client %s: short-circuiting initialize from cached reply", c.Identity)
			b.deliver(c, b.replay.RebindInit(ownID))
			return
		}
	case rpc.MethodSessionNew:
		if b.replay.HasSession() {
			b.logger.Debug("client %s: short-circuiting session/new from cached reply", c.Identity)
			b.deliver(c, b.replay.RebindSession(ownID))
			return
		}
	}

	agentID := b.allocAgentID()
	b.registry.RecordPending(agentID, c, ownID, msg.Method)
	b.logger.Debug("client %s -> agent: %s id=%s rewritten to %s", c.Identity, msg.Method, rpc.IDString(&ownID), string(agentID))
	b.agent.Send(msg.WithID(agentID))
}

// rejectMalformed answers a structurally invalid client message with a
// JSON-RPC invalid-request error, per spec.md §4.4.2, if it carried an id
// to reply to; otherwise it is logged and dropped.
func (b *Broker) rejectMalformed(c *registry.Client, msg *rpc.Message) {
	if msg.ID == nil {
		b.logger.Warn("client %s: dropping malformed message with no id", c.Identity)
		return
	}
	b.logger.Warn("client %s: malformed request id=%s, replying invalid-request", c.Identity, rpc.IDString(msg.ID))
	b.deliver(c, rpc.NewErrorReply(*msg.ID, rpc.CodeInvalidRequest, "invalid request"))
}

// deliver encodes msg and enqueues it on c's outbound queue.
func (b *Broker) deliver(c *registry.Client, msg *rpc.Message) {
	data, err := msg.Encode()
	if err != nil {
		b.logger.Error("encode reply for client %s: %v", c.Identity, err)
		return
	}
	b.registry.Send(c, data)
}

// HandleAgentMessage routes one message read from the agent to the client
// (or clients) it belongs to.
func (b *Broker) HandleAgentMessage(msg *rpc.Message) {
	switch msg.Classify() {
	case rpc.KindReply:
		b.handleAgentReply(msg)

	case rpc.KindNotification:
		b.handleAgentNotification(msg)

	case rpc.KindRequest:
		b.handleAgentReverseRequest(msg)

	default:
		b.logger.Warn("agent: dropping malformed message")
	}
}

func (b *Broker) handleAgentReply(msg *rpc.Message) {
	client, ownID, method, ok := b.registry.ResolvePending(*msg.ID)
	if !ok {
		b.logger.Warn("agent: reply to unknown id=%s (stale or duplicate), dropping", rpc.IDString(msg.ID))
		return
	}

	rebound := msg.WithID(ownID)
	data, err := rebound.Encode()
	if err != nil {
		b.logger.Error("encode agent reply for client %s: %v", client.Identity, err)
		return
	}

	switch method {
	case rpc.MethodInitialize:
		b.replay.RecordInit(data, msg.Result, msg.Error)
	case rpc.MethodSessionNew:
		b.replay.RecordSession(data, msg.Result, msg.Error)
	}

	b.logger.Debug("agent -> client %s: reply id=%s (was %s)", client.Identity, rpc.IDString(&ownID), rpc.IDString(msg.ID))
	b.registry.Send(client, data)
}

func (b *Broker) handleAgentNotification(msg *rpc.Message) {
	data, err := msg.Encode()
	if err != nil {
		b.logger.Error("encode agent notification: %v", err)
		return
	}

	var record func()
	if msg.Method == rpc.MethodSessionUpdate {
		record = func() { b.replay.AppendUpdate(data) }
	}
	// BroadcastUpdate appends to the replay log and picks the fan-out
	// targets under the lock Attach also holds, so a concurrently attaching
	// client can't land in the gap between the two — see
	// registry.BroadcastUpdate.
	b.registry.BroadcastUpdate(data, record)
}

// handleAgentReverseRequest forwards an agent-originated request (e.g. a
// permission prompt or filesystem read) to the designated responder. Its
// ID is the agent's own and is never rewritten — the agent owns that ID
// space and will match the eventual reply itself.
func (b *Broker) handleAgentReverseRequest(msg *rpc.Message) {
	responder := b.registry.Responder()
	if responder == nil {
		b.logger.Warn("agent: reverse request %s with no live client to answer it", msg.Method)
		b.agent.Send(rpc.NewErrorReply(*msg.ID, rpc.CodeInternalError, "no client available to answer request"))
		return
	}
	data, err := msg.Encode()
	if err != nil {
		b.logger.Error("encode reverse request: %v", err)
		return
	}
	b.logger.Debug("agent -> client %s: reverse request %s", responder.Identity, msg.Method)
	b.registry.Send(responder, data)
}

// SnapshotFn returns the replay log's current-snapshot function, suitable
// for passing straight to Registry.Attach: the snapshot is taken inside
// Attach's own critical section so it is atomic with the new client being
// made visible to BroadcastUpdate, per spec.md §4.4.3's eager mode.
func (b *Broker) SnapshotFn() func() []json.RawMessage {
	return b.replay.Snapshot
}
