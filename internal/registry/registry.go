// Package registry tracks the clients attached to a multiplexed session:
// the primary client on stdio and zero or more secondary clients accepted
// over the Unix socket. Each client owns a bounded outbound queue and a
// delivery goroutine so a slow reader can never stall fan-out to anyone
// else — spec.md §4.3's key backpressure decision.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ElleNajt/acp-multiplex/internal/diag"
	"github.com/ElleNajt/acp-multiplex/internal/transport"
)

// OutboundQueueSize is the suggested per-client bound from spec.md §4.3.
const OutboundQueueSize = 1024

// Identity names a client the way spec.md §3 does: the primary stdio peer,
// or a monotonically assigned socket-peer number.
type Identity struct {
	Primary bool
	Peer    int64 // meaningful only when !Primary
}

func (id Identity) String() string {
	if id.Primary {
		return "primary"
	}
	return fmt.Sprintf("peer-%d", id.Peer)
}

// idMapEntry records what a client's own request id maps to on the agent
// side, for debugging. It is written by recordOut; nothing in the registry
// reads it back (reply routing goes through the pending table).
type idMapEntry struct {
	agentID json.RawMessage
	method  string
}

// Client is an attached peer: its outbound queue, its delivery goroutine,
// and the ID map translating its own request ids to agent-side ids.
//
// The outbound channel is never closed — only closed is, exactly once —
// so a concurrent enqueue can never race a send against a closed channel.
// Abandoning the channel once closed fires is safe: it is simply garbage
// collected along with the Client once nothing references it anymore.
type Client struct {
	handle   uint64 // internal registry key, process-unique (uuid-derived)
	Identity Identity
	writer   *transport.Writer

	outbound chan json.RawMessage
	closed   chan struct{}
	once     sync.Once

	mu     sync.Mutex
	idMap  map[string]idMapEntry // keyed by the client's own id (string form)
	live   atomic.Bool
	onDead func(*Client, error)
}

// enqueue delivers data to this client's outbound queue without ever
// blocking the caller: a full queue evicts the client as a slow reader
// rather than backpressuring whoever is broadcasting, per spec.md §4.3.
func (c *Client) enqueue(data json.RawMessage) {
	select {
	case c.outbound <- data:
		return
	case <-c.closed:
		return
	default:
	}
	c.die(fmt.Errorf("outbound queue overflow (bound %d)", OutboundQueueSize))
}

// die marks the client dead because of err and notifies onDead. Used for
// the two failure paths: queue overflow and a write error.
func (c *Client) die(err error) {
	if c.live.CompareAndSwap(true, false) {
		c.once.Do(func() { close(c.closed) })
		if c.onDead != nil {
			c.onDead(c, err)
		}
	}
}

// stop marks the client dead without an error, for an orderly Detach. It
// does not invoke onDead — that callback is reserved for the broker
// detecting the client has gone away unexpectedly.
func (c *Client) stop() {
	if c.live.CompareAndSwap(true, false) {
		c.once.Do(func() { close(c.closed) })
	}
}

// Live reports whether this client is still eligible for delivery.
func (c *Client) Live() bool { return c.live.Load() }

// runWriter drains the outbound queue to the underlying transport until the
// client is marked dead or a write fails. Called once per client in its own
// goroutine by Registry.Attach.
func (c *Client) runWriter(logger *diag.Logger) {
	for {
		select {
		case data := <-c.outbound:
			if err := c.writer.WriteRaw(data); err != nil {
				logger.Warn("client %s write failed, detaching: %v", c.Identity, err)
				c.die(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

// recordOut binds the client's own request id to the agent-side id that
// was allocated for it, and remembers the method for diagnostics.
func (c *Client) recordOut(ownID json.RawMessage, agentID json.RawMessage, method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idMap == nil {
		c.idMap = make(map[string]idMapEntry)
	}
	c.idMap[string(ownID)] = idMapEntry{agentID: agentID, method: method}
}

// Registry owns the set of attached clients and the one pending-request
// table shared by all of them (keyed by agent-side id, spec.md §3).
type Registry struct {
	logger *diag.Logger

	mu      sync.RWMutex
	clients map[uint64]*Client
	nextPeer int64

	pendingMu sync.Mutex
	pending   map[string]pendingEntry

	responderMu sync.Mutex
	responder   *Client // designated responder for reverse requests
}

type pendingEntry struct {
	client  *Client
	ownID   json.RawMessage
	method  string
}

// New creates an empty registry.
func New(logger *diag.Logger) *Registry {
	return &Registry{
		logger:  logger,
		clients: make(map[uint64]*Client),
		pending: make(map[string]pendingEntry),
	}
}

// Attach registers a new client writing to w and starts its delivery
// goroutine. primary is true exactly once, for the stdio client created at
// startup; every socket-accepted client is a secondary.
//
// snapshotFn, if non-nil, is called once to obtain the replay prelude to
// seed the client's outbound queue with. It runs inside the same r.mu
// critical section that makes the client visible to BroadcastUpdate, so a
// live notification can never race ahead of (or be silently dropped around)
// the replayed prelude: either it is captured by snapshotFn, or it is
// delivered live after the client is registered — never both, never
// neither. Attaching with no replay state (the primary client at startup)
// passes a nil snapshotFn.
func (r *Registry) Attach(primary bool, w *transport.Writer, snapshotFn func() []json.RawMessage, onDead func(*Client, error)) *Client {
	r.mu.Lock()
	var identity Identity
	if primary {
		identity = Identity{Primary: true}
	} else {
		r.nextPeer++
		identity = Identity{Peer: r.nextPeer}
	}
	handle := uuidHandle()
	c := &Client{
		handle:   handle,
		Identity: identity,
		writer:   w,
		outbound: make(chan json.RawMessage, OutboundQueueSize),
		closed:   make(chan struct{}),
		onDead:   onDead,
	}
	c.live.Store(true)

	overflowed := false
	if snapshotFn != nil {
		for _, frame := range snapshotFn() {
			select {
			case c.outbound <- frame:
			default:
				overflowed = true
			}
		}
	}

	r.clients[handle] = c
	r.mu.Unlock()

	go c.runWriter(r.logger)

	if overflowed {
		c.die(fmt.Errorf("replay snapshot exceeds outbound queue bound (%d)", OutboundQueueSize))
	}

	r.responderMu.Lock()
	if r.responder == nil {
		r.responder = c
	}
	r.responderMu.Unlock()

	r.logger.Info("client %s attached", identity)
	return c
}

// uuidHandle derives a process-unique uint64 registry key from a fresh
// UUID's low bits — collision-free within a single process lifetime
// without the contention a shared counter would add under concurrent
// accept().
func uuidHandle() uint64 {
	id := uuid.New()
	var h uint64
	for _, b := range id[8:] {
		h = h<<8 | uint64(b)
	}
	return h
}

// Detach removes c from the registry, orphaning any pending entries that
// named it (their eventual agent reply will be dropped per spec.md §3).
func (r *Registry) Detach(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.handle)
	remaining := len(r.clients)
	r.mu.Unlock()

	c.stop()

	r.responderMu.Lock()
	if r.responder == c {
		r.responder = r.pickNewResponderLocked()
	}
	r.responderMu.Unlock()

	r.logger.Info("client %s detached (%d clients remain)", c.Identity, remaining)
}

// pickNewResponderLocked promotes another live client to designated
// responder, preferring the primary if it is still attached. Must be
// called with responderMu held.
func (r *Registry) pickNewResponderLocked() *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var candidate *Client
	for _, c := range r.clients {
		if !c.Live() {
			continue
		}
		if c.Identity.Primary {
			return c
		}
		if candidate == nil {
			candidate = c
		}
	}
	return candidate
}

// Responder returns the current designated responder for reverse requests,
// or nil if none is live.
func (r *Registry) Responder() *Client {
	r.responderMu.Lock()
	defer r.responderMu.Unlock()
	return r.responder
}

// BroadcastUpdate invokes record (if non-nil) to append data to the replay
// log and collects every registered client as a fan-out target — both under
// the same r.mu critical section Attach holds while seeding a new client's
// queue from the replay snapshot and registering it for future broadcasts —
// then releases r.mu and enqueues data to each target. That shared lock is
// what makes recording and target selection atomic with respect to Attach:
// a client either attached before record() (and so is a target that gets
// data in the live broadcast) or attaches after it (and so sees data
// already folded into the snapshot it was seeded with) — never in the gap
// between the two, which would otherwise let it either miss data or
// receive it twice.
func (r *Registry) BroadcastUpdate(data json.RawMessage, record func()) {
	r.mu.Lock()
	if record != nil {
		record()
	}
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// Send enqueues data to a single client.
func (r *Registry) Send(c *Client, data json.RawMessage) {
	c.enqueue(data)
}

// RecordPending remembers that agentID (the rewritten id sent to the
// agent) corresponds to (client, ownID, method), so the matching agent
// reply can be routed back. Also updates the client's own id map.
func (r *Registry) RecordPending(agentID json.RawMessage, client *Client, ownID json.RawMessage, method string) {
	r.pendingMu.Lock()
	r.pending[string(agentID)] = pendingEntry{client: client, ownID: ownID, method: method}
	r.pendingMu.Unlock()
	client.recordOut(ownID, agentID, method)
}

// ResolvePending looks up and removes the pending entry for agentID. The
// second return is false if no such entry exists (stale or spoofed reply,
// spec.md §4.4.2).
func (r *Registry) ResolvePending(agentID json.RawMessage) (client *Client, ownID json.RawMessage, method string, ok bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	e, found := r.pending[string(agentID)]
	if !found {
		return nil, nil, "", false
	}
	delete(r.pending, string(agentID))
	return e.client, e.ownID, e.method, true
}

// Clients returns a snapshot of every currently attached client, live or
// not, for shutdown sweeps.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
