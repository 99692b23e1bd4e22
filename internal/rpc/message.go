// Package rpc defines the wire shape of the JSON-RPC 2.0 messages exchanged
// between clients and the agent, and the thin structural classification the
// broker needs to route them. It does not interpret method semantics beyond
// the three distinguished method names the broker inspects by name.
package rpc

import "encoding/json"

// Distinguished methods the broker drives replay around. All other methods
// are forwarded opaquely.
const (
	MethodInitialize  = "initialize"
	MethodSessionNew  = "session/new"
	MethodSessionUpdate = "session/update"
)

// Standard JSON-RPC 2.0 error codes the broker itself synthesizes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Message is a single JSON-RPC object as it crosses the broker. Fields are
// decoded eagerly only where the broker routes on them (id, method, result,
// error); every other key a client or the agent sends round-trips through
// Raw unmodified, so passthrough fields survive re-serialization.
//
// A Message is exactly one of a Request, a Reply, or a Notification — see
// Kind.
type Message struct {
	ID     *json.RawMessage `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *Error           `json:"error,omitempty"`

	// Raw holds the complete decoded object so unknown top-level fields
	// (anything beyond id/method/params/result/error) are preserved when the
	// message is re-serialized toward its destination.
	Raw json.RawMessage `json:"-"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Kind classifies a Message per the JSON-RPC 2.0 structural rules this
// broker cares about.
type Kind int

const (
	// KindInvalid marks a message missing both id+method and result/error —
	// it is neither a request, a reply, nor a notification.
	KindInvalid Kind = iota
	KindRequest
	KindReply
	KindNotification
)

// Classify determines whether m is a request, a reply, or a notification.
func (m *Message) Classify() Kind {
	hasID := m.ID != nil
	switch {
	case hasID && m.Method != "":
		return KindRequest
	case hasID && (m.Result != nil || m.Error != nil):
		return KindReply
	case !hasID && m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// Decode parses a single line of newline-delimited JSON into a Message,
// retaining the original bytes in Raw for lossless passthrough.
func Decode(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	m.Raw = append(json.RawMessage(nil), line...)
	return &m, nil
}

// WithID returns a copy of m with its id replaced by id. Every other
// top-level field m carried — jsonrpc, result/error, and any extension key
// a client or the agent added — survives untouched: if m has Raw, WithID
// patches only the "id" member of the decoded object rather than
// reconstructing the message from a fixed field list, so passthrough stays
// byte-for-byte-in-structure per spec.md §6. Used by the broker to rewrite a
// client's request id into the agent-side id, and to rewrite an agent
// reply's id back to the id the originating client used.
func (m *Message) WithID(id json.RawMessage) *Message {
	cp := *m
	cp.ID = &id
	if m.Raw == nil {
		return &cp
	}
	patched, err := withPatchedID(m.Raw, id)
	if err != nil {
		// m.Raw didn't decode as a JSON object — shouldn't happen for
		// anything that went through Decode. Fall back to reconstructing
		// from the known fields rather than shipping a stale id.
		cp.Raw = nil
		return &cp
	}
	cp.Raw = patched
	return &cp
}

// withPatchedID replaces the "id" member of the object encoded in raw,
// leaving every other top-level member (jsonrpc, extension keys) in place.
func withPatchedID(raw json.RawMessage, id json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["id"] = id
	return json.Marshal(fields)
}

// Encode serializes m for transmission. If Raw is set, the original bytes
// are reused (patched by WithID if the id changed) so unknown fields survive
// byte-for-byte. Only a message with no Raw at all — one the broker
// synthesized itself, such as an error reply or a replay short-circuit —
// falls back to rawOut, which includes jsonrpc explicitly since nothing else
// supplies it on that path.
func (m *Message) Encode() ([]byte, error) {
	if m.Raw != nil {
		return m.Raw, nil
	}
	return json.Marshal(rawOut{
		JSONRPC: "2.0",
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	})
}

// rawOut mirrors Message's wire fields for synthesizing a reply that has no
// backing Raw object. Omitempty on Method/Params keeps replies free of
// stray keys a strict client might reject.
type rawOut struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// NewErrorReply builds a JSON-RPC error reply for id.
func NewErrorReply(id json.RawMessage, code int, message string) *Message {
	return &Message{
		ID:    &id,
		Error: &Error{Code: code, Message: message},
	}
}

// IDString renders a message id for logging. IDs are opaque per JSON-RPC
// (string or number); we never compare them as anything but raw bytes.
func IDString(id *json.RawMessage) string {
	if id == nil {
		return "<nil>"
	}
	return string(*id)
}
