package entity

import "encoding/json"

// Envelope is the addressed part of a request: where it goes, which
// declared message type it carries and the opaque payload.
type Envelope struct {
	Address   Address         `json:"address"`
	Tag       string          `json:"tag"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// LocalMessage is a decoded message ready for SendLocal.
type LocalMessage interface{ localMessage() }

// Request is a decoded request for dispatch into an entity. LastSentReply
// carries the last chunk the caller already received, so a resumed stream
// continues at LastSentReply.Sequence+1 instead of restarting at 0.
type Request struct {
	Envelope      Envelope
	LastSentReply *ReplyChunk

	// ClientID identifies the requesting client towards the transport.
	ClientID string

	// Persisted marks a request whose delivery is backed by durable
	// storage; interrupt-caused failures for such requests may be
	// suppressed because storage will redeliver them.
	Persisted bool

	// Uninterruptible marks a request that must not observe
	// interrupt-caused failures.
	Uninterruptible bool
}

// AckChunk acknowledges receipt of a chunk reply. Stale acks (the reply
// id no longer matches the last sent chunk) are silently ignored.
type AckChunk struct {
	Address   Address
	RequestID string
	ReplyID   string
	ClientID  string
}

// Interrupt asks the entity to stop processing a request.
type Interrupt struct {
	Address   Address
	RequestID string
	ClientID  string
}

func (*Request) localMessage()   {}
func (*AckChunk) localMessage()  {}
func (*Interrupt) localMessage() {}

// IncomingKind discriminates undecoded wire messages.
type IncomingKind string

const (
	IncomingRequest   IncomingKind = "request"
	IncomingAck       IncomingKind = "ack"
	IncomingInterrupt IncomingKind = "interrupt"
)

// Incoming is the undecoded wire form of a message. Send decodes it at
// the trust boundary before delegating to SendLocal.
type Incoming struct {
	Kind      IncomingKind    `json:"kind"`
	Address   Address         `json:"address"`
	Tag       string          `json:"tag,omitempty"`
	RequestID string          `json:"request_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// LastSentReply is the optional previous-reply continuation marker
	// for resumed request streams.
	LastSentReply json.RawMessage `json:"last_sent_reply,omitempty"`

	// ReplyID is set for acks.
	ReplyID string `json:"reply_id,omitempty"`

	Persisted       bool `json:"persisted,omitempty"`
	Uninterruptible bool `json:"uninterruptible,omitempty"`
}
