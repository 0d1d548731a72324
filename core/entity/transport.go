package entity

import "context"

// RawKind discriminates messages written into the transport.
type RawKind int

const (
	RawRequest RawKind = iota
	RawAck
	RawInterrupt
	RawEof
)

func (k RawKind) String() string {
	switch k {
	case RawRequest:
		return "request"
	case RawAck:
		return "ack"
	case RawInterrupt:
		return "interrupt"
	case RawEof:
		return "eof"
	default:
		return "unknown"
	}
}

// RawMessage is what the manager writes into a handler instance. Exactly
// one of the pointer fields is set, matching Kind.
type RawMessage struct {
	Kind      RawKind
	Request   *Request
	Ack       *AckChunk
	Interrupt *Interrupt
}

func RawOf(req *Request) RawMessage       { return RawMessage{Kind: RawRequest, Request: req} }
func RawAckOf(ack *AckChunk) RawMessage   { return RawMessage{Kind: RawAck, Ack: ack} }
func RawInterruptOf(i *Interrupt) RawMessage {
	return RawMessage{Kind: RawInterrupt, Interrupt: i}
}
func RawEofMessage() RawMessage { return RawMessage{Kind: RawEof} }

// Transport is one handler instance. It is the only place handler code
// actually runs; the manager writes requests into it and receives the
// outcome through the Events sink the instance was built with.
//
// The transport invokes the Events callbacks sequentially per entity
// (configurable in-flight concurrency, default 1).
type Transport interface {
	Write(ctx context.Context, clientID string, msg RawMessage) error
}

// Events is the callback stream from a handler instance back to the
// manager: replies, unexpected crashes and the end-of-stream signal
// emitted once the instance has drained after an Eof write.
type Events interface {
	Reply(ctx context.Context, reply Reply)
	Defect(cause error)
	Eof()
}

// Builder creates a handler instance for an address. It is called on
// first use of an entity and again after every crash; the entity's
// identity (its State and address) is stable across rebuilds.
type Builder func(address Address, events Events) (Transport, error)

// Responder forwards a reply to the original caller.
type Responder func(ctx context.Context, reply Reply) error
