package entity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/shardrun-go/internal/codec"
)

// Registry resolves declared message types by tag and validates payloads
// at the trust boundary. Handlers still receive the raw payload; the
// registry only establishes that it parses into the declared type.
type Registry struct {
	codec codec.Codec

	mu    sync.RWMutex
	types map[string]func() any
}

func NewRegistry() *Registry {
	return &Registry{
		codec: codec.JSONCodec{},
		types: make(map[string]func() any),
	}
}

// Register declares a message tag with a factory for its payload type.
func (r *Registry) Register(tag string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[tag] = factory
}

// decodePayload checks that payload parses into the type declared for
// tag. An unknown tag fails immediately; it is never silently dropped.
func (r *Registry) decodePayload(tag string, payload []byte) error {
	r.mu.RLock()
	factory, ok := r.types[tag]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown message tag %q", tag)
	}

	v := factory()
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if err := r.codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload for tag %q: %w", tag, err)
	}
	if validator, ok := v.(interface{ Validate() error }); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("invalid payload for tag %q: %w", tag, err)
		}
	}
	return nil
}

// Send decodes an untrusted wire message and delegates to SendLocal.
//
// A request that fails to decode is answered with a terminal failure
// reply carrying the cause, so the caller is never left hanging. A
// control envelope that fails to decode is a protocol defect and is
// escalated as a process-level fault.
func (m *Manager) Send(ctx context.Context, in *Incoming) error {
	switch in.Kind {
	case IncomingRequest:
		req, err := m.decodeRequest(in)
		if err != nil {
			merr := &MalformedMessageError{Tag: in.Tag, Cause: err}
			m.log.Warn("malformed request",
				slog.String("tag", in.Tag),
				slog.String("request_id", in.RequestID),
				slog.Any("error", err),
			)
			reply := &ReplyWithExit{
				RequestID: in.RequestID,
				ID:        NewReplyID(),
				Exit:      Fail(merr.Error()),
			}
			if rerr := m.respond(ctx, reply); rerr != nil {
				m.log.Warn("failed to deliver decode-failure reply",
					slog.String("request_id", in.RequestID),
					slog.Any("error", rerr),
				)
			}
			return merr
		}
		return m.SendLocal(ctx, req)

	case IncomingAck:
		ack, err := decodeAck(in)
		if err != nil {
			merr := &MalformedMessageError{Cause: err}
			m.fatal(merr)
			return merr
		}
		return m.SendLocal(ctx, ack)

	case IncomingInterrupt:
		intr, err := decodeInterrupt(in)
		if err != nil {
			merr := &MalformedMessageError{Cause: err}
			m.fatal(merr)
			return merr
		}
		return m.SendLocal(ctx, intr)

	default:
		merr := &MalformedMessageError{Cause: fmt.Errorf("unknown incoming kind %q", in.Kind)}
		m.fatal(merr)
		return merr
	}
}

func (m *Manager) decodeRequest(in *Incoming) (*Request, error) {
	if in.RequestID == "" {
		return nil, fmt.Errorf("request id is required")
	}
	if m.registry == nil {
		return nil, fmt.Errorf("no message registry configured")
	}
	if err := m.registry.decodePayload(in.Tag, in.Payload); err != nil {
		return nil, err
	}

	var lastSent *ReplyChunk
	if len(in.LastSentReply) > 0 {
		lastSent = &ReplyChunk{}
		if err := m.registry.codec.Unmarshal(in.LastSentReply, lastSent); err != nil {
			return nil, fmt.Errorf("decode last sent reply: %w", err)
		}
	}

	return &Request{
		Envelope: Envelope{
			Address:   in.Address,
			Tag:       in.Tag,
			RequestID: in.RequestID,
			Payload:   in.Payload,
		},
		LastSentReply:   lastSent,
		ClientID:        in.ClientID,
		Persisted:       in.Persisted,
		Uninterruptible: in.Uninterruptible,
	}, nil
}

func decodeAck(in *Incoming) (*AckChunk, error) {
	if in.RequestID == "" {
		return nil, fmt.Errorf("ack without request id")
	}
	if in.ReplyID == "" {
		return nil, fmt.Errorf("ack without reply id")
	}
	return &AckChunk{
		Address:   in.Address,
		RequestID: in.RequestID,
		ReplyID:   in.ReplyID,
		ClientID:  in.ClientID,
	}, nil
}

func decodeInterrupt(in *Incoming) (*Interrupt, error) {
	if in.RequestID == "" {
		return nil, fmt.Errorf("interrupt without request id")
	}
	return &Interrupt{
		Address:   in.Address,
		RequestID: in.RequestID,
		ClientID:  in.ClientID,
	}, nil
}
