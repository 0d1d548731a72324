package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/shardrun-go/core/entity"
)

var ErrClientClosed = errors.New("nats: client closed")

type ClientConfig struct {
	Connect       Connector
	Log           *slog.Logger
	SubjectPrefix string

	// ID identifies this client towards the runner. Generated if empty.
	ID string
}

// Client sends requests to entities over shard subjects and consumes
// the reply stream. Chunk replies are acknowledged so the runner can
// advance the stream.
type Client struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
	id      string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	id := cfg.ID
	if id == "" {
		id = "client-" + gonanoid.Must(6)
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Client{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("client", id)),
		prefix:  cfg.SubjectPrefix,
		id:      id,
	}, nil
}

func (c *Client) ID() string { return c.id }

// RequestOptions shape one outgoing request.
type RequestOptions struct {
	RequestID       string             // generated if empty
	LastSentReply   *entity.ReplyChunk // resume marker for a continued stream
	Persisted       bool
	Uninterruptible bool
}

// Request publishes a request to the entity's shard subject and returns
// the reply stream.
func (c *Client) Request(address entity.Address, tag string, payload any, opts RequestOptions) (*Stream, error) {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = gonanoid.Must(12)
	}

	var rawPayload json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		rawPayload = data
	}

	var lastSent json.RawMessage
	if opts.LastSentReply != nil {
		data, err := json.Marshal(opts.LastSentReply)
		if err != nil {
			return nil, fmt.Errorf("encode resume marker: %w", err)
		}
		lastSent = data
	}

	inbox := natsgo.NewInbox()
	ch := make(chan *natsgo.Msg, 64)
	sub, err := c.nc.ChanSubscribe(inbox, ch)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe inbox: %w", err)
	}

	f := frame{
		ReplyTo: inbox,
		Message: entity.Incoming{
			Kind:            entity.IncomingRequest,
			Address:         address,
			Tag:             tag,
			RequestID:       requestID,
			ClientID:        c.id,
			Payload:         rawPayload,
			LastSentReply:   lastSent,
			Persisted:       opts.Persisted,
			Uninterruptible: opts.Uninterruptible,
		},
	}
	data, err := json.Marshal(f)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := c.nc.Publish(subjectShard(c.prefix, address.ShardID), data); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats: publish request: %w", err)
	}

	return &Stream{
		client:    c,
		address:   address,
		requestID: requestID,
		sub:       sub,
		ch:        ch,
	}, nil
}

// Ack acknowledges a chunk so the runner advances past it.
func (c *Client) Ack(address entity.Address, requestID, replyID string) error {
	return c.publishControl(address, entity.Incoming{
		Kind:      entity.IncomingAck,
		Address:   address,
		RequestID: requestID,
		ClientID:  c.id,
		ReplyID:   replyID,
	})
}

// Interrupt asks the entity to stop processing the request.
func (c *Client) Interrupt(address entity.Address, requestID string) error {
	return c.publishControl(address, entity.Incoming{
		Kind:      entity.IncomingInterrupt,
		Address:   address,
		RequestID: requestID,
		ClientID:  c.id,
	})
}

func (c *Client) publishControl(address entity.Address, in entity.Incoming) error {
	data, err := json.Marshal(frame{Message: in})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := c.nc.Publish(subjectShard(c.prefix, address.ShardID), data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", in.Kind, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.nc != nil {
		_ = c.nc.Drain()
		c.closeNc()
	}
	return nil
}

// Stream is the reply stream for one request.
type Stream struct {
	client    *Client
	address   entity.Address
	requestID string
	sub       *natsgo.Subscription
	ch        chan *natsgo.Msg
}

func (s *Stream) RequestID() string { return s.requestID }

// Next blocks for the next reply frame. Terminal frames close the
// stream's subscription.
func (s *Stream) Next(ctx context.Context) (*ReplyFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrClientClosed
		}
		var rf ReplyFrame
		if err := json.Unmarshal(msg.Data, &rf); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
		if rf.Kind == ReplyExit {
			_ = s.sub.Unsubscribe()
		}
		return &rf, nil
	}
}

// Collect drains the stream: chunks are acknowledged and gathered, and
// the terminal exit is returned once it arrives.
func (s *Stream) Collect(ctx context.Context) ([]*entity.ReplyChunk, *entity.ReplyWithExit, error) {
	var chunks []*entity.ReplyChunk
	for {
		rf, err := s.Next(ctx)
		if err != nil {
			return chunks, nil, err
		}
		switch rf.Kind {
		case ReplyChunk:
			chunks = append(chunks, rf.Chunk)
			if err := s.client.Ack(s.address, s.requestID, rf.Chunk.ID); err != nil {
				return chunks, nil, err
			}
		case ReplyExit:
			return chunks, rf.Exit, nil
		default:
			return chunks, nil, fmt.Errorf("unexpected reply kind %q", rf.Kind)
		}
	}
}

// Close abandons the stream without interrupting the request.
func (s *Stream) Close() error {
	return s.sub.Unsubscribe()
}
