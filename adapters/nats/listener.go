package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/shardrun-go/core/entity"
)

var ErrListenerClosed = errors.New("nats: listener closed")

// Handler consumes decoded-at-the-boundary wire messages. Satisfied by
// *entity.Manager.
type Handler interface {
	Send(ctx context.Context, in *entity.Incoming) error
}

type ListenerConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix for shard subjects, e.g. "shardrun" -> shardrun.shard.<id>
}

// Listener serves shard subjects. Inbound frames are handed to the
// bound Handler; its Respond method is the entity.Responder that routes
// replies back to the caller's inbox.
type Listener struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string

	mu      sync.Mutex
	subs    map[uint32]*natsgo.Subscription
	replyTo map[string]string // request id -> reply inbox

	closed atomic.Bool
}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Listener{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  cfg.SubjectPrefix,
		subs:    make(map[uint32]*natsgo.Subscription),
		replyTo: make(map[string]string),
	}, nil
}

// ServeShard subscribes the handler to one shard subject. Serving a
// shard twice replaces the previous subscription.
func (l *Listener) ServeShard(ctx context.Context, shardID uint32, h Handler) error {
	if l.closed.Load() {
		return ErrListenerClosed
	}

	subj := subjectShard(l.prefix, shardID)
	sub, err := l.nc.Subscribe(subj, func(msg *natsgo.Msg) {
		var f frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			l.log.Error("failed to decode frame",
				slog.String("subject", msg.Subject),
				slog.Any("error", err),
			)
			return
		}

		if f.Message.Kind == entity.IncomingRequest && f.ReplyTo != "" {
			l.mu.Lock()
			l.replyTo[f.Message.RequestID] = f.ReplyTo
			l.mu.Unlock()
		}

		if err := h.Send(ctx, &f.Message); err != nil {
			l.log.Warn("message rejected",
				slog.String("kind", string(f.Message.Kind)),
				slog.String("request_id", f.Message.RequestID),
				slog.Any("error", err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe shard %d: %w", shardID, err)
	}

	l.mu.Lock()
	if prev, ok := l.subs[shardID]; ok {
		_ = prev.Unsubscribe()
	}
	l.subs[shardID] = sub
	l.mu.Unlock()

	return nil
}

// StopShard drops the subscription for one shard. Inbound traffic for
// it is ignored afterwards; reply routes for in-flight requests stay
// alive until their terminal reply.
func (l *Listener) StopShard(shardID uint32) error {
	l.mu.Lock()
	sub, ok := l.subs[shardID]
	delete(l.subs, shardID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Respond is the entity.Responder: it publishes the reply to the inbox
// registered for the request. A terminal reply retires the route.
func (l *Listener) Respond(_ context.Context, reply entity.Reply) error {
	if l.closed.Load() {
		return ErrListenerClosed
	}

	requestID := reply.ReplyRequestID()

	var rf ReplyFrame
	switch r := reply.(type) {
	case *entity.ReplyWithExit:
		rf = ReplyFrame{Kind: ReplyExit, Exit: r}
	case *entity.ReplyChunk:
		rf = ReplyFrame{Kind: ReplyChunk, Chunk: r}
	default:
		return fmt.Errorf("nats: unsupported reply type %T", reply)
	}

	l.mu.Lock()
	inbox, ok := l.replyTo[requestID]
	if ok && rf.Kind == ReplyExit {
		delete(l.replyTo, requestID)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("nats: no reply route for request %s", requestID)
	}

	data, err := json.Marshal(rf)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := l.nc.Publish(inbox, data); err != nil {
		return fmt.Errorf("nats: publish reply: %w", err)
	}
	return nil
}

func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return ErrListenerClosed
	}
	l.mu.Lock()
	for _, s := range l.subs {
		_ = s.Unsubscribe()
	}
	l.subs = map[uint32]*natsgo.Subscription{}
	l.mu.Unlock()
	if l.nc != nil {
		_ = l.nc.Drain()
		l.closeNc()
	}
	return nil
}
