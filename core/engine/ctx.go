package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/codewandler/shardrun-go/core/entity"
)

// Ctx is the per-request context handed to a Behavior. It is cancelled
// when the request is interrupted.
type Ctx struct {
	context.Context

	log      *slog.Logger
	req      entity.Request
	clientID string
	events   entity.Events
}

func (c *Ctx) Log() *slog.Logger { return c.log }

// Envelope returns the request envelope (address, tag, payload).
func (c *Ctx) Envelope() entity.Envelope { return c.req.Envelope }

// ClientID identifies the requesting client.
func (c *Ctx) ClientID() string { return c.clientID }

// Resume returns the last chunk the caller already received, or nil on
// a fresh start. Behaviors producing streams should continue after it
// instead of restarting from the beginning.
func (c *Ctx) Resume() *entity.ReplyChunk { return c.req.LastSentReply }

// Bind decodes the request payload into v.
func (c *Ctx) Bind(v any) error {
	return json.Unmarshal(c.req.Envelope.Payload, v)
}

// Chunk emits one ordered stream fragment. Sequence numbers are assigned
// by the manager's bookkeeping.
func (c *Ctx) Chunk(values ...any) error {
	raw := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw = append(raw, data)
	}

	c.events.Reply(context.WithoutCancel(c), &entity.ReplyChunk{
		RequestID: c.req.Envelope.RequestID,
		ID:        entity.NewReplyID(),
		Values:    raw,
	})
	return nil
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}
