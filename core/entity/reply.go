package entity

import (
	"encoding/json"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ExitKind classifies a terminal exit.
type ExitKind string

const (
	ExitSuccess   ExitKind = "success"
	ExitFailure   ExitKind = "failure"
	ExitDefect    ExitKind = "defect"
	ExitInterrupt ExitKind = "interrupt"
)

// Exit is the terminal outcome of one request.
type Exit struct {
	Kind  ExitKind        `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Cause string          `json:"cause,omitempty"`
}

func Succeed(value json.RawMessage) Exit { return Exit{Kind: ExitSuccess, Value: value} }
func Fail(cause string) Exit             { return Exit{Kind: ExitFailure, Cause: cause} }
func Die(cause string) Exit              { return Exit{Kind: ExitDefect, Cause: cause} }
func Interrupted(cause string) Exit      { return Exit{Kind: ExitInterrupt, Cause: cause} }

// IsInterrupt reports whether the exit is interrupt-caused.
func (e Exit) IsInterrupt() bool { return e.Kind == ExitInterrupt }

// Reply is an outgoing reply to the original caller: either a terminal
// exit or one ordered fragment of a streamed response.
type Reply interface {
	// ReplyRequestID returns the request this reply belongs to.
	ReplyRequestID() string
}

// ReplyWithExit is the terminal reply for a request.
type ReplyWithExit struct {
	RequestID string `json:"request_id"`
	ID        string `json:"id"`
	Exit      Exit   `json:"exit"`
}

// ReplyChunk is one ordered fragment of a streamed response. Sequence
// numbers per request are contiguous and assigned by the manager.
type ReplyChunk struct {
	RequestID string            `json:"request_id"`
	ID        string            `json:"id"`
	Sequence  int               `json:"sequence"`
	Values    []json.RawMessage `json:"values"`
}

func (r *ReplyWithExit) ReplyRequestID() string { return r.RequestID }
func (r *ReplyChunk) ReplyRequestID() string    { return r.RequestID }

// NewReplyID returns a fresh reply id.
func NewReplyID() string { return gonanoid.Must(12) }
