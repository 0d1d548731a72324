// Package nats carries entity traffic over NATS: requests and control
// messages arrive on shard subjects, replies flow back over per-client
// inboxes, and pending-request storage is backed by a JetStream
// key-value bucket.
package nats

import (
	"strconv"

	"github.com/codewandler/shardrun-go/core/entity"
)

const defaultSubjectPrefix = "shardrun"

// frame is the wire form of one inbound message. ReplyTo is set on
// request frames so replies can find their way back to the caller.
type frame struct {
	ReplyTo string          `json:"reply_to,omitempty"`
	Message entity.Incoming `json:"message"`
}

// ReplyKind discriminates outbound reply frames.
type ReplyKind string

const (
	ReplyExit  ReplyKind = "exit"
	ReplyChunk ReplyKind = "chunk"
)

// ReplyFrame is the wire form of one reply. Exactly one of Exit and
// Chunk is set, matching Kind.
type ReplyFrame struct {
	Kind  ReplyKind             `json:"kind"`
	Exit  *entity.ReplyWithExit `json:"exit,omitempty"`
	Chunk *entity.ReplyChunk    `json:"chunk,omitempty"`
}

func subjectShard(prefix string, shardID uint32) string {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return prefix + ".shard." + strconv.FormatUint(uint64(shardID), 10)
}
