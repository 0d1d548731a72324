// Package sharding maps entity ids to shards and shards to runners.
//
// Shard assignment uses Rendezvous hashing so every runner derives the
// same ownership view from the member list alone, without coordination.
package sharding

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/shardrun-go/internal/hrw"
)

// Assignments is this runner's view of shard ownership. The entity
// manager consults it before creating entities.
type Assignments interface {
	// IsShutdown reports whether the runner is shutting down; new entity
	// creation must fail once it returns true.
	IsShutdown() bool
}

// FromString derives a stable shard (0..numShards-1) from an arbitrary
// string key, e.g. an entity id.
func FromString(key string, numShards uint32, seed string) uint32 {
	if numShards == 0 {
		return 0
	}
	h, _ := blake2b.New(8, nil)
	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}
	h.Write([]byte(key))
	sum := h.Sum(nil)
	v := binary.BigEndian.Uint64(sum)
	return uint32(v % uint64(numShards))
}

// ForRunner returns the shards owned by runnerID among runnerIDs.
func ForRunner(runnerID string, runnerIDs []string, numShards uint32, seed string) []uint32 {
	if numShards == 0 || len(runnerIDs) == 0 {
		return nil
	}

	owned := make([]uint32, 0, numShards/uint32(len(runnerIDs))+1)
	for shard := uint32(0); shard < numShards; shard++ {
		key := fmt.Sprintf("shard:%d", shard)
		if best, ok := hrw.Best(key, runnerIDs, seed); ok && best == runnerID {
			owned = append(owned, shard)
		}
	}
	return owned
}

// Static is a fixed Assignments implementation with an explicit shutdown
// switch. Suitable for single-runner deployments and tests.
type Static struct {
	shutdown atomic.Bool
}

func NewStatic() *Static { return &Static{} }

func (s *Static) IsShutdown() bool { return s.shutdown.Load() }

// Shutdown marks the runner as shutting down.
func (s *Static) Shutdown() { s.shutdown.Store(true) }

var _ Assignments = (*Static)(nil)
