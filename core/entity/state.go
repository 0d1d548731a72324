package entity

import (
	"sync"
	"sync/atomic"
	"time"
)

// requestEntry tracks one in-flight request on an entity. At most one
// entry exists per request id at any time.
type requestEntry struct {
	request       Request
	sentReply     bool
	lastSentChunk *ReplyChunk
	sequence      int
}

// State is the live, manager-owned state of one entity. It is created
// lazily on the first message for an address and removed only by idle
// eviction, explicit shard eviction or runner shutdown. The State (and
// with it the entity's identity) survives handler crashes; only the
// handler instance behind the slot is rebuilt.
type State struct {
	address Address
	slot    *slot

	mu     sync.Mutex
	active map[string]*requestEntry

	lastActive atomic.Int64 // unix nanos, refreshed when a burst completes

	recovering atomic.Bool

	drainOnce sync.Once
	drained   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newState(address Address) *State {
	st := &State{
		address: address,
		active:  make(map[string]*requestEntry),
		drained: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	st.touch()
	return st
}

// Address returns the entity's address.
func (s *State) Address() Address { return s.address }

// ActiveRequests returns the number of in-flight requests.
func (s *State) ActiveRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// LastActive returns the time of the last completed burst, used by the
// idle reaper to decide eviction.
func (s *State) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *State) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// markDrained releases the latch graceful teardown waits on.
func (s *State) markDrained() {
	s.drainOnce.Do(func() { close(s.drained) })
}

// markClosed signals teardown to any in-progress crash recovery.
func (s *State) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// snapshot returns a copy of every in-flight request, each carrying its
// last sent chunk so a rebuilt handler can resume rather than restart.
func (s *State) snapshot() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.active))
	for _, entry := range s.active {
		req := entry.request
		req.LastSentReply = entry.lastSentChunk
		out = append(out, req)
	}
	return out
}
