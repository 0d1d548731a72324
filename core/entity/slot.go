package entity

import (
	"context"
	"fmt"
	"sync"
)

// slot holds the currently active handler instance for one entity. The
// instance is built lazily on first use and can be rebuilt in place
// after a crash while external references to the entity stay valid.
// Writers either call straight through or wait for an in-progress build.
type slot struct {
	build func() (Transport, error)

	mu       sync.Mutex
	instance Transport
	building chan struct{} // non-nil while a build is in flight
}

func newSlot(build func() (Transport, error)) *slot {
	return &slot{build: build}
}

// get returns the current instance, building it if necessary. Concurrent
// callers during a build wait for the same build instead of racing.
func (s *slot) get(ctx context.Context) (Transport, error) {
	for {
		s.mu.Lock()
		if s.instance != nil {
			inst := s.instance
			s.mu.Unlock()
			return inst, nil
		}
		if s.building != nil {
			wait := s.building
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wait:
			}
			continue
		}
		done := make(chan struct{})
		s.building = done
		s.mu.Unlock()

		inst, err := s.build()

		s.mu.Lock()
		s.building = nil
		close(done)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("build handler: %w", err)
		}
		s.instance = inst
		s.mu.Unlock()
		return inst, nil
	}
}

// current returns the instance without building. ok is false when the
// handler was never built (or was dropped for a rebuild).
func (s *slot) current() (Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance, s.instance != nil
}

// rebuild drops the current instance and builds a fresh one in place.
func (s *slot) rebuild(ctx context.Context) (Transport, error) {
	s.mu.Lock()
	s.instance = nil
	s.mu.Unlock()
	return s.get(ctx)
}
