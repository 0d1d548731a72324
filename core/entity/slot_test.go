package entity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTransport struct{}

func (nopTransport) Write(context.Context, string, RawMessage) error { return nil }

func TestSlot_LazyBuildOnce(t *testing.T) {
	var builds atomic.Int32
	s := newSlot(func() (Transport, error) {
		builds.Add(1)
		return nopTransport{}, nil
	})

	_, ok := s.current()
	assert.False(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := s.get(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, inst)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())

	_, ok = s.current()
	assert.True(t, ok)
}

func TestSlot_BuildErrorIsNotCached(t *testing.T) {
	var builds atomic.Int32
	s := newSlot(func() (Transport, error) {
		if builds.Add(1) == 1 {
			return nil, errors.New("boom")
		}
		return nopTransport{}, nil
	})

	_, err := s.get(context.Background())
	require.ErrorContains(t, err, "build handler: boom")

	// A failed build leaves the slot empty; the next get retries.
	_, ok := s.current()
	assert.False(t, ok)

	inst, err := s.get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, inst)
}

func TestSlot_Rebuild(t *testing.T) {
	var builds atomic.Int32
	s := newSlot(func() (Transport, error) {
		builds.Add(1)
		return nopTransport{}, nil
	})

	first, err := s.get(context.Background())
	require.NoError(t, err)

	second, err := s.rebuild(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, second)
	_ = first

	assert.Equal(t, int32(2), builds.Load())
}

func TestSlot_GetHonorsContext(t *testing.T) {
	release := make(chan struct{})
	s := newSlot(func() (Transport, error) {
		<-release
		return nopTransport{}, nil
	})

	// First caller holds the build.
	go func() { _, _ = s.get(context.Background()) }()

	// Second caller waits on the in-progress build and gives up with its
	// context.
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		// Wait until the build is actually in flight.
		for {
			s.mu.Lock()
			building := s.building != nil
			s.mu.Unlock()
			if building {
				break
			}
		}
		_, err := s.get(ctx)
		errCh <- err
	}()

	cancel()
	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)

	close(release)
}
