package perkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SequentialPerKey(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var mu sync.Mutex
	var order []int

	// Three callbacks for the same entity key, submitted in order.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("Counter/c1/3", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}()
		// Stagger submissions so the expected order is unambiguous.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestScheduler_ParallelAcrossKeys(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var running atomic.Int32
	var maxRunning atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("Counter/c%d/3", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(key, func() error {
				cur := running.Add(1)
				for {
					max := maxRunning.Load()
					if cur <= max || maxRunning.CompareAndSwap(max, cur) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	// Different keys run on different lanes, so at least two overlapped.
	assert.GreaterOrEqual(t, maxRunning.Load(), int32(2))
}

func TestScheduler_ErrorPropagation(t *testing.T) {
	s := New[string]()
	defer s.Close()

	want := errors.New("handler failed")
	err := s.Do("key", func() error { return want })
	require.ErrorIs(t, err, want)
}

func TestScheduler_DoContext_Cancelled(t *testing.T) {
	s := New[string]()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.DoContext(ctx, "key", func() error {
		t.Error("callback must not run for a cancelled context")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_DoContext_Timeout(t *testing.T) {
	s := New[string]()
	defer s.Close()

	// One callback occupies the lane.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Do("key", func() error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	// A second caller on the same lane gives up waiting.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.DoContext(ctx, "key", func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	wg.Wait()
}

func TestScheduler_Close_NoNewTasks(t *testing.T) {
	s := New[string]()
	s.Close()

	err := s.Do("key", func() error { return nil })
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestScheduler_Close_DrainsExisting(t *testing.T) {
	s := New[string](WithBufferSize(10))

	var executed atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("key", func() error {
				time.Sleep(10 * time.Millisecond)
				executed.Add(1)
				return nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)

	// Close waits for in-flight submissions and drains the queued ones.
	s.Close()
	wg.Wait()

	assert.Equal(t, int32(5), executed.Load())
}

func TestScheduler_Close_NoPanic(t *testing.T) {
	// Close races against active submissions; run with -race.
	s := New[string]()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("key", func() error { return nil })
		}()
	}

	go func() {
		time.Sleep(time.Millisecond)
		s.Close()
	}()

	wg.Wait()
}

func TestScheduler_Close_Idempotent(t *testing.T) {
	s := New[string]()
	s.Close()
	s.Close()
}

func TestScheduler_WithBufferSize(t *testing.T) {
	s := New[string](WithBufferSize(2))
	defer s.Close()

	blocked := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.Do("key", func() error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked

	// Two more fit into the lane buffer without blocking the senders.
	for i := 0; i < 2; i++ {
		go func() {
			_ = s.Do("key", func() error { return nil })
		}()
	}
	time.Sleep(10 * time.Millisecond)

	close(release)
}

func TestScheduler_WithBufferSize_Invalid(t *testing.T) {
	// Non-positive sizes fall back to the default.
	s := New[string](WithBufferSize(0))
	s2 := New[string](WithBufferSize(-1))
	defer s.Close()
	defer s2.Close()

	require.NoError(t, s.Do("key", func() error { return nil }))
	require.NoError(t, s2.Do("key", func() error { return nil }))
}

func TestScheduler_ManyKeys(t *testing.T) {
	s := New[int]()
	defer s.Close()

	var wg sync.WaitGroup
	var total atomic.Int32

	for i := 0; i < 100; i++ {
		key := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(key, func() error {
				total.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(100), total.Load())
}
