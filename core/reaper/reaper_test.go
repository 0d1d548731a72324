package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReaper_EvictsIdleEntities(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	idle := map[string]time.Time{
		"a": time.Now().Add(-time.Minute),
		"b": time.Now(), // busy, not idle long enough
	}
	evicted := map[string]int{}

	r := New(Options{Interval: 10 * time.Millisecond})
	r.Register(Registration{
		Name:    "test",
		MaxIdle: time.Second,
		Idle: func(deadline time.Time) []string {
			mu.Lock()
			defer mu.Unlock()
			var keys []string
			for k, last := range idle {
				if last.Before(deadline) {
					keys = append(keys, k)
				}
			}
			return keys
		},
		Evict: func(_ context.Context, key string) {
			mu.Lock()
			defer mu.Unlock()
			evicted[key]++
			delete(idle, key)
		},
	})

	go r.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return evicted["a"] == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, evicted["b"])
}

func TestReaper_ZeroMaxIdleDisablesSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := make(chan struct{}, 1)
	r := New(Options{Interval: 5 * time.Millisecond})
	r.Register(Registration{
		Name:    "disabled",
		MaxIdle: 0,
		Idle: func(time.Time) []string {
			select {
			case called <- struct{}{}:
			default:
			}
			return nil
		},
		Evict: func(context.Context, string) {},
	})

	go r.Run(ctx)

	select {
	case <-called:
		t.Fatal("Idle must not be consulted when MaxIdle is zero")
	case <-time.After(50 * time.Millisecond):
	}
}
