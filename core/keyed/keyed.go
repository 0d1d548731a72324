package keyed

import (
	"context"
	"errors"
	"sync"

	"github.com/codewandler/shardrun-go/core/sf"
)

var ErrNotFound = errors.New("resource not found")

// Options configures a Cache.
type Options[T any] struct {
	// Teardown is called exactly once when a resource is removed, after
	// it has left the registry and outside any lock. Optional.
	Teardown func(ctx context.Context, key string, v *T)
}

// Cache is a lazy keyed resource registry. Resources are created on
// first access under a single-flight guard, so concurrent first accesses
// for the same key never double-create; operations on different keys
// proceed in parallel. Entries are inserted only by the creation funnel
// and removed only by Remove/RemoveIgnore, which also run the teardown
// hook.
type Cache[T any] struct {
	teardown func(ctx context.Context, key string, v *T)
	flight   *sf.Singleflight[T]

	mu   sync.RWMutex
	live map[string]*T
}

func New[T any](opts Options[T]) *Cache[T] {
	return &Cache[T]{
		teardown: opts.Teardown,
		flight:   sf.New[T](),
		live:     make(map[string]*T),
	}
}

// GetOrCreate returns the live resource for key, creating it via create
// if absent. create runs at most once per key at any given time; losers
// of the race receive the winner's result.
func (c *Cache[T]) GetOrCreate(key string, create func() (*T, error)) (*T, error) {
	c.mu.RLock()
	v, ok := c.live[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	return c.flight.Do(key, func() (*T, error) {
		// Re-check under the flight: another caller may have finished
		// creation between our fast path and here.
		c.mu.RLock()
		v, ok := c.live[key]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}

		v, err := create()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.live[key] = v
		c.mu.Unlock()
		return v, nil
	})
}

// Get returns the live resource for key without creating it.
func (c *Cache[T]) Get(key string) (*T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.live[key]
	return v, ok
}

// Remove removes the resource and runs its teardown hook. Returns
// ErrNotFound if no resource is live for key. The removal itself is
// atomic: whichever caller deletes the entry runs the teardown.
func (c *Cache[T]) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	v, ok := c.live[key]
	if ok {
		delete(c.live, key)
	}
	c.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if c.teardown != nil {
		c.teardown(ctx, key, v)
	}
	return nil
}

// RemoveIgnore removes the resource, ignoring the already-absent case.
// Used by eviction and the idle reaper.
func (c *Cache[T]) RemoveIgnore(ctx context.Context, key string) {
	_ = c.Remove(ctx, key)
}

// Len returns the number of live resources.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.live)
}

// Range calls fn for every live resource until fn returns false. The
// snapshot is taken under the read lock; fn runs without it.
func (c *Cache[T]) Range(fn func(key string, v *T) bool) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.live))
	vals := make([]*T, 0, len(c.live))
	for k, v := range c.live {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	c.mu.RUnlock()

	for i := range keys {
		if !fn(keys[i], vals[i]) {
			return
		}
	}
}
