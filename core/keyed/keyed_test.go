package keyed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resource struct {
	id int
}

func TestCache_GetOrCreate(t *testing.T) {
	c := New(Options[resource]{})

	var creates atomic.Int32
	create := func() (*resource, error) {
		return &resource{id: int(creates.Add(1))}, nil
	}

	v1, err := c.GetOrCreate("a", create)
	require.NoError(t, err)
	require.Equal(t, 1, v1.id)

	// Second access returns the live resource, no new create.
	v2, err := c.GetOrCreate("a", create)
	require.NoError(t, err)
	assert.Same(t, v1, v2)
	assert.Equal(t, int32(1), creates.Load())

	// Different key, different resource.
	v3, err := c.GetOrCreate("b", create)
	require.NoError(t, err)
	assert.NotSame(t, v1, v3)
	assert.Equal(t, 2, c.Len())
}

func TestCache_ConcurrentCreateOnce(t *testing.T) {
	c := New(Options[resource]{})

	var creates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCreate("a", func() (*resource, error) {
				creates.Add(1)
				return &resource{id: 1}, nil
			})
			assert.NoError(t, err)
			assert.NotNil(t, v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), creates.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCache_CreateErrorIsNotCached(t *testing.T) {
	c := New(Options[resource]{})

	_, err := c.GetOrCreate("a", func() (*resource, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	// The key is free for a fresh attempt.
	v, err := c.GetOrCreate("a", func() (*resource, error) {
		return &resource{id: 7}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v.id)
}

func TestCache_RemoveRunsTeardownOnce(t *testing.T) {
	var teardowns atomic.Int32
	c := New(Options[resource]{
		Teardown: func(_ context.Context, key string, v *resource) {
			teardowns.Add(1)
			assert.Equal(t, "a", key)
			assert.Equal(t, 1, v.id)
		},
	})

	_, err := c.GetOrCreate("a", func() (*resource, error) {
		return &resource{id: 1}, nil
	})
	require.NoError(t, err)

	// Concurrent removals: exactly one runs the teardown.
	var wg sync.WaitGroup
	var notFound atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Remove(context.Background(), "a"); errors.Is(err, ErrNotFound) {
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), teardowns.Load())
	assert.Equal(t, int32(7), notFound.Load())
	assert.Equal(t, 0, c.Len())

	// RemoveIgnore swallows the already-absent case.
	c.RemoveIgnore(context.Background(), "a")
}

func TestCache_CreateEvictCreate(t *testing.T) {
	c := New(Options[resource]{})

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCreate("a", func() (*resource, error) {
			return &resource{id: i}, nil
		})
		require.NoError(t, err)
		require.Equal(t, i, v.id)
		require.NoError(t, c.Remove(context.Background(), "a"))
	}
}

func TestCache_Range(t *testing.T) {
	c := New(Options[resource]{})
	for i := 0; i < 5; i++ {
		_, err := c.GetOrCreate(fmt.Sprintf("k%d", i), func() (*resource, error) {
			return &resource{id: i}, nil
		})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	c.Range(func(key string, _ *resource) bool {
		seen[key] = true
		return true
	})
	assert.Len(t, seen, 5)

	// Early exit stops the walk.
	count := 0
	c.Range(func(string, *resource) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}
