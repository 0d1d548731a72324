package app

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardrun-go/core/engine"
	"github.com/codewandler/shardrun-go/core/entity"
)

type (
	ping struct {
		Seq int `json:"seq"`
	}
	pong struct {
		Seq int `json:"seq"`
	}
)

func pingBehavior() engine.BehaviorFactory {
	return func(entity.Address) (engine.Behavior, error) {
		return engine.BehaviorFunc(func(c *engine.Ctx) (any, error) {
			var p ping
			if err := c.Bind(&p); err != nil {
				return nil, err
			}
			return pong{Seq: p.Seq + 1}, nil
		}), nil
	}
}

func pingMessages() map[string]func() any {
	return map[string]func() any{
		"ping": func() any { return &ping{} },
	}
}

func TestApp(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelInfo)

	a, err := Run(Config{
		Behavior: pingBehavior(),
		Messages: pingMessages(),
	})
	require.NoError(t, err)
	require.NotNil(t, a)
	t.Cleanup(a.Stop)

	call, err := a.Request(t.Context(), a.AddressFor("Ping", "tenant-1"), "ping", ping{Seq: 1})
	require.NoError(t, err)

	_, exit, err := call.Collect(t.Context())
	require.NoError(t, err)
	require.Equal(t, entity.ExitSuccess, exit.Exit.Kind)
	require.JSONEq(t, `{"seq":2}`, string(exit.Exit.Value))
}

func TestApp_RequiresBehavior(t *testing.T) {
	_, err := New(Config{})
	require.ErrorContains(t, err, "Behavior is required")
}

func TestApp_AddressForIsStable(t *testing.T) {
	a, err := New(Config{
		Behavior: pingBehavior(),
		Runner:   RunnerConfig{NumShards: 64, ShardSeed: "custom-seed"},
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	a1 := a.AddressFor("Ping", "tenant-1")
	a2 := a.AddressFor("Ping", "tenant-1")
	assert.Equal(t, a1, a2)
	assert.Less(t, a1.ShardID, uint32(64))
}

func TestApp_ChunkedCall(t *testing.T) {
	a, err := Run(Config{
		Behavior: func(entity.Address) (engine.Behavior, error) {
			return engine.BehaviorFunc(func(c *engine.Ctx) (any, error) {
				for i := 0; i < 3; i++ {
					if err := c.Chunk(i); err != nil {
						return nil, err
					}
				}
				return "done", nil
			}), nil
		},
		Messages: pingMessages(),
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	call, err := a.Request(t.Context(), a.AddressFor("Stream", "s-1"), "ping", ping{})
	require.NoError(t, err)

	chunks, exit, err := call.Collect(t.Context())
	require.NoError(t, err)
	require.Equal(t, entity.ExitSuccess, exit.Exit.Kind)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Sequence)
	}
}

func TestApp_InterruptCall(t *testing.T) {
	started := make(chan struct{})
	a, err := Run(Config{
		Behavior: func(entity.Address) (engine.Behavior, error) {
			return engine.BehaviorFunc(func(c *engine.Ctx) (any, error) {
				close(started)
				<-c.Done()
				return nil, c.Err()
			}), nil
		},
		Messages: pingMessages(),
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	call, err := a.Request(t.Context(), a.AddressFor("Slow", "s-1"), "ping", ping{})
	require.NoError(t, err)
	<-started

	require.NoError(t, call.Interrupt(t.Context()))

	_, exit, err := call.Collect(t.Context())
	require.NoError(t, err)
	assert.Equal(t, entity.ExitInterrupt, exit.Exit.Kind)
}

func TestApp_Shutdown(t *testing.T) {
	a, err := Run(Config{
		Behavior: pingBehavior(),
		Messages: pingMessages(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	select {
	case <-a.Done():
	default:
		t.Fatal("Done() should be closed after Shutdown")
	}

	// New requests are refused after shutdown.
	_, err = a.Request(context.Background(), a.AddressFor("Ping", "x"), "ping", ping{})
	require.Error(t, err)
}

func TestApp_Stop(t *testing.T) {
	a, err := Run(Config{
		Behavior: pingBehavior(),
		Messages: pingMessages(),
	})
	require.NoError(t, err)

	a.Stop()
	// Idempotent.
	a.Stop()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() should be closed after Stop")
	}
}

func TestApp_ManyEntities(t *testing.T) {
	a, err := Run(Config{
		Behavior: pingBehavior(),
		Messages: pingMessages(),
		Runner:   RunnerConfig{NumShards: 16},
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	for i := 0; i < 20; i++ {
		call, err := a.Request(t.Context(), a.AddressFor("Ping", fmt.Sprintf("tenant-%d", i)), "ping", ping{Seq: i})
		require.NoError(t, err)
		_, exit, err := call.Collect(t.Context())
		require.NoError(t, err)
		require.Equal(t, entity.ExitSuccess, exit.Exit.Kind)
	}

	assert.Equal(t, 20, a.Manager().ActiveEntityCount())
}
