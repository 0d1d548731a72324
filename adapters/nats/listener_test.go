package nats

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardrun-go/core/engine"
	"github.com/codewandler/shardrun-go/core/entity"
)

type echoPayload struct {
	Text string `json:"text"`
}

func TestNats_EntityRoundtrip(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connectNats := ReuseConnection(NewTestContainer(t))

	listener, err := NewListener(ListenerConfig{
		Connect:       connectNats,
		SubjectPrefix: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	eng := engine.New(engine.Options{})
	t.Cleanup(eng.Close)

	registry := entity.NewRegistry()
	registry.Register("echo", func() any { return &echoPayload{} })

	mgr, err := entity.NewManager(entity.ManagerOptions{
		Builder: eng.Builder(func(address entity.Address) (engine.Behavior, error) {
			return engine.BehaviorFunc(func(c *engine.Ctx) (any, error) {
				var p echoPayload
				if err := c.Bind(&p); err != nil {
					return nil, err
				}
				if err := c.Chunk("part-1", "part-2"); err != nil {
					return nil, err
				}
				return p.Text, nil
			}), nil
		}),
		Respond:  listener.Respond,
		Registry: registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	addr := entity.Address{ShardID: 7, EntityType: "Echo", EntityID: "e1"}
	require.NoError(t, listener.ServeShard(t.Context(), addr.ShardID, mgr))

	client, err := NewClient(ClientConfig{
		Connect:       connectNats,
		SubjectPrefix: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	t.Run("request with chunked reply", func(t *testing.T) {
		stream, err := client.Request(addr, "echo", echoPayload{Text: "hello"}, RequestOptions{})
		require.NoError(t, err)

		chunks, exit, err := stream.Collect(t.Context())
		require.NoError(t, err)
		require.NotNil(t, exit)
		require.Equal(t, entity.ExitSuccess, exit.Exit.Kind)
		require.JSONEq(t, `"hello"`, string(exit.Exit.Value))

		require.Len(t, chunks, 1)
		require.Equal(t, 0, chunks[0].Sequence)
		require.Len(t, chunks[0].Values, 2)
	})

	t.Run("unknown tag yields failure exit", func(t *testing.T) {
		stream, err := client.Request(addr, "does-not-exist", nil, RequestOptions{})
		require.NoError(t, err)

		_, exit, err := stream.Collect(t.Context())
		require.NoError(t, err)
		require.NotNil(t, exit)
		require.Equal(t, entity.ExitFailure, exit.Exit.Kind)
		require.Contains(t, exit.Exit.Cause, "unknown message tag")
	})
}
