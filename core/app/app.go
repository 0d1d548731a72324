package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardrun-go/core/engine"
	"github.com/codewandler/shardrun-go/core/entity"
	"github.com/codewandler/shardrun-go/core/reaper"
	"github.com/codewandler/shardrun-go/core/sharding"
	"github.com/codewandler/shardrun-go/ports/storage"
)

type RunnerConfig struct {
	ID        string
	NumShards uint32
	ShardSeed string
}

type Config struct {
	Context context.Context
	Log     *slog.Logger
	Runner  RunnerConfig

	// Behavior creates the handler logic per entity (required).
	Behavior engine.BehaviorFactory

	// Messages declares the accepted message tags and their payload types.
	Messages map[string]func() any

	// Concurrency caps in-flight requests per entity (default 1).
	Concurrency int

	MailboxCapacity int
	MaxIdleTime     time.Duration

	Storage storage.Store
	Metrics entity.ManagerMetrics
}

// App is a fully wired single-process runner. Requests are sent through
// the in-process caller; replies flow back over per-request channels.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	runner      RunnerConfig
	assignments *sharding.Static
	engine      *engine.Engine
	manager     *entity.Manager

	mu    sync.Mutex
	calls map[string]chan entity.Reply

	done chan struct{}
}

func New(config Config) (*App, error) {
	if config.Behavior == nil {
		return nil, fmt.Errorf("app: Config.Behavior is required")
	}

	runner := config.Runner
	if runner.ID == "" {
		runner.ID = fmt.Sprintf("runner-%s", gonanoid.Must(6))
	}
	if runner.NumShards == 0 {
		runner.NumShards = 256
	}
	if runner.ShardSeed == "" {
		runner.ShardSeed = "default"
	}

	log := config.Log
	if log == nil {
		log = slog.Default()
	}

	baseCtx := config.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)

	a := &App{
		ctx:         ctx,
		cancel:      cancel,
		log:         log.With(slog.String("runner", runner.ID)),
		runner:      runner,
		assignments: sharding.NewStatic(),
		calls:       make(map[string]chan entity.Reply),
		done:        make(chan struct{}),
	}

	a.engine = engine.New(engine.Options{
		Log:         a.log,
		Concurrency: config.Concurrency,
	})

	registry := entity.NewRegistry()
	for tag, factory := range config.Messages {
		registry.Register(tag, factory)
	}

	var rp *reaper.Reaper
	if config.MaxIdleTime > 0 {
		interval := config.MaxIdleTime / 2
		if interval < time.Second {
			interval = time.Second
		}
		rp = reaper.New(reaper.Options{Log: a.log, Interval: interval})
		go rp.Run(ctx)
	}

	manager, err := entity.NewManager(entity.ManagerOptions{
		Log:             a.log,
		ID:              runner.ID,
		Builder:         a.engine.Builder(config.Behavior),
		Respond:         a.deliver,
		Sharding:        a.assignments,
		Storage:         config.Storage,
		Reaper:          rp,
		Metrics:         config.Metrics,
		Registry:        registry,
		Context:         ctx,
		MailboxCapacity: config.MailboxCapacity,
		MaxIdleTime:     config.MaxIdleTime,
	})
	if err != nil {
		cancel()
		a.engine.Close()
		return nil, err
	}
	a.manager = manager

	return a, nil
}

// Run creates the app. Kept separate from New for symmetry with servers
// that need an explicit start; the manager itself starts on creation.
func Run(config Config) (*App, error) {
	a, err := New(config)
	if err != nil {
		return nil, err
	}
	a.log.Info("app started",
		slog.Int("shards", int(a.runner.NumShards)),
	)
	return a, nil
}

func (a *App) Manager() *entity.Manager { return a.manager }

// AddressFor derives the entity address for an id, using the runner's
// shard topology.
func (a *App) AddressFor(entityType, entityID string) entity.Address {
	return entity.Address{
		ShardID:    sharding.FromString(entityID, a.runner.NumShards, a.runner.ShardSeed),
		EntityType: entityType,
		EntityID:   entityID,
	}
}

// Done is closed once the app has fully stopped.
func (a *App) Done() <-chan struct{} { return a.done }

// Stop cancels the app without waiting for entities to drain.
func (a *App) Stop() {
	_ = a.Shutdown(context.Background())
}

// Shutdown drains all entities and stops background work. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.assignments.Shutdown()
	err := a.manager.Shutdown(ctx)
	a.engine.Close()
	a.cancel()

	a.mu.Lock()
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	a.mu.Unlock()

	return err
}

// === in-process caller ===

// Call is one in-flight request issued through the in-process caller.
type Call struct {
	app       *App
	address   entity.Address
	requestID string
	replies   chan entity.Reply
}

func (c *Call) RequestID() string { return c.requestID }

// Request sends a request to an entity and returns the reply stream.
// Payload is marshalled against the declared message type for tag.
func (a *App) Request(ctx context.Context, address entity.Address, tag string, payload any) (*Call, error) {
	requestID := gonanoid.Must(12)

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}

	replies := make(chan entity.Reply, 16)
	a.mu.Lock()
	a.calls[requestID] = replies
	a.mu.Unlock()

	if err := a.manager.Send(ctx, &entity.Incoming{
		Kind:      entity.IncomingRequest,
		Address:   address,
		Tag:       tag,
		RequestID: requestID,
		ClientID:  a.runner.ID,
		Payload:   raw,
	}); err != nil {
		a.dropCall(requestID)
		return nil, err
	}

	return &Call{
		app:       a,
		address:   address,
		requestID: requestID,
		replies:   replies,
	}, nil
}

// Next blocks for the next reply.
func (c *Call) Next(ctx context.Context) (entity.Reply, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-c.replies:
		if !ok {
			return nil, fmt.Errorf("call %s closed", c.requestID)
		}
		return r, nil
	}
}

// Collect drains the stream: chunks are acknowledged and gathered until
// the terminal exit arrives.
func (c *Call) Collect(ctx context.Context) ([]*entity.ReplyChunk, *entity.ReplyWithExit, error) {
	var chunks []*entity.ReplyChunk
	for {
		r, err := c.Next(ctx)
		if err != nil {
			return chunks, nil, err
		}
		switch v := r.(type) {
		case *entity.ReplyChunk:
			chunks = append(chunks, v)
			err := c.app.manager.SendLocal(ctx, &entity.AckChunk{
				Address:   c.address,
				RequestID: c.requestID,
				ReplyID:   v.ID,
				ClientID:  c.app.runner.ID,
			})
			if err != nil {
				return chunks, nil, err
			}
		case *entity.ReplyWithExit:
			return chunks, v, nil
		default:
			return chunks, nil, fmt.Errorf("unexpected reply type %T", r)
		}
	}
}

// Interrupt asks the entity to stop processing this call.
func (c *Call) Interrupt(ctx context.Context) error {
	return c.app.manager.SendLocal(ctx, &entity.Interrupt{
		Address:   c.address,
		RequestID: c.requestID,
		ClientID:  c.app.runner.ID,
	})
}

// deliver is the manager's Responder: replies are routed to the waiting
// call; a terminal reply retires it.
func (a *App) deliver(_ context.Context, reply entity.Reply) error {
	requestID := reply.ReplyRequestID()

	a.mu.Lock()
	ch, ok := a.calls[requestID]
	if ok {
		if _, terminal := reply.(*entity.ReplyWithExit); terminal {
			delete(a.calls, requestID)
		}
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: no caller for request %s", requestID)
	}

	select {
	case ch <- reply:
		return nil
	default:
		return fmt.Errorf("app: caller %s not consuming replies", requestID)
	}
}

func (a *App) dropCall(requestID string) {
	a.mu.Lock()
	delete(a.calls, requestID)
	a.mu.Unlock()
}
