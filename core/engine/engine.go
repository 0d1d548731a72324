// Package engine executes entity handler code. It is the default
// implementation of the entity.Transport contract: behaviors run with
// per-entity sequential invocation (configurable in-flight concurrency,
// default 1), panics are contained and surfaced as defect events, and
// an end-of-stream write drains in-flight work before acknowledging.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/codewandler/shardrun-go/core/entity"
	"github.com/codewandler/shardrun-go/core/perkey"
)

// ErrClosed is returned when a request is written after end-of-stream.
var ErrClosed = errors.New("handler instance closed")

// Behavior is user-supplied handler logic for one entity. It can emit
// chunk replies through the Ctx and returns the terminal result (or
// error) for the request.
type Behavior interface {
	HandleRequest(c *Ctx) (any, error)
}

// BehaviorFunc adapts a function to the Behavior interface.
type BehaviorFunc func(c *Ctx) (any, error)

func (f BehaviorFunc) HandleRequest(c *Ctx) (any, error) { return f(c) }

// BehaviorFactory creates the behavior for an address. It is called on
// first use of an entity and again after every crash recovery.
type BehaviorFactory func(address entity.Address) (Behavior, error)

// Options configures an Engine.
type Options struct {
	Log *slog.Logger

	// Concurrency caps in-flight requests per entity. 1 (the default)
	// serializes handler invocations per entity.
	Concurrency int
}

// Engine runs behaviors for many entities. One engine is shared by all
// entities of a manager.
type Engine struct {
	log         *slog.Logger
	concurrency int
	sched       *perkey.Scheduler[string]
}

func New(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{
		log:         log.With(slog.String("component", "engine")),
		concurrency: concurrency,
		sched:       perkey.New[string](),
	}
}

// Close stops the per-key scheduler. In-flight work still completes.
func (e *Engine) Close() { e.sched.Close() }

// Builder returns an entity.Builder backed by this engine.
func (e *Engine) Builder(factory BehaviorFactory) entity.Builder {
	return func(address entity.Address, events entity.Events) (entity.Transport, error) {
		behavior, err := factory(address)
		if err != nil {
			return nil, fmt.Errorf("create behavior: %w", err)
		}

		inst := &instance{
			engine:   e,
			address:  address,
			behavior: behavior,
			events:   events,
			log:      e.log.With(slog.String("entity", address.Key())),
			inflight: make(map[string]context.CancelFunc),
		}
		if e.concurrency > 1 {
			inst.sem = make(chan struct{}, e.concurrency)
		}
		return inst, nil
	}
}

// instance is one built handler. The manager's slot may drop it and
// build a fresh one after a crash; the entity's identity is not ours.
type instance struct {
	engine   *Engine
	address  entity.Address
	behavior Behavior
	events   entity.Events
	log      *slog.Logger

	sem chan struct{} // nil when serialized via the per-key scheduler

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	eof      bool
	wg       sync.WaitGroup
}

func (i *instance) Write(_ context.Context, clientID string, msg entity.RawMessage) error {
	switch msg.Kind {
	case entity.RawRequest:
		return i.writeRequest(clientID, *msg.Request)

	case entity.RawAck:
		// In-process streams are not flow-controlled; acks are satisfied
		// the moment the chunk callback returned.
		return nil

	case entity.RawInterrupt:
		i.mu.Lock()
		cancel := i.inflight[msg.Interrupt.RequestID]
		i.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	case entity.RawEof:
		i.mu.Lock()
		if i.eof {
			i.mu.Unlock()
			return nil
		}
		i.eof = true
		i.mu.Unlock()
		go func() {
			i.wg.Wait()
			i.events.Eof()
		}()
		return nil

	default:
		return fmt.Errorf("engine: unsupported raw message kind %v", msg.Kind)
	}
}

func (i *instance) writeRequest(clientID string, req entity.Request) error {
	requestID := req.Envelope.RequestID

	i.mu.Lock()
	if i.eof {
		i.mu.Unlock()
		return ErrClosed
	}
	if _, running := i.inflight[requestID]; running {
		i.mu.Unlock()
		return nil
	}
	reqCtx, cancel := context.WithCancel(context.Background())
	i.inflight[requestID] = cancel
	i.wg.Add(1)
	i.mu.Unlock()

	if i.sem != nil {
		go func() {
			i.sem <- struct{}{}
			defer func() { <-i.sem }()
			i.run(reqCtx, clientID, req)
		}()
		return nil
	}

	go func() {
		_ = i.engine.sched.Do(i.address.Key(), func() error {
			i.run(reqCtx, clientID, req)
			return nil
		})
	}()
	return nil
}

func (i *instance) run(ctx context.Context, clientID string, req entity.Request) {
	requestID := req.Envelope.RequestID

	defer i.wg.Done()
	defer func() {
		i.mu.Lock()
		delete(i.inflight, requestID)
		i.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("behavior panicked",
				slog.String("request_id", requestID),
				slog.Any("recovered", r),
				slog.String("stack", string(debug.Stack())),
			)
			i.events.Defect(fmt.Errorf("behavior panic: %v", r))
		}
	}()

	c := &Ctx{
		Context:  ctx,
		log:      i.log.With(slog.String("request_id", requestID)),
		req:      req,
		clientID: clientID,
		events:   i.events,
	}

	result, err := i.behavior.HandleRequest(c)

	var exit entity.Exit
	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		exit = entity.Interrupted(err.Error())
	case err != nil:
		exit = entity.Fail(err.Error())
	default:
		data, merr := marshalResult(result)
		if merr != nil {
			exit = entity.Fail(fmt.Sprintf("encode result: %v", merr))
		} else {
			exit = entity.Succeed(data)
		}
	}

	// The request context may already be cancelled (interrupt); reply
	// bookkeeping must still run.
	i.events.Reply(context.WithoutCancel(ctx), &entity.ReplyWithExit{
		RequestID: requestID,
		ID:        entity.NewReplyID(),
		Exit:      exit,
	})
}

var _ entity.Transport = (*instance)(nil)
