package entity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardrun-go/core/ds"
	"github.com/codewandler/shardrun-go/core/keyed"
	"github.com/codewandler/shardrun-go/core/reaper"
	"github.com/codewandler/shardrun-go/core/sharding"
	"github.com/codewandler/shardrun-go/ports/storage"
)

const (
	defaultTerminationTimeout = 5 * time.Second
	defaultReplyRetryAttempts = 4
	defaultReplyRetryDelay    = 200 * time.Millisecond
	gaugeRefreshInterval      = time.Second
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Log *slog.Logger

	// ID identifies the runner in logs. Generated if empty.
	ID string

	// Builder creates handler instances (required).
	Builder Builder

	// Respond forwards replies to the original caller (required).
	Respond Responder

	// Sharding is consulted before entity creation. Optional; without it
	// the runner is assumed to own every shard it receives messages for.
	Sharding sharding.Assignments

	// Storage receives best-effort ResetAddress calls on entity
	// teardown. Optional.
	Storage storage.Store

	// Reaper evicts idle entities; the manager registers its live maps
	// with it. Optional, only used when MaxIdleTime > 0.
	Reaper *reaper.Reaper

	Metrics ManagerMetrics

	// Registry decodes untrusted wire messages for Send. Optional when
	// only SendLocal is used.
	Registry *Registry

	// Context bounds background work (gauge refresh, crash recovery).
	Context context.Context

	// MailboxCapacity bounds in-flight requests per entity. 0 = unbounded.
	MailboxCapacity int

	// MaxIdleTime is the idle threshold handed to the reaper.
	MaxIdleTime time.Duration

	// EntityTerminationTimeout bounds the graceful-drain wait during
	// entity teardown (default 5s).
	EntityTerminationTimeout time.Duration

	// DefectRetry overrides the crash-recovery retry policy.
	DefectRetry RetryPolicy

	// DisableFatalDefects downgrades process-level faults to error logs.
	DisableFatalDefects bool

	// OnFatal overrides the process-level fault path. Default: log and
	// panic (unless DisableFatalDefects is set).
	OnFatal func(error)

	// Tags are free-form trace tags attached to the manager's logger.
	Tags []string
}

// Manager hosts the live entities for the shards owned by this runner
// and routes inbound messages to them.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	id     string

	builder  Builder
	respond  Responder
	sharding sharding.Assignments
	storage  storage.Store
	metrics  ManagerMetrics
	registry *Registry

	mailboxCapacity     int
	termTimeout         time.Duration
	defectRetry         RetryPolicy
	disableFatalDefects bool
	onFatal             func(error)

	replyRetryAttempts int
	replyRetryDelay    time.Duration

	entities *keyed.Cache[State]

	shuttingDown atomic.Bool
}

// NewManager creates and starts a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Builder == nil {
		return nil, fmt.Errorf("entity: ManagerOptions.Builder is required")
	}
	if opts.Respond == nil {
		return nil, fmt.Errorf("entity: ManagerOptions.Respond is required")
	}

	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("runner-%s", gonanoid.Must(6))
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("runner", id))
	if len(opts.Tags) > 0 {
		log = log.With(slog.Any("tags", opts.Tags))
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopManagerMetrics()
	}

	defectRetry := opts.DefectRetry
	if defectRetry == nil {
		defectRetry = DefaultDefectRetry()
	}

	termTimeout := opts.EntityTerminationTimeout
	if termTimeout <= 0 {
		termTimeout = defaultTerminationTimeout
	}

	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)

	m := &Manager{
		ctx:                 ctx,
		cancel:              cancel,
		log:                 log,
		id:                  id,
		builder:             opts.Builder,
		respond:             opts.Respond,
		sharding:            opts.Sharding,
		storage:             opts.Storage,
		metrics:             metrics,
		registry:            opts.Registry,
		mailboxCapacity:     opts.MailboxCapacity,
		termTimeout:         termTimeout,
		defectRetry:         defectRetry,
		disableFatalDefects: opts.DisableFatalDefects,
		onFatal:             opts.OnFatal,
		replyRetryAttempts:  defaultReplyRetryAttempts,
		replyRetryDelay:     defaultReplyRetryDelay,
	}

	m.entities = keyed.New(keyed.Options[State]{
		Teardown: m.teardownEntity,
	})

	if opts.Reaper != nil && opts.MaxIdleTime > 0 {
		opts.Reaper.Register(reaper.Registration{
			Name:    id,
			MaxIdle: opts.MaxIdleTime,
			Idle:    m.idleKeys,
			Evict:   m.entities.RemoveIgnore,
		})
	}

	go m.runGauges()

	return m, nil
}

// SendLocal routes a decoded local message to its entity, creating the
// entity on first use.
func (m *Manager) SendLocal(ctx context.Context, msg LocalMessage) error {
	switch v := msg.(type) {
	case *Request:
		return m.sendRequest(ctx, v)
	case *AckChunk:
		return m.sendAck(ctx, v)
	case *Interrupt:
		return m.sendInterrupt(ctx, v)
	default:
		return fmt.Errorf("entity: unsupported local message %T", msg)
	}
}

func (m *Manager) sendRequest(ctx context.Context, req *Request) (err error) {
	typ := req.Envelope.Address.EntityType
	defer m.metrics.SendDuration(typ).ObserveDuration()
	defer func() { m.metrics.SendCompleted(typ, err == nil) }()

	st, err := m.acquire(req.Envelope.Address)
	if err != nil {
		return err
	}

	requestID := req.Envelope.RequestID

	st.mu.Lock()
	if _, exists := st.active[requestID]; exists {
		st.mu.Unlock()
		// Benign race: a second sender retried before the first's
		// response path completed.
		return ErrAlreadyProcessingMessage
	}
	if m.mailboxCapacity > 0 && len(st.active) >= m.mailboxCapacity {
		st.mu.Unlock()
		return ErrMailboxFull
	}
	entry := &requestEntry{request: *req}
	if req.LastSentReply != nil {
		entry.sequence = req.LastSentReply.Sequence + 1
		entry.lastSentChunk = req.LastSentReply
		entry.sentReply = true
	}
	st.active[requestID] = entry
	st.mu.Unlock()
	st.touch()

	inst, err := st.slot.get(ctx)
	if err == nil {
		err = inst.Write(ctx, req.ClientID, RawOf(req))
	}
	if err != nil {
		st.mu.Lock()
		delete(st.active, requestID)
		st.mu.Unlock()
		return fmt.Errorf("write request %s: %w", requestID, err)
	}
	return nil
}

func (m *Manager) sendAck(ctx context.Context, ack *AckChunk) error {
	st, ok := m.entities.Get(ack.Address.Key())
	if !ok {
		return nil // unknown entity, ignore
	}

	st.mu.Lock()
	entry, ok := st.active[ack.RequestID]
	if !ok || entry.lastSentChunk == nil || entry.lastSentChunk.ID != ack.ReplyID {
		st.mu.Unlock()
		return nil // unknown request or stale ack, ignore
	}
	st.mu.Unlock()

	inst, ok := st.slot.current()
	if !ok {
		return nil
	}
	return inst.Write(ctx, ack.ClientID, RawAckOf(ack))
}

func (m *Manager) sendInterrupt(ctx context.Context, intr *Interrupt) error {
	st, ok := m.entities.Get(intr.Address.Key())
	if !ok {
		return nil
	}

	st.mu.Lock()
	_, ok = st.active[intr.RequestID]
	st.mu.Unlock()
	if !ok {
		return nil
	}

	inst, ok := st.slot.current()
	if !ok {
		return nil
	}
	return inst.Write(ctx, intr.ClientID, RawInterruptOf(intr))
}

// ProcessingOption configures IsProcessingFor.
type ProcessingOption func(*processingOptions)

type processingOptions struct {
	excludeReplies bool
}

// WithExcludeReplies treats requests whose reply was already sent as
// not-processing, so a caller deciding whether to resend can resume a
// partially delivered stream.
func WithExcludeReplies() ProcessingOption {
	return func(o *processingOptions) { o.excludeReplies = true }
}

// IsProcessingFor reports whether the request is currently tracked by
// its entity. Point-in-time only; callers use it to decide resends.
func (m *Manager) IsProcessingFor(req *Request, opts ...ProcessingOption) bool {
	var o processingOptions
	for _, opt := range opts {
		opt(&o)
	}

	st, ok := m.entities.Get(req.Envelope.Address.Key())
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	entry, ok := st.active[req.Envelope.RequestID]
	if !ok {
		return false
	}
	if o.excludeReplies && entry.sentReply {
		return false
	}
	return true
}

// ActiveEntityCount returns the number of live entities.
func (m *Manager) ActiveEntityCount() int { return m.entities.Len() }

// InterruptShard tears down every entity on the shard. It loops until a
// full scan finds no matching entity, because senders may race to create
// new entities for the shard while eviction is in progress.
func (m *Manager) InterruptShard(ctx context.Context, shardID uint32) error {
	for pass := 0; ; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		matched := ds.NewStringSet()
		m.entities.Range(func(key string, st *State) bool {
			if st.address.ShardID == shardID {
				matched.Add(key)
			}
			return true
		})
		if matched.IsEmpty() {
			if pass > 0 {
				m.log.Debug("shard evicted",
					slog.Int("shard", int(shardID)),
					slog.Int("passes", pass),
				)
			}
			return nil
		}

		var wg sync.WaitGroup
		matched.ForEach(func(key string) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.entities.RemoveIgnore(ctx, key)
			}()
		})
		wg.Wait()
	}
}

// Shutdown marks the runner as shutting down (new entity creation fails
// with ErrEntityNotAssignedToRunner), tears down all live entities and
// stops background work.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)
	defer m.cancel()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var keys []string
		m.entities.Range(func(key string, _ *State) bool {
			keys = append(keys, key)
			return true
		})
		if len(keys) == 0 {
			m.log.Info("manager shut down")
			return nil
		}

		var wg sync.WaitGroup
		for _, key := range keys {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				m.entities.RemoveIgnore(ctx, key)
			}(key)
		}
		wg.Wait()
	}
}

// === internals ===

func (m *Manager) isShutdown() bool {
	if m.shuttingDown.Load() {
		return true
	}
	return m.sharding != nil && m.sharding.IsShutdown()
}

// acquire looks up or creates the entity state for the address. Creation
// runs under the cache's single-flight funnel so concurrent first
// accesses never double-create.
func (m *Manager) acquire(addr Address) (*State, error) {
	if m.isShutdown() {
		return nil, ErrEntityNotAssignedToRunner
	}

	st, err := m.entities.GetOrCreate(addr.Key(), func() (*State, error) {
		if m.isShutdown() {
			return nil, ErrEntityNotAssignedToRunner
		}
		st := newState(addr)
		st.slot = newSlot(func() (Transport, error) {
			return m.builder(addr, &entityEvents{m: m, st: st})
		})
		m.log.Debug("entity created", slog.String("address", addr.Key()))
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// teardownEntity is the cache teardown hook: signal end-of-stream to the
// handler, wait (bounded) for the drain acknowledgment, then reset the
// address in durable storage.
func (m *Manager) teardownEntity(ctx context.Context, key string, st *State) {
	st.markClosed()

	if inst, ok := st.slot.current(); ok {
		if err := inst.Write(ctx, "", RawEofMessage()); err != nil {
			m.log.Debug("eof write failed",
				slog.String("address", key),
				slog.Any("error", err),
			)
		} else {
			select {
			case <-st.drained:
			case <-time.After(m.termTimeout):
				// A wedged handler must not block shard rebalancing.
				m.log.Warn("entity termination timeout, forcing closure",
					slog.String("address", key),
					slog.Duration("timeout", m.termTimeout),
				)
			case <-ctx.Done():
			}
		}
	}

	if m.storage != nil {
		if err := m.storage.ResetAddress(ctx, key); err != nil {
			m.log.Warn("storage reset failed",
				slog.String("address", key),
				slog.Any("error", err),
			)
		}
	}

	m.log.Debug("entity removed", slog.String("address", key))
}

func (m *Manager) idleKeys(deadline time.Time) []string {
	var keys []string
	m.entities.Range(func(key string, st *State) bool {
		if st.ActiveRequests() == 0 && st.LastActive().Before(deadline) {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

// forwardReply delivers a reply to the original caller with a bounded
// retry to absorb transient transport hiccups.
func (m *Manager) forwardReply(ctx context.Context, reply Reply) error {
	var err error
	for attempt := 0; attempt < m.replyRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.replyRetryDelay):
			}
		}
		if err = m.respond(ctx, reply); err == nil {
			return nil
		}
		m.log.Debug("reply forward failed",
			slog.String("request_id", reply.ReplyRequestID()),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return err
}

// fatal escalates a process-level fault.
func (m *Manager) fatal(err error) {
	if m.onFatal != nil {
		m.onFatal(err)
		return
	}
	m.log.Error("fatal defect", slog.Any("error", err))
	if !m.disableFatalDefects {
		panic(err)
	}
}

// recoverEntity handles a handler crash: snapshot the in-flight requests,
// back off, rebuild the handler in place and replay the snapshot into
// the new instance. Rebuild failures loop through the same path.
func (m *Manager) recoverEntity(st *State, cause error) {
	if !st.recovering.CompareAndSwap(false, true) {
		return
	}

	typ := st.address.EntityType
	m.metrics.EntityDefect(typ)
	m.log.Error("entity handler crashed",
		slog.String("address", st.address.Key()),
		slog.Any("error", cause),
	)

	// Explicit state capture before any retry; replay is an explicit
	// step after rebuild succeeds.
	snapshot := st.snapshot()

	go func() {
		defer st.recovering.Store(false)

		for attempt := 0; ; attempt++ {
			select {
			case <-m.ctx.Done():
				return
			case <-st.closed:
				return
			case <-time.After(m.defectRetry.Delay(attempt)):
			}

			inst, err := st.slot.rebuild(m.ctx)
			if err != nil {
				m.log.Warn("handler rebuild failed",
					slog.String("address", st.address.Key()),
					slog.Int("attempt", attempt+1),
					slog.Any("error", err),
				)
				continue
			}

			replayed := 0
			for _, req := range snapshot {
				requestID := req.Envelope.RequestID

				// Skip requests that completed while we were backing off.
				st.mu.Lock()
				_, live := st.active[requestID]
				st.mu.Unlock()
				if !live {
					continue
				}

				req := req
				if err := inst.Write(m.ctx, req.ClientID, RawOf(&req)); err != nil {
					m.log.Warn("request replay failed",
						slog.String("address", st.address.Key()),
						slog.String("request_id", requestID),
						slog.Any("error", err),
					)
					continue
				}
				m.metrics.RequestReplayed(typ)
				replayed++
			}

			m.log.Info("entity handler rebuilt",
				slog.String("address", st.address.Key()),
				slog.Int("attempts", attempt+1),
				slog.Int("replayed", replayed),
			)
			return
		}
	}()
}

// runGauges refreshes the active-entity gauge per entity type.
func (m *Manager) runGauges() {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	last := map[string]int{}
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			counts := map[string]int{}
			m.entities.Range(func(_ string, st *State) bool {
				counts[st.address.EntityType]++
				return true
			})
			// Types that disappeared report zero once.
			for typ := range last {
				if _, ok := counts[typ]; !ok {
					counts[typ] = 0
				}
			}
			for typ, n := range counts {
				m.metrics.ActiveEntities(typ, n)
			}
			for typ, n := range counts {
				if n == 0 {
					delete(counts, typ)
				}
			}
			last = counts
		}
	}
}

// === events sink ===

// entityEvents is the per-entity callback sink handed to the builder.
// The transport invokes it sequentially per entity.
type entityEvents struct {
	m  *Manager
	st *State
}

func (e *entityEvents) Reply(ctx context.Context, reply Reply) {
	switch r := reply.(type) {
	case *ReplyWithExit:
		e.onExit(ctx, r)
	case *ReplyChunk:
		e.onChunk(ctx, r)
	default:
		e.m.log.Warn("unknown reply type", slog.String("type", fmt.Sprintf("%T", reply)))
	}
}

func (e *entityEvents) onExit(ctx context.Context, r *ReplyWithExit) {
	m, st := e.m, e.st

	st.mu.Lock()
	entry, ok := st.active[r.RequestID]
	if !ok {
		st.mu.Unlock()
		return // stale or unknown, ignore
	}
	entry.sentReply = true
	req := entry.request
	st.mu.Unlock()

	// Interrupt-caused failures of persisted requests are suppressed
	// while shutting down or when the request is uninterruptible: the
	// durable-storage collaborator will redeliver them.
	suppress := req.Persisted && r.Exit.IsInterrupt() &&
		(m.isShutdown() || req.Uninterruptible)

	if !suppress {
		err := m.forwardReply(ctx, r)
		m.metrics.ReplyForwarded("exit", err == nil)
		if err != nil {
			m.log.Warn("abandoning terminal reply after retries",
				slog.String("request_id", r.RequestID),
				slog.Any("error", err),
			)
		}
	}

	// The entry is cleared along the exit path regardless of whether
	// forwarding succeeded.
	st.mu.Lock()
	delete(st.active, r.RequestID)
	remaining := len(st.active)
	st.mu.Unlock()

	if remaining == 0 {
		// Keep the idle reaper from evicting the entity mid-burst.
		st.touch()
	}
}

func (e *entityEvents) onChunk(ctx context.Context, r *ReplyChunk) {
	m, st := e.m, e.st

	st.mu.Lock()
	entry, ok := st.active[r.RequestID]
	if !ok {
		st.mu.Unlock()
		return
	}
	r.Sequence = entry.sequence
	entry.sequence++
	entry.sentReply = true
	entry.lastSentChunk = r
	st.mu.Unlock()

	err := m.forwardReply(ctx, r)
	m.metrics.ReplyForwarded("chunk", err == nil)
	if err != nil {
		// Silently skipping a chunk would corrupt the ordered stream.
		m.fatal(fmt.Errorf("chunk forwarding exhausted for request %s (sequence %d): %w",
			r.RequestID, r.Sequence, err))
	}
}

func (e *entityEvents) Defect(cause error) {
	e.m.recoverEntity(e.st, cause)
}

func (e *entityEvents) Eof() {
	e.st.markDrained()
}

var _ Events = (*entityEvents)(nil)
