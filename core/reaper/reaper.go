// Package reaper evicts idle entities. The entity manager registers its
// live maps here and does not implement eviction timing itself.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registration hands one manager's live entities over to the reaper.
type Registration struct {
	// Name labels the registration in logs (usually the entity type or
	// manager id).
	Name string

	// MaxIdle is the idle threshold past which entities are evicted.
	MaxIdle time.Duration

	// Idle returns the keys of entities that have been idle since before
	// the deadline and have no in-flight requests.
	Idle func(deadline time.Time) []string

	// Evict tears the entity down, ignoring the already-absent case.
	Evict func(ctx context.Context, key string)
}

// Options configures a Reaper.
type Options struct {
	Log *slog.Logger
	// Interval between sweeps (default 1s).
	Interval time.Duration
}

// Reaper periodically sweeps all registrations and evicts idle entities.
type Reaper struct {
	log      *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	regs []Registration
}

func New(opts Options) *Reaper {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{
		log:      log.With(slog.String("component", "reaper")),
		interval: interval,
	}
}

// Register adds a registration. Safe to call while the reaper runs.
func (r *Reaper) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, reg)
	r.log.Debug("registered",
		slog.String("name", reg.Name),
		slog.Duration("max_idle", reg.MaxIdle),
	)
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	r.mu.Lock()
	regs := make([]Registration, len(r.regs))
	copy(regs, r.regs)
	r.mu.Unlock()

	now := time.Now()
	for _, reg := range regs {
		if reg.MaxIdle <= 0 {
			continue
		}
		deadline := now.Add(-reg.MaxIdle)
		for _, key := range reg.Idle(deadline) {
			r.log.Debug("evicting idle entity",
				slog.String("name", reg.Name),
				slog.String("key", key),
			)
			reg.Evict(ctx, key)
		}
	}
}
