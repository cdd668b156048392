// Package scheduler runs the leader-only polling loop: one fetch at a
// time, the first immediately, the rest on a cron cadence, each
// cancellable.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"pollsync/pkg/metrics"
	tracing "pollsync/pkg/observability"
)

// FetchFunc performs one remote fetch. It must honor ctx cancellation.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Hooks receive tick outcomes. Cancelled fetches reach neither.
type Hooks struct {
	OnData  func(ctx context.Context, payload json.RawMessage, fetchedAt time.Time)
	OnError func(ctx context.Context, err error)
}

// Poller is a single-flight repeating fetch.
type Poller struct {
	fetch  FetchFunc
	guard  func() bool
	hooks  Hooks
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	schedule cron.Schedule
	running  bool
	inFlight bool
	cancel   context.CancelFunc
	timer    *time.Timer
	armSeq   uint64 // identifies the armed timer; stale firings are ignored
	gen      uint64 // bumped by Stop; results of older generations are dropped
}

// New creates a stopped poller. guard is consulted before each re-arm;
// when it returns false the loop ends without a further tick.
func New(fetch FetchFunc, schedule cron.Schedule, guard func() bool, hooks Hooks, logger *zap.Logger) *Poller {
	if guard == nil {
		guard = func() bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		fetch:    fetch,
		guard:    guard,
		hooks:    hooks,
		now:      time.Now,
		logger:   logger,
		schedule: schedule,
	}
}

// Running reports whether the loop is started.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// InFlight reports whether a fetch is pending.
func (p *Poller) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Start begins polling. With a fetch already in flight it only re-arms
// the next tick; otherwise it fetches immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	p.running = true
	if p.inFlight {
		p.armLocked()
		p.mu.Unlock()
		return
	}
	ctx, gen := p.beginLocked()
	p.mu.Unlock()

	p.logger.Debug("polling started")
	go p.tick(ctx, gen)
}

// Stop cancels the armed timer and any in-flight fetch without waiting
// for it. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running && !p.inFlight {
		return
	}
	p.running = false
	p.gen++
	p.stopTimerLocked()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.inFlight = false
	p.logger.Debug("polling stopped")
}

// Reschedule swaps the cadence. An armed timer is re-armed on the new
// cadence; an in-flight fetch is left alone and picks it up on completion.
func (p *Poller) Reschedule(schedule cron.Schedule) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.schedule = schedule
	if p.running && !p.inFlight && p.timer != nil {
		p.armLocked()
	}
}

// beginLocked marks a fetch in flight. p.mu must be held.
func (p *Poller) beginLocked() (context.Context, uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	p.inFlight = true
	p.cancel = cancel
	return ctx, p.gen
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.armSeq++
}

// armLocked schedules the next tick, replacing any armed timer.
func (p *Poller) armLocked() {
	p.stopTimerLocked()
	seq := p.armSeq
	p.timer = time.AfterFunc(delayUntilNext(p.schedule, p.now()), func() {
		p.fire(seq)
	})
}

func (p *Poller) fire(seq uint64) {
	if !p.guard() {
		return
	}
	p.mu.Lock()
	if !p.running || seq != p.armSeq || p.inFlight {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	ctx, gen := p.beginLocked()
	p.mu.Unlock()

	p.tick(ctx, gen)
}

func (p *Poller) tick(ctx context.Context, gen uint64) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	metrics.FetchesInFlight.Inc()
	start := time.Now()
	payload, err := p.fetch(ctx)
	elapsed := time.Since(start).Seconds()
	metrics.FetchesInFlight.Dec()

	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		metrics.RecordFetch("cancelled", elapsed)
		span.SetAttributes(attribute.String("outcome", "cancelled"))
		return
	}
	if p.stale(gen) {
		metrics.RecordFetch("cancelled", elapsed)
		span.SetAttributes(attribute.String("outcome", "discarded"))
		return
	}

	// Hooks outlive Stop cancelling the fetch context.
	hookCtx := context.WithoutCancel(ctx)
	if err != nil {
		metrics.RecordFetch("failure", elapsed)
		tracing.SetError(ctx, err)
		p.logger.Warn("fetch failed", zap.Error(err))
		if p.hooks.OnError != nil {
			p.hooks.OnError(hookCtx, err)
		}
	} else {
		metrics.RecordFetch("success", elapsed)
		span.SetAttributes(attribute.String("outcome", "success"), attribute.Int("bytes", len(payload)))
		if p.hooks.OnData != nil {
			p.hooks.OnData(hookCtx, payload, p.now())
		}
	}

	keepGoing := p.guard()

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.inFlight = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.running && keepGoing {
		p.armLocked()
	} else {
		p.running = false
	}
}

func (p *Poller) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != p.gen
}
