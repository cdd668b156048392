// Package election runs leader election among peers that share only a
// key/value store and a broadcast transport. There is no quorum: a peer
// claims leadership when the leader record is absent or stale, and
// double-leader windows are resolved after the fact by collision
// resolution and heartbeat overwrite.
package election

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"pollsync/pkg/metrics"
	"pollsync/pkg/models"
	tracing "pollsync/pkg/observability"
	"pollsync/pkg/sharedstore"
)

// State is the leadership state of one peer.
type State int32

const (
	Follower State = iota
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Resignation reasons, also used as metric labels.
const (
	ReasonShutdown          = "shutdown"
	ReasonCollision         = "collision"
	ReasonHeartbeatOverride = "heartbeat-overwrite"
)

// Sender broadcasts envelopes to other peers.
type Sender interface {
	Send(ctx context.Context, env models.Envelope)
}

// Hooks are called after a transition, outside the elector's lock. They
// may arrive out of order under concurrent transitions, so receivers
// should re-check IsLeader.
type Hooks struct {
	OnElected func()
	OnDeposed func(reason string)
}

// Config holds election timing.
type Config struct {
	// HeartbeatInterval is both the leader's heartbeat period and the
	// follower's health-check period.
	HeartbeatInterval time.Duration
	// LeaderTimeout is the age after which a leader record is dead.
	LeaderTimeout time.Duration
	// CollisionWindow is how recent a competing claim must be for a
	// leader to resign in its favour.
	CollisionWindow time.Duration
	// ResignedElectionDelay and ElectionJitter space out the election
	// attempt followers make after a leader-resigned envelope.
	ResignedElectionDelay time.Duration
	ElectionJitter        time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard election timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     time.Second,
		LeaderTimeout:         3 * time.Second,
		CollisionWindow:       time.Second,
		ResignedElectionDelay: 200 * time.Millisecond,
		ElectionJitter:        100 * time.Millisecond,
		Now:                   time.Now,
	}
}

// Elector owns one peer's leadership state.
type Elector struct {
	peerID string
	store  *sharedstore.Store
	sender Sender
	cfg    Config
	hooks  Hooks
	logger *zap.Logger

	state atomic.Int32

	mu       sync.Mutex
	tracked  *models.LeaderRecord // freshest leader liveness seen passively
	lastBeat int64                // our last claim/heartbeat, epoch millis
	stopped  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	retry    *time.Timer
}

// New creates a follower. Call Start to begin electing.
func New(peerID string, store *sharedstore.Store, sender Sender, cfg Config, hooks Hooks, logger *zap.Logger) *Elector {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.LeaderTimeout <= 0 {
		cfg.LeaderTimeout = def.LeaderTimeout
	}
	if cfg.CollisionWindow <= 0 {
		cfg.CollisionWindow = def.CollisionWindow
	}
	if cfg.ResignedElectionDelay <= 0 {
		cfg.ResignedElectionDelay = def.ResignedElectionDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Elector{
		peerID: peerID,
		store:  store,
		sender: sender,
		cfg:    cfg,
		hooks:  hooks,
		logger: logger,
	}
}

func (e *Elector) PeerID() string { return e.peerID }

func (e *Elector) State() State { return State(e.state.Load()) }

func (e *Elector) IsLeader() bool { return e.State() == Leader }

// Tracked returns the freshest leader record seen through envelopes or
// store notifications, if any.
func (e *Elector) Tracked() *models.LeaderRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracked == nil {
		return nil
	}
	rec := *e.tracked
	return &rec
}

// Start makes an immediate election attempt and then runs the
// health-check/heartbeat timer until Stop.
func (e *Elector) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil || e.stopped {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.runCtx = ctx
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(ctx)
}

func (e *Elector) run(ctx context.Context) {
	e.Attempt(ctx)

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.IsLeader() {
				e.heartbeat(ctx)
			} else {
				e.Attempt(ctx)
			}
		}
	}
}

// Stop halts all timers. No attempt or heartbeat starts after it returns,
// though hooks of one that already finished may still be running. It does
// not resign; call Resign afterwards to hand leadership over cleanly.
// Stop is idempotent and the elector cannot be restarted.
func (e *Elector) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// Attempt claims leadership if the leader record is absent, stale or
// names this peer. It reports whether this peer became leader.
func (e *Elector) Attempt(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, "election.attempt",
		attribute.String("peer_id", e.peerID))
	defer span.End()

	e.mu.Lock()
	if e.stopped || e.IsLeader() {
		e.mu.Unlock()
		return false
	}

	now := e.cfg.Now()
	rec := fresher(e.store.ReadLeader(ctx), e.tracked)
	if rec != nil && rec.PeerID != e.peerID && !rec.IsStale(now, e.cfg.LeaderTimeout) {
		e.mu.Unlock()
		metrics.ElectionAttempts.WithLabelValues("leader_alive").Inc()
		span.SetAttributes(attribute.String("leader", rec.PeerID))
		return false
	}

	e.state.Store(int32(Leader))
	e.tracked = nil
	e.lastBeat = now.UnixMilli()
	e.store.WriteLeader(ctx, models.LeaderRecord{PeerID: e.peerID, Timestamp: e.lastBeat})
	e.sender.Send(ctx, models.NewEnvelope(models.EnvelopeLeaderClaimed, e.peerID, now))
	e.mu.Unlock()

	metrics.ElectionAttempts.WithLabelValues("claimed").Inc()
	metrics.SetLeader(e.peerID, true)
	span.SetAttributes(attribute.Bool("claimed", true))

	fields := []zap.Field{}
	if rec != nil {
		fields = append(fields, zap.String("previous_leader", rec.PeerID), zap.Duration("previous_age", rec.Age(now)))
	}
	e.logger.Info("claimed leadership", fields...)

	if e.hooks.OnElected != nil {
		e.hooks.OnElected()
	}
	return true
}

// heartbeat refreshes the leader record. If the store shows another live
// leader that wins the tie-break, this peer yields instead.
func (e *Elector) heartbeat(ctx context.Context) {
	e.mu.Lock()
	if e.stopped || !e.IsLeader() {
		e.mu.Unlock()
		return
	}

	now := e.cfg.Now()
	if rec := e.store.ReadLeader(ctx); rec != nil && rec.PeerID != e.peerID &&
		!rec.IsStale(now, e.cfg.LeaderTimeout) && outranks(rec.PeerID, e.peerID) {
		e.resignLocked(ctx, ReasonHeartbeatOverride)
		e.mu.Unlock()
		e.deposed(ReasonHeartbeatOverride)
		return
	}

	e.lastBeat = now.UnixMilli()
	e.store.WriteLeader(ctx, models.LeaderRecord{PeerID: e.peerID, Timestamp: e.lastBeat})
	e.sender.Send(ctx, models.NewEnvelope(models.EnvelopeHeartbeat, e.peerID, now))
	e.mu.Unlock()

	metrics.HeartbeatsSent.Inc()
}

// Resign gives up leadership if held. It works after Stop.
func (e *Elector) Resign(ctx context.Context, reason string) bool {
	e.mu.Lock()
	if !e.IsLeader() {
		e.mu.Unlock()
		return false
	}
	e.resignLocked(ctx, reason)
	e.mu.Unlock()

	e.deposed(reason)
	return true
}

// resignLocked performs the resignation side effects. e.mu must be held.
func (e *Elector) resignLocked(ctx context.Context, reason string) {
	e.state.Store(int32(Follower))

	if rec := e.store.ReadLeader(ctx); rec != nil && rec.PeerID == e.peerID {
		e.store.RemoveLeader(ctx)
	}
	e.sender.Send(ctx, models.NewEnvelope(models.EnvelopeLeaderResigned, e.peerID, e.cfg.Now()))
}

func (e *Elector) deposed(reason string) {
	metrics.Resignations.WithLabelValues(reason).Inc()
	metrics.SetLeader(e.peerID, false)
	e.logger.Info("resigned leadership", zap.String("reason", reason))

	if e.hooks.OnDeposed != nil {
		e.hooks.OnDeposed(reason)
	}
}

// HandleEnvelope applies the election-relevant envelopes received from
// other peers; other types are ignored.
func (e *Elector) HandleEnvelope(ctx context.Context, env models.Envelope) {
	if env.PeerID == e.peerID {
		return
	}
	switch env.Type {
	case models.EnvelopeLeaderClaimed:
		e.handleClaim(ctx, env)
	case models.EnvelopeHeartbeat:
		e.handleHeartbeat(ctx, env)
	case models.EnvelopeLeaderResigned:
		e.handleResigned(env)
	}
}

func (e *Elector) handleClaim(ctx context.Context, env models.Envelope) {
	e.mu.Lock()
	if !e.IsLeader() {
		e.track(models.LeaderRecord{PeerID: env.PeerID, Timestamp: env.Timestamp})
		e.mu.Unlock()
		return
	}

	age := e.cfg.Now().Sub(env.Time())
	if age > e.cfg.CollisionWindow {
		e.mu.Unlock()
		return
	}

	e.logger.Warn("leadership collision, resigning",
		zap.String("claimant", env.PeerID), zap.Duration("claim_age", age))
	e.resignLocked(ctx, ReasonCollision)
	e.track(models.LeaderRecord{PeerID: env.PeerID, Timestamp: env.Timestamp})
	e.mu.Unlock()

	e.deposed(ReasonCollision)
}

func (e *Elector) handleHeartbeat(ctx context.Context, env models.Envelope) {
	rec := models.LeaderRecord{PeerID: env.PeerID, Timestamp: env.Timestamp}

	e.mu.Lock()
	if !e.IsLeader() {
		e.track(rec)
		e.mu.Unlock()
		return
	}
	if !outranks(env.PeerID, e.peerID) || rec.IsStale(e.cfg.Now(), e.cfg.LeaderTimeout) {
		e.mu.Unlock()
		return
	}

	e.logger.Warn("another leader is heartbeating, yielding", zap.String("leader", env.PeerID))
	e.resignLocked(ctx, ReasonHeartbeatOverride)
	e.track(rec)
	e.mu.Unlock()

	e.deposed(ReasonHeartbeatOverride)
}

func (e *Elector) handleResigned(env models.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tracked != nil && e.tracked.PeerID == env.PeerID {
		e.tracked = nil
	}
	if e.IsLeader() || e.stopped || e.runCtx == nil || e.retry != nil {
		return
	}

	delay := e.cfg.ResignedElectionDelay
	if e.cfg.ElectionJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(e.cfg.ElectionJitter)))
	}
	ctx := e.runCtx
	e.retry = time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.retry = nil
		e.mu.Unlock()
		e.Attempt(ctx)
	})
}

// ObserveRecord feeds a leader-record store notification into passive
// tracking. A nil rec means the record was removed.
func (e *Elector) ObserveRecord(rec *models.LeaderRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec == nil {
		e.tracked = nil
		return
	}
	if rec.PeerID == e.peerID || e.IsLeader() {
		return
	}
	e.track(*rec)
}

// track keeps the freshest record. e.mu must be held.
func (e *Elector) track(rec models.LeaderRecord) {
	if e.tracked == nil || rec.Timestamp >= e.tracked.Timestamp {
		e.tracked = &rec
	}
}

func fresher(a, b *models.LeaderRecord) *models.LeaderRecord {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Timestamp > a.Timestamp:
		return b
	default:
		return a
	}
}

// outranks is the deterministic tie-break between two live leaders: the
// lexically smaller peer id keeps leadership.
func outranks(other, self string) bool {
	return other < self
}
