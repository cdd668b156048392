// Package coordinator is the public face of a peer: it wires the shared
// store, transport, elector and poller together and fans results out to
// observers.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pollsync/pkg/election"
	"pollsync/pkg/fetch"
	"pollsync/pkg/models"
	"pollsync/pkg/observer"
	"pollsync/pkg/scheduler"
	"pollsync/pkg/sharedstore"
	"pollsync/pkg/storage"
	"pollsync/pkg/transport"
)

var (
	// ErrNoURL is returned by Enable when no URL is configured.
	ErrNoURL = errors.New("coordinator: no URL configured")
	// ErrClosed is returned by every operation after Shutdown.
	ErrClosed = errors.New("coordinator: shut down")
)

// Coordinator runs one peer.
type Coordinator struct {
	peerID    string
	store     *sharedstore.Store
	transport *transport.Transport
	elector   *election.Elector
	poller    *scheduler.Poller
	fetcher   fetch.Fetcher
	archive   storage.ResultArchive
	opTimeout time.Duration
	logger    *zap.Logger

	enabled atomic.Bool
	closed  atomic.Bool

	mu       sync.Mutex
	target   fetch.Target
	schedule cron.Schedule
	started  bool
	runCtx   context.Context
	cancel   context.CancelFunc

	// serializes poller start/stop decisions
	pollMu sync.Mutex

	leaderMu   sync.Mutex
	lastLeader bool

	dataObs   *observer.Registry[models.Result]
	errorObs  *observer.Registry[error]
	leaderObs *observer.Registry[bool]
}

// New builds a stopped coordinator. Call Start to join the domain.
func New(cfg Config) (*Coordinator, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	schedule := cfg.Schedule
	if schedule == nil {
		var err error
		if schedule, err = scheduler.Every(cfg.Interval); err != nil {
			return nil, fmt.Errorf("coordinator: %w", err)
		}
	}

	logger := cfg.Logger.With(zap.String("peer_id", cfg.PeerID))
	c := &Coordinator{
		peerID:    cfg.PeerID,
		store:     sharedstore.New(cfg.KV, cfg.Keys, cfg.OpTimeout, logger.Named("store")),
		fetcher:   cfg.Fetcher,
		archive:   cfg.Archive,
		opTimeout: cfg.OpTimeout,
		logger:    logger,
		target:    fetch.Target{URL: cfg.URL, Options: cfg.FetchOptions},
		schedule:  schedule,
		dataObs:   observer.NewRegistry[models.Result](),
		errorObs:  observer.NewRegistry[error](),
		leaderObs: observer.NewRegistry[bool](),
	}

	tr, err := transport.New(cfg.PeerID, cfg.KV, cfg.Bus, cfg.Transport, logger.Named("transport"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.transport = tr

	c.elector = election.New(cfg.PeerID, c.store, tr, cfg.Election, election.Hooks{
		OnElected: c.onElected,
		OnDeposed: c.onDeposed,
	}, logger.Named("election"))

	c.poller = scheduler.New(c.fetch, schedule, c.shouldPoll, scheduler.Hooks{
		OnData:  c.onFetchData,
		OnError: c.onFetchError,
	}, logger.Named("scheduler"))

	return c, nil
}

func (c *Coordinator) PeerID() string { return c.peerID }

// IsLeader reports the local leadership state.
func (c *Coordinator) IsLeader() bool { return c.elector.IsLeader() }

// Enabled reports the local mirror of the shared enabled flag.
func (c *Coordinator) Enabled() bool { return c.enabled.Load() }

// Start loads the shared enabled flag, begins listening to other peers and
// starts electing. The peer runs until ctx is done or Shutdown. Calling
// Start again is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx, c.cancel = runCtx, cancel
	c.started = true
	c.mu.Unlock()

	if flag := c.store.ReadEnabled(ctx); flag != nil {
		c.enabled.Store(flag.Enabled)
	}

	if err := c.transport.Listen(runCtx, c.handleEnvelope); err != nil {
		cancel()
		return fmt.Errorf("failed to listen for peers: %w", err)
	}

	changes, err := c.store.KV().Watch(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to watch shared store: %w", err)
	}
	go c.watchStore(changes)

	c.elector.Start(runCtx)
	c.logger.Info("coordinator started",
		zap.Bool("enabled", c.enabled.Load()),
		zap.Bool("bus", c.transport.HasBus()))
	return nil
}

// Enable turns polling on for every peer in the domain.
func (c *Coordinator) Enable(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.Target().URL == "" {
		return ErrNoURL
	}
	c.setEnabled(ctx, true)
	return nil
}

// Disable turns polling off for every peer in the domain. The envelope is
// broadcast even by followers so peers converge without the leader.
func (c *Coordinator) Disable(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.setEnabled(ctx, false)
	return nil
}

func (c *Coordinator) setEnabled(ctx context.Context, enabled bool) {
	c.enabled.Store(enabled)
	c.store.WriteEnabled(ctx, enabled)

	typ := models.EnvelopeDisable
	if enabled {
		typ = models.EnvelopeEnable
	}
	c.transport.Send(ctx, models.NewEnvelope(typ, c.peerID, time.Now()))
	c.syncPoller()
	c.logger.Info("polling toggled", zap.Bool("enabled", enabled))
}

// LastResult reads the shared result cache. It returns nil when no peer
// has fetched yet.
func (c *Coordinator) LastResult(ctx context.Context) (*models.Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.store.ReadResult(ctx), nil
}

// Reconfigure applies a partial update. A new cadence re-arms a running
// poller without interrupting an in-flight fetch.
func (c *Coordinator) Reconfigure(opts Options) error {
	if c.closed.Load() {
		return ErrClosed
	}

	schedule := opts.Schedule
	if schedule == nil && opts.Interval != nil {
		var err error
		if schedule, err = scheduler.Every(*opts.Interval); err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
	}

	c.mu.Lock()
	if opts.URL != nil {
		c.target.URL = *opts.URL
	}
	if opts.FetchOptions != nil {
		c.target.Options = *opts.FetchOptions
	}
	if schedule != nil {
		c.schedule = schedule
	}
	c.mu.Unlock()

	if schedule != nil {
		c.poller.Reschedule(schedule)
	}
	c.syncPoller()
	return nil
}

// OnData registers fn for every result, local or from the leader. The
// returned func detaches it.
func (c *Coordinator) OnData(fn func(models.Result)) func() {
	if c.closed.Load() {
		return func() {}
	}
	return c.dataObs.Add(fn)
}

// OnError registers fn for fetch failures. Errors are *fetch.Error.
func (c *Coordinator) OnError(fn func(error)) func() {
	if c.closed.Load() {
		return func() {}
	}
	return c.errorObs.Add(fn)
}

// OnLeadershipChange registers fn for leadership transitions of this peer.
func (c *Coordinator) OnLeadershipChange(fn func(bool)) func() {
	if c.closed.Load() {
		return func() {}
	}
	return c.leaderObs.Add(fn)
}

// Shutdown disables polling locally, resigns leadership if held and stops
// all timers. The shared enabled flag is not written: other peers keep
// polling, and one of them takes over leadership if this peer held it.
// The coordinator is unusable afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.enabled.Store(false)
	c.poller.Stop()
	c.elector.Stop()
	c.elector.Resign(ctx, election.ReasonShutdown)
	c.transport.Close()

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.dataObs.Clear()
	c.errorObs.Clear()
	c.leaderObs.Clear()
	c.logger.Info("coordinator shut down")
	return nil
}

// Status is a point-in-time view of the peer.
type Status struct {
	PeerID        string               `json:"peer_id"`
	State         string               `json:"state"`
	Enabled       bool                 `json:"enabled"`
	Polling       bool                 `json:"polling"`
	InFlight      bool                 `json:"in_flight"`
	URL           string               `json:"url"`
	Leader        *models.LeaderRecord `json:"leader,omitempty"`
	TrackedLeader *models.LeaderRecord `json:"tracked_leader,omitempty"`
	Closed        bool                 `json:"closed"`
}

func (c *Coordinator) Status(ctx context.Context) Status {
	return Status{
		PeerID:        c.peerID,
		State:         c.elector.State().String(),
		Enabled:       c.enabled.Load(),
		Polling:       c.poller.Running(),
		InFlight:      c.poller.InFlight(),
		URL:           c.Target().URL,
		Leader:        c.store.ReadLeader(ctx),
		TrackedLeader: c.elector.Tracked(),
		Closed:        c.closed.Load(),
	}
}

// Target returns the URL and request options currently polled.
func (c *Coordinator) Target() fetch.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Coordinator) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

func (c *Coordinator) shouldPoll() bool {
	return !c.closed.Load() && c.enabled.Load() && c.elector.IsLeader() && c.Target().URL != ""
}

// syncPoller starts or stops the poller to match leadership and the
// enabled flag.
func (c *Coordinator) syncPoller() {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if c.shouldPoll() {
		if !c.poller.Running() {
			c.poller.Start()
		}
		return
	}
	c.poller.Stop()
}

func (c *Coordinator) fetch(ctx context.Context) (json.RawMessage, error) {
	return c.fetcher.Fetch(ctx, c.Target())
}
