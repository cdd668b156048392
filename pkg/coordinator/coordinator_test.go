package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"pollsync/pkg/election"
	"pollsync/pkg/fetch"
	"pollsync/pkg/models"
	"pollsync/pkg/sharedstore"
	kvmemory "pollsync/pkg/storage/memory"
	busmemory "pollsync/pkg/transport/memory"
)

const (
	testHeartbeat = 20 * time.Millisecond
	testTimeout   = 80 * time.Millisecond
)

// remote is a fake endpoint shared by every peer of a cluster.
type remote struct {
	mu       sync.Mutex
	calls    int
	byPeer   map[string]int
	active   int
	maxAct   int
	delay    time.Duration
	failWith error
	block    chan struct{}
	canceled int
}

func newRemote() *remote {
	return &remote{byPeer: make(map[string]int)}
}

func (r *remote) fetcherFor(peerID string) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, target fetch.Target) (json.RawMessage, error) {
		r.mu.Lock()
		r.calls++
		r.byPeer[peerID]++
		n := r.calls
		r.active++
		if r.active > r.maxAct {
			r.maxAct = r.active
		}
		delay, failWith, block := r.delay, r.failWith, r.block
		r.mu.Unlock()

		defer func() {
			r.mu.Lock()
			r.active--
			r.mu.Unlock()
		}()

		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				r.mu.Lock()
				r.canceled++
				r.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if failWith != nil {
			return nil, failWith
		}
		return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)), nil
	})
}

func (r *remote) snapshot() (calls int, byPeer map[string]int, maxActive int, canceled int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byPeer = make(map[string]int, len(r.byPeer))
	for k, v := range r.byPeer {
		byPeer[k] = v
	}
	return r.calls, byPeer, r.maxAct, r.canceled
}

type CoordinatorSuite struct {
	suite.Suite
	kvHub  *kvmemory.Hub
	busHub *busmemory.Hub
	remote *remote
	peers  []*Coordinator
	ctx    context.Context
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.kvHub = kvmemory.NewHub()
	s.busHub = busmemory.NewHub()
	s.remote = newRemote()
	s.peers = nil
	s.ctx = context.Background()
}

func (s *CoordinatorSuite) TearDownTest() {
	for _, p := range s.peers {
		_ = p.Shutdown(context.Background())
	}
}

func (s *CoordinatorSuite) newPeer(id string, mutate ...func(*Config)) *Coordinator {
	cfg := Config{
		PeerID:   id,
		URL:      "http://remote.test/data",
		Interval: 30 * time.Millisecond,
		Election: election.Config{
			HeartbeatInterval:     testHeartbeat,
			LeaderTimeout:         testTimeout,
			CollisionWindow:       time.Second,
			ResignedElectionDelay: 5 * time.Millisecond,
			ElectionJitter:        20 * time.Millisecond,
		},
		KV:      s.kvHub.Client(),
		Bus:     s.busHub.Bus(),
		Fetcher: s.remote.fetcherFor(id),
		Logger:  zap.NewNop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	s.Require().NoError(err)
	s.peers = append(s.peers, c)
	return c
}

func (s *CoordinatorSuite) start(peers ...*Coordinator) {
	for _, p := range peers {
		s.Require().NoError(p.Start(s.ctx))
	}
}

func (s *CoordinatorSuite) leaders() []*Coordinator {
	var out []*Coordinator
	for _, p := range s.peers {
		if !p.closed.Load() && p.IsLeader() {
			out = append(out, p)
		}
	}
	return out
}

func (s *CoordinatorSuite) waitSingleLeader() *Coordinator {
	var leader *Coordinator
	s.Require().Eventually(func() bool {
		ls := s.leaders()
		if len(ls) != 1 {
			return false
		}
		leader = ls[0]
		return true
	}, 3*time.Second, 5*time.Millisecond)
	return leader
}

// crash tears a peer down without resigning.
func crash(c *Coordinator) {
	c.closed.Store(true)
	c.poller.Stop()
	c.elector.Stop()
	c.transport.Close()
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
}

func (s *CoordinatorSuite) TestConvergesToSingleLeader() {
	a, b, c := s.newPeer("peer-a"), s.newPeer("peer-b"), s.newPeer("peer-c")
	s.start(a, b, c)

	leader := s.waitSingleLeader()

	// stays single across several heartbeats
	for i := 0; i < 10; i++ {
		time.Sleep(testHeartbeat)
		ls := s.leaders()
		s.Require().Len(ls, 1)
		s.Equal(leader.PeerID(), ls[0].PeerID())
	}

	rec := leader.store.ReadLeader(s.ctx)
	s.Require().NotNil(rec)
	s.Equal(leader.PeerID(), rec.PeerID)
}

func (s *CoordinatorSuite) TestFailoverAfterCrash() {
	a, b := s.newPeer("peer-a"), s.newPeer("peer-b")
	s.start(a, b)
	leader := s.waitSingleLeader()
	follower := a
	if leader == a {
		follower = b
	}

	crash(leader)
	start := time.Now()
	s.Require().Eventually(follower.IsLeader, time.Second, 2*time.Millisecond)
	// leaderTimeout + heartbeatInterval plus scheduling slack
	s.Less(time.Since(start), testTimeout+testHeartbeat+100*time.Millisecond)
}

func (s *CoordinatorSuite) TestShutdownHandsOverQuickly() {
	a, b := s.newPeer("peer-a"), s.newPeer("peer-b")
	s.start(a, b)
	leader := s.waitSingleLeader()
	follower := a
	if leader == a {
		follower = b
	}

	s.Require().NoError(leader.Shutdown(s.ctx))
	if rec := follower.store.ReadLeader(s.ctx); rec != nil {
		s.NotEqual(leader.PeerID(), rec.PeerID, "resigning leader removes its record")
	}
	s.Eventually(follower.IsLeader, testTimeout, 2*time.Millisecond)
}

func (s *CoordinatorSuite) TestStaleRecordClaimedOnFirstAttempt() {
	kv := s.kvHub.Client()
	stale, _ := json.Marshal(models.LeaderRecord{
		PeerID:    "ghost",
		Timestamp: time.Now().Add(-3 * time.Hour).UnixMilli(),
	})
	s.Require().NoError(kv.Set(s.ctx, "polling_leader", stale))

	p := s.newPeer("peer-a", func(c *Config) { c.Election.HeartbeatInterval = time.Hour; c.Election.LeaderTimeout = 2 * time.Hour })
	s.start(p)

	s.Eventually(p.IsLeader, 200*time.Millisecond, 2*time.Millisecond)
}

func (s *CoordinatorSuite) TestEnableRequiresURL() {
	p := s.newPeer("peer-a", func(c *Config) { c.URL = "" })
	s.start(p)

	s.ErrorIs(p.Enable(s.ctx), ErrNoURL)
	s.False(p.Enabled())

	url := "http://remote.test/other"
	s.Require().NoError(p.Reconfigure(Options{URL: &url}))
	s.NoError(p.Enable(s.ctx))
}

func (s *CoordinatorSuite) TestFirstTickImmediate() {
	p := s.newPeer("peer-a", func(c *Config) { c.Interval = time.Hour })
	s.start(p)
	s.Require().Eventually(p.IsLeader, time.Second, 2*time.Millisecond)

	s.Require().NoError(p.Enable(s.ctx))
	s.Eventually(func() bool {
		calls, _, _, _ := s.remote.snapshot()
		return calls == 1
	}, 200*time.Millisecond, 2*time.Millisecond)
}

func (s *CoordinatorSuite) TestFollowerEnableStartsLeaderPolling() {
	a, b := s.newPeer("peer-a"), s.newPeer("peer-b")
	s.start(a, b)
	leader := s.waitSingleLeader()
	follower := a
	if leader == a {
		follower = b
	}

	s.Require().NoError(follower.Enable(s.ctx))

	s.Eventually(func() bool { return leader.Enabled() && leader.poller.Running() }, time.Second, 2*time.Millisecond)
	s.Eventually(func() bool {
		_, byPeer, _, _ := s.remote.snapshot()
		return byPeer[leader.PeerID()] >= 2
	}, time.Second, 5*time.Millisecond)

	_, byPeer, _, _ := s.remote.snapshot()
	s.Zero(byPeer[follower.PeerID()], "followers never fetch")
	s.False(follower.poller.Running())
}

func (s *CoordinatorSuite) TestDisableConvergesWithBusDown() {
	a, b, c := s.newPeer("peer-a"), s.newPeer("peer-b"), s.newPeer("peer-c")
	s.start(a, b, c)
	s.waitSingleLeader()

	s.Require().NoError(a.Enable(s.ctx))
	s.Eventually(func() bool { return b.Enabled() && c.Enabled() }, time.Second, 2*time.Millisecond)

	s.busHub.SetDown(true)
	s.Require().NoError(b.Disable(s.ctx))
	s.Eventually(func() bool { return !a.Enabled() && !c.Enabled() }, time.Second, 2*time.Millisecond)
	for _, p := range s.peers {
		s.Eventually(func() bool { return !p.poller.Running() }, time.Second, 2*time.Millisecond)
	}
}

func (s *CoordinatorSuite) TestEnableConvergesWithStoreDown() {
	senderKV := s.kvHub.Client()
	a := s.newPeer("peer-a", func(c *Config) { c.KV = senderKV })
	b := s.newPeer("peer-b")
	s.start(a, b)

	senderKV.SetFailure(errors.New("store unavailable"))
	s.Require().NoError(a.Enable(s.ctx))

	s.Eventually(b.Enabled, time.Second, 2*time.Millisecond)
}

func (s *CoordinatorSuite) TestDisableCancelsInFlightFetch() {
	s.remote.block = make(chan struct{})
	defer close(s.remote.block)

	p := s.newPeer("peer-a", func(c *Config) { c.Interval = time.Hour })
	var errs atomic.Int32
	p.OnError(func(error) { errs.Add(1) })
	s.start(p)
	s.Require().Eventually(p.IsLeader, time.Second, 2*time.Millisecond)

	s.Require().NoError(p.Enable(s.ctx))
	s.Require().Eventually(p.poller.InFlight, time.Second, 2*time.Millisecond)

	s.Require().NoError(p.Disable(s.ctx))
	s.False(p.poller.InFlight())
	s.Eventually(func() bool {
		_, _, _, canceled := s.remote.snapshot()
		return canceled == 1
	}, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Zero(errs.Load(), "cancellation is not reported")
}

func (s *CoordinatorSuite) TestDeposedUndoesRacingStart() {
	s.remote.block = make(chan struct{})
	defer close(s.remote.block)

	p := s.newPeer("peer-a", func(c *Config) { c.Interval = time.Hour })
	var data atomic.Int32
	p.OnData(func(models.Result) { data.Add(1) })

	// A syncPoller that saw the peer as leader holds pollMu while the
	// elector deposes it.
	p.pollMu.Lock()
	deposed := make(chan struct{})
	go func() {
		p.onDeposed(election.ReasonCollision)
		close(deposed)
	}()
	time.Sleep(20 * time.Millisecond)
	p.poller.Start()
	p.pollMu.Unlock()

	s.Require().Eventually(func() bool {
		select {
		case <-deposed:
			return true
		default:
			return false
		}
	}, time.Second, 2*time.Millisecond)
	s.False(p.poller.Running())
	s.False(p.poller.InFlight())
	s.Eventually(func() bool {
		_, _, _, canceled := s.remote.snapshot()
		return canceled == 1
	}, time.Second, 2*time.Millisecond)
	s.Zero(data.Load())
}

func (s *CoordinatorSuite) TestNoConcurrentFetches() {
	s.remote.delay = 15 * time.Millisecond
	p := s.newPeer("peer-a", func(c *Config) { c.Interval = time.Millisecond })
	s.start(p)
	s.Require().Eventually(p.IsLeader, time.Second, 2*time.Millisecond)

	s.Require().NoError(p.Enable(s.ctx))
	for i := 0; i < 5; i++ {
		_ = p.Enable(s.ctx)
		time.Sleep(5 * time.Millisecond)
	}
	s.Eventually(func() bool {
		calls, _, _, _ := s.remote.snapshot()
		return calls >= 4
	}, time.Second, 5*time.Millisecond)

	_, _, maxActive, _ := s.remote.snapshot()
	s.Equal(1, maxActive)
}

func (s *CoordinatorSuite) TestResultsReachFollowersAndLateJoiners() {
	a, b := s.newPeer("peer-a"), s.newPeer("peer-b")
	s.start(a, b)
	leader := s.waitSingleLeader()
	follower := a
	if leader == a {
		follower = b
	}

	got := make(chan models.Result, 16)
	follower.OnData(func(r models.Result) { offer(got, r) })

	s.Require().NoError(leader.Enable(s.ctx))

	select {
	case r := <-got:
		s.Equal(leader.PeerID(), r.PeerID)
		s.Contains(string(r.Payload), `"n"`)
	case <-time.After(time.Second):
		s.FailNow("follower saw no data")
	}

	s.Require().NoError(leader.Disable(s.ctx))
	late := s.newPeer("peer-z")
	s.Require().NoError(late.Start(s.ctx))
	res, err := late.LastResult(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(res)
	s.Equal(leader.PeerID(), res.PeerID)
}

func (s *CoordinatorSuite) TestErrorsReachLocalAndRemoteObservers() {
	s.remote.failWith = &fetch.Error{Kind: fetch.KindStatus, Message: "remote returned status 503"}
	a, b := s.newPeer("peer-a"), s.newPeer("peer-b")
	s.start(a, b)
	leader := s.waitSingleLeader()

	local := make(chan error, 16)
	remote := make(chan error, 16)
	for _, p := range s.peers {
		if p == leader {
			p.OnError(func(err error) { offer(local, err) })
		} else {
			p.OnError(func(err error) { offer(remote, err) })
		}
	}

	s.Require().NoError(leader.Enable(s.ctx))

	for _, ch := range []chan error{local, remote} {
		select {
		case err := <-ch:
			var fe *fetch.Error
			s.Require().ErrorAs(err, &fe)
			s.Equal(fetch.KindStatus, fe.Kind)
		case <-time.After(time.Second):
			s.FailNow("error not delivered")
		}
	}
	s.True(leader.poller.Running(), "failures do not stop polling")
}

func (s *CoordinatorSuite) TestLeadershipObserversAndDetach() {
	p := s.newPeer("peer-a")
	changes := make(chan bool, 4)
	detach := p.OnLeadershipChange(func(v bool) { offer(changes, v) })
	s.start(p)

	select {
	case v := <-changes:
		s.True(v)
	case <-time.After(time.Second):
		s.FailNow("no leadership notification")
	}

	detach()
	s.Require().NoError(p.Shutdown(s.ctx))
	s.Empty(changes)
}

func (s *CoordinatorSuite) TestReconfigureInterval() {
	p := s.newPeer("peer-a", func(c *Config) { c.Interval = time.Hour })
	s.start(p)
	s.Require().Eventually(p.IsLeader, time.Second, 2*time.Millisecond)
	s.Require().NoError(p.Enable(s.ctx))
	s.Require().Eventually(func() bool {
		calls, _, _, _ := s.remote.snapshot()
		return calls == 1 && !p.poller.InFlight()
	}, time.Second, 2*time.Millisecond)

	interval := 10 * time.Millisecond
	s.Require().NoError(p.Reconfigure(Options{Interval: &interval}))
	s.Eventually(func() bool {
		calls, _, _, _ := s.remote.snapshot()
		return calls >= 3
	}, time.Second, 2*time.Millisecond)

	bad := time.Duration(0)
	s.Error(p.Reconfigure(Options{Interval: &bad}))
}

func (s *CoordinatorSuite) TestOperationsAfterShutdown() {
	p := s.newPeer("peer-a")
	s.start(p)
	s.Require().NoError(p.Shutdown(s.ctx))

	s.ErrorIs(p.Shutdown(s.ctx), ErrClosed)
	s.ErrorIs(p.Enable(s.ctx), ErrClosed)
	s.ErrorIs(p.Disable(s.ctx), ErrClosed)
	s.ErrorIs(p.Start(s.ctx), ErrClosed)
	s.ErrorIs(p.Reconfigure(Options{}), ErrClosed)
	_, err := p.LastResult(s.ctx)
	s.ErrorIs(err, ErrClosed)
	s.False(p.IsLeader())
	s.False(p.poller.Running())
}

func (s *CoordinatorSuite) TestShutdownLeavesSharedFlag() {
	a, b := s.newPeer("peer-a"), s.newPeer("peer-b")
	s.start(a, b)
	s.waitSingleLeader()
	s.Require().NoError(a.Enable(s.ctx))
	s.Require().Eventually(b.Enabled, time.Second, 2*time.Millisecond)

	s.Require().NoError(a.Shutdown(s.ctx))
	time.Sleep(30 * time.Millisecond)
	s.True(b.Enabled())
	s.Eventually(func() bool { return b.IsLeader() && b.poller.Running() }, time.Second, 2*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	hub := kvmemory.NewHub()
	f := fetch.FetcherFunc(func(context.Context, fetch.Target) (json.RawMessage, error) { return nil, nil })

	_, err := New(Config{Fetcher: f})
	if err == nil {
		t.Error("expected error without a KV store")
	}
	_, err = New(Config{KV: hub.Client()})
	if err == nil {
		t.Error("expected error without a fetcher")
	}
	_, err = New(Config{KV: hub.Client(), Fetcher: f, Keys: sharedKeys("a", "a", "b")})
	if err == nil {
		t.Error("expected error for duplicate keys")
	}

	c, err := New(Config{KV: hub.Client(), Fetcher: f})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.PeerID() == "" {
		t.Error("expected a generated peer id")
	}
}

func TestNew_FillsMissingKeys(t *testing.T) {
	hub := kvmemory.NewHub()
	f := fetch.FetcherFunc(func(context.Context, fetch.Target) (json.RawMessage, error) { return nil, nil })

	c, err := New(Config{KV: hub.Client(), Fetcher: f, Keys: sharedstore.Keys{Leader: "billing_leader"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := sharedKeys("billing_leader", sharedstore.DefaultEnabledKey, sharedstore.DefaultResultKey)
	if got := c.store.Keys(); got != want {
		t.Errorf("keys = %+v, want %+v", got, want)
	}

	_, err = New(Config{KV: hub.Client(), Fetcher: f, Keys: sharedstore.Keys{Result: sharedstore.DefaultLeaderKey}})
	if err == nil {
		t.Error("expected error when a set key collides with a default")
	}
}

func sharedKeys(leader, enabled, result string) sharedstore.Keys {
	return sharedstore.Keys{Leader: leader, Enabled: enabled, Result: result}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
