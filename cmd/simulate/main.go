// Command simulate runs several peers in one process on in-memory
// backends, partitions the leader away and reports how long the rest of
// the domain takes to elect a replacement.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"pollsync/pkg/coordinator"
	"pollsync/pkg/election"
	"pollsync/pkg/fetch"
	"pollsync/pkg/logger"
	"pollsync/pkg/models"
	kvmemory "pollsync/pkg/storage/memory"
	"pollsync/pkg/transport"
	busmemory "pollsync/pkg/transport/memory"
)

var errPartitioned = errors.New("peer partitioned")

// severableBus drops every message once cut.
type severableBus struct {
	transport.Bus
	cut *atomic.Bool
}

func (b severableBus) Publish(ctx context.Context, data []byte) error {
	if b.cut.Load() {
		return errPartitioned
	}
	return b.Bus.Publish(ctx, data)
}

type peer struct {
	coord *coordinator.Coordinator
	kv    *kvmemory.KV
	cut   atomic.Bool
}

// partition isolates the peer from the store, the bus and the remote
// endpoint without letting it resign.
func (p *peer) partition() {
	p.cut.Store(true)
	p.kv.SetFailure(errPartitioned)
}

func main() {
	var (
		peers     = pflag.IntP("peers", "n", 3, "number of peers")
		interval  = pflag.Duration("interval", 250*time.Millisecond, "poll interval")
		heartbeat = pflag.Duration("heartbeat", 100*time.Millisecond, "leader heartbeat interval")
		timeout   = pflag.Duration("leader-timeout", 300*time.Millisecond, "leader staleness timeout")
		runFor    = pflag.Duration("run", 2*time.Second, "time to run before and after the partition")
		graceful  = pflag.Bool("graceful", false, "shut the leader down cleanly instead of partitioning it")
		verbose   = pflag.BoolP("verbose", "v", false, "log coordinator internals")
	)
	pflag.Parse()

	if *peers < 2 {
		fmt.Fprintln(os.Stderr, "need at least two peers")
		os.Exit(2)
	}

	logCfg := logger.DefaultConfig("pollsync-simulate")
	logCfg.Encoding = "console"
	logCfg.Level = "warn"
	if *verbose {
		logCfg.Level = "debug"
	}
	log, err := logger.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var served atomic.Int64
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := served.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"sequence":%d,"at":%q}`, n, time.Now().Format(time.RFC3339Nano))
	}))
	defer remote.Close()

	kvHub := kvmemory.NewHub()
	busHub := busmemory.NewHub()
	start := time.Now()
	stamp := func() string { return fmt.Sprintf("%7.3fs", time.Since(start).Seconds()) }

	var printMu sync.Mutex
	printf := func(format string, args ...any) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Printf("%s  "+format+"\n", append([]any{stamp()}, args...)...)
	}

	httpFetcher := fetch.NewHTTPFetcher(remote.Client())
	cluster := make([]*peer, *peers)
	for i := range cluster {
		p := &peer{kv: kvHub.Client()}
		id := fmt.Sprintf("peer-%d", i+1)
		fetcher := fetch.FetcherFunc(func(ctx context.Context, target fetch.Target) (json.RawMessage, error) {
			if p.cut.Load() {
				return nil, &fetch.Error{Kind: fetch.KindNetwork, Message: "partitioned", Err: errPartitioned}
			}
			return httpFetcher.Fetch(ctx, target)
		})

		p.coord, err = coordinator.New(coordinator.Config{
			PeerID:   id,
			URL:      remote.URL,
			Interval: *interval,
			Election: election.Config{
				HeartbeatInterval:     *heartbeat,
				LeaderTimeout:         *timeout,
				CollisionWindow:       time.Second,
				ResignedElectionDelay: 20 * time.Millisecond,
				ElectionJitter:        *heartbeat / 2,
			},
			KV:      p.kv,
			Bus:     severableBus{Bus: busHub.Bus(), cut: &p.cut},
			Fetcher: fetcher,
			Logger:  log.Named(id),
		})
		if err != nil {
			log.Fatal("failed to build peer", zap.String("peer", id), zap.Error(err))
		}

		p.coord.OnLeadershipChange(func(leader bool) {
			if leader {
				printf("%s became leader", id)
			} else {
				printf("%s stepped down", id)
			}
		})
		if i == 0 {
			p.coord.OnData(func(r models.Result) {
				printf("%s sees result from %s: %s", id, r.PeerID, r.Payload)
			})
		}
		cluster[i] = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, p := range cluster {
		if err := p.coord.Start(ctx); err != nil {
			log.Fatal("failed to start peer", zap.Error(err))
		}
	}

	if err := cluster[len(cluster)-1].coord.Enable(ctx); err != nil {
		log.Fatal("failed to enable polling", zap.Error(err))
	}
	printf("polling enabled from %s", cluster[len(cluster)-1].coord.PeerID())

	time.Sleep(*runFor)

	old := leaderOf(cluster)
	if old == nil {
		printf("no leader elected; giving up")
		os.Exit(1)
	}
	killedAt := time.Now()
	if *graceful {
		printf("shutting down %s", old.coord.PeerID())
		_ = old.coord.Shutdown(ctx)
	} else {
		printf("partitioning %s", old.coord.PeerID())
		old.partition()
	}

	var next *peer
	for deadline := time.Now().Add(10 * *timeout); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		if next = leaderOf(cluster, old); next != nil {
			break
		}
	}
	if next == nil {
		printf("no failover within %s", 10*(*timeout))
	} else {
		printf("failover to %s after %s", next.coord.PeerID(), time.Since(killedAt).Round(time.Millisecond))
	}

	time.Sleep(*runFor)
	for _, p := range cluster {
		_ = p.coord.Shutdown(context.Background())
	}
	printf("done: remote served %d requests", served.Load())
}

// leaderOf returns the first healthy leader, skipping excluded peers.
func leaderOf(cluster []*peer, exclude ...*peer) *peer {
	for _, p := range cluster {
		skip := p.cut.Load()
		for _, e := range exclude {
			skip = skip || p == e
		}
		if !skip && p.coord.IsLeader() {
			return p
		}
	}
	return nil
}
