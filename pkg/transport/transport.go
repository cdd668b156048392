// Package transport delivers envelopes to the other peers of a
// coordination domain over two independent, unreliable paths: an
// ephemeral publish/subscribe bus (optional) and short-lived broadcast
// cells in the shared store. Listen merges both into a single stream,
// drops envelopes this peer authored and deduplicates the rest.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"pollsync/pkg/metrics"
	"pollsync/pkg/models"
	"pollsync/pkg/storage"
)

const (
	DefaultCellPrefix = "broadcast_"
	DefaultCellTTL    = 100 * time.Millisecond
	DefaultDedupSize  = 1024

	pathBus  = "bus"
	pathCell = "cell"
)

// Bus is an ephemeral best-effort broadcast channel shared by all peers.
type Bus interface {
	// Publish sends data to every subscriber, possibly including the sender.
	Publish(ctx context.Context, data []byte) error

	// Subscribe streams published messages until ctx is done.
	Subscribe(ctx context.Context) (<-chan []byte, error)

	Close() error
}

// Handler receives envelopes authored by other peers.
type Handler func(models.Envelope)

// Config tunes the store fallback path.
type Config struct {
	CellPrefix string
	CellTTL    time.Duration
	DedupSize  int
	OpTimeout  time.Duration
}

// DefaultConfig returns the standard cell settings.
func DefaultConfig() Config {
	return Config{
		CellPrefix: DefaultCellPrefix,
		CellTTL:    DefaultCellTTL,
		DedupSize:  DefaultDedupSize,
		OpTimeout:  2 * time.Second,
	}
}

// Transport sends and receives envelopes for one peer.
type Transport struct {
	peerID string
	kv     storage.KV
	bus    Bus
	cfg    Config
	seen   *lru.Cache
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer // cell key -> delete timer
	closed  bool
}

// New builds a transport. bus may be nil, in which case only the store
// path is used.
func New(peerID string, kv storage.KV, bus Bus, cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.CellPrefix == "" {
		cfg.CellPrefix = DefaultCellPrefix
	}
	if cfg.CellTTL <= 0 {
		cfg.CellTTL = DefaultCellTTL
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	seen, err := lru.New(cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		peerID:  peerID,
		kv:      kv,
		bus:     bus,
		cfg:     cfg,
		seen:    seen,
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}, nil
}

// HasBus reports whether the ephemeral path is available.
func (t *Transport) HasBus() bool { return t.bus != nil }

// IsCellKey reports whether key belongs to the broadcast-cell namespace.
func (t *Transport) IsCellKey(key string) bool {
	return strings.HasPrefix(key, t.cfg.CellPrefix)
}

// Send broadcasts env over both paths. It never fails: each path is
// fire-and-forget.
func (t *Transport) Send(ctx context.Context, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		t.logger.Error("failed to encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	if t.bus != nil {
		bctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
		if err := t.bus.Publish(bctx, data); err != nil {
			metrics.TransportErrors.WithLabelValues(pathBus).Inc()
			t.logger.Debug("bus publish failed", zap.Error(err))
		} else {
			metrics.EnvelopesSent.WithLabelValues(string(env.Type), pathBus).Inc()
		}
		cancel()
	}

	t.writeCell(ctx, env, data)
}

// writeCell stores the envelope under a fresh key and schedules its removal.
func (t *Transport) writeCell(ctx context.Context, env models.Envelope, data []byte) {
	key := fmt.Sprintf("%s%d_%s", t.cfg.CellPrefix, env.Timestamp, uuid.New().String()[:8])

	cctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()
	if err := t.kv.Set(cctx, key, data); err != nil {
		metrics.TransportErrors.WithLabelValues(pathCell).Inc()
		t.logger.Debug("broadcast cell write failed", zap.Error(err))
		return
	}
	metrics.EnvelopesSent.WithLabelValues(string(env.Type), pathCell).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		go t.deleteCell(key)
		return
	}
	t.pending[key] = time.AfterFunc(t.cfg.CellTTL, func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		t.deleteCell(key)
	})
}

func (t *Transport) deleteCell(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.OpTimeout)
	defer cancel()
	if err := t.kv.Delete(ctx, key); err != nil {
		t.logger.Debug("broadcast cell delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Listen delivers envelopes from both paths to handler until ctx is done.
// The bus path is skipped when no bus is configured or it cannot be
// subscribed; the store path failing to watch is an error.
func (t *Transport) Listen(ctx context.Context, handler Handler) error {
	changes, err := t.kv.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch broadcast cells: %w", err)
	}

	var busMsgs <-chan []byte
	if t.bus != nil {
		busMsgs, err = t.bus.Subscribe(ctx)
		if err != nil {
			metrics.TransportErrors.WithLabelValues(pathBus).Inc()
			t.logger.Warn("bus unavailable, using store path only", zap.Error(err))
			busMsgs = nil
		}
	}

	go func() {
		for ev := range changes {
			if ev.Deleted || !t.IsCellKey(ev.Key) {
				continue
			}
			t.deliver(ev.Value, pathCell, handler)
		}
	}()

	if busMsgs != nil {
		go func() {
			for data := range busMsgs {
				t.deliver(data, pathBus, handler)
			}
		}()
	}
	return nil
}

func (t *Transport) deliver(data []byte, path string, handler Handler) {
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		t.logger.Debug("dropping undecodable envelope", zap.String("path", path), zap.Error(err))
		return
	}
	if env.PeerID == t.peerID {
		return
	}
	if seen, _ := t.seen.ContainsOrAdd(env.DedupKey(), struct{}{}); seen {
		metrics.EnvelopesDuplicate.Inc()
		return
	}
	metrics.EnvelopesReceived.WithLabelValues(string(env.Type), path).Inc()
	handler(env)
}

// Close stops accepting sends and deletes cells still awaiting their timer.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var keys []string
	for key, timer := range t.pending {
		if timer.Stop() {
			keys = append(keys, key)
		}
	}
	t.pending = make(map[string]*time.Timer)
	t.mu.Unlock()

	for _, key := range keys {
		t.deleteCell(key)
	}
}
