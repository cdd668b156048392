// Package sharedstore is the typed, failure-tolerant view of the shared
// key/value store. Reads never fail (missing or malformed data reads as
// nil) and writes never propagate errors: the store is advisory.
package sharedstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"pollsync/pkg/metrics"
	"pollsync/pkg/models"
	"pollsync/pkg/storage"
)

const (
	DefaultLeaderKey  = "polling_leader"
	DefaultEnabledKey = "polling_state"
	DefaultResultKey  = "polling_data"
)

// Keys names the three records of one coordination domain. Domains that
// share a store must use distinct keys.
type Keys struct {
	Leader  string
	Enabled string
	Result  string
}

// DefaultKeys returns the default record names.
func DefaultKeys() Keys {
	return Keys{
		Leader:  DefaultLeaderKey,
		Enabled: DefaultEnabledKey,
		Result:  DefaultResultKey,
	}
}

// Store reads and writes the coordination records.
type Store struct {
	kv        storage.KV
	keys      Keys
	opTimeout time.Duration
	logger    *zap.Logger
}

// New wraps kv. opTimeout bounds every store call.
func New(kv storage.KV, keys Keys, opTimeout time.Duration, logger *zap.Logger) *Store {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, keys: keys, opTimeout: opTimeout, logger: logger}
}

// Keys returns the record names this store uses.
func (s *Store) Keys() Keys { return s.keys }

// KV returns the underlying store.
func (s *Store) KV() storage.KV { return s.kv }

func (s *Store) ReadLeader(ctx context.Context) *models.LeaderRecord {
	var rec models.LeaderRecord
	if !s.read(ctx, s.keys.Leader, &rec) || rec.PeerID == "" {
		return nil
	}
	return &rec
}

func (s *Store) WriteLeader(ctx context.Context, rec models.LeaderRecord) {
	s.write(ctx, s.keys.Leader, rec)
}

func (s *Store) RemoveLeader(ctx context.Context) {
	s.remove(ctx, s.keys.Leader)
}

func (s *Store) ReadEnabled(ctx context.Context) *models.EnabledFlag {
	var flag models.EnabledFlag
	if !s.read(ctx, s.keys.Enabled, &flag) {
		return nil
	}
	return &flag
}

func (s *Store) WriteEnabled(ctx context.Context, enabled bool) {
	s.write(ctx, s.keys.Enabled, models.EnabledFlag{Enabled: enabled})
}

func (s *Store) ReadResult(ctx context.Context) *models.Result {
	var res models.Result
	if !s.read(ctx, s.keys.Result, &res) || len(res.Payload) == 0 {
		return nil
	}
	return &res
}

func (s *Store) WriteResult(ctx context.Context, res models.Result) {
	s.write(ctx, s.keys.Result, res)
}

// DecodeLeader parses a leader record taken from a change notification.
func DecodeLeader(value []byte) *models.LeaderRecord {
	var rec models.LeaderRecord
	if err := json.Unmarshal(value, &rec); err != nil || rec.PeerID == "" {
		return nil
	}
	return &rec
}

// DecodeEnabled parses an enabled flag taken from a change notification.
func DecodeEnabled(value []byte) *models.EnabledFlag {
	var flag models.EnabledFlag
	if err := json.Unmarshal(value, &flag); err != nil {
		return nil
	}
	return &flag
}

func (s *Store) read(ctx context.Context, key string, into any) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			metrics.StoreErrors.WithLabelValues("read").Inc()
			s.logger.Warn("store read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, into); err != nil {
		s.logger.Warn("ignoring malformed record", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Store) write(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("encode").Inc()
		s.logger.Error("failed to encode record", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, key, data); err != nil {
		metrics.StoreErrors.WithLabelValues("write").Inc()
		s.logger.Warn("store write dropped", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) remove(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.kv.Delete(ctx, key); err != nil {
		metrics.StoreErrors.WithLabelValues("remove").Inc()
		s.logger.Warn("store remove failed", zap.String("key", key), zap.Error(err))
	}
}
