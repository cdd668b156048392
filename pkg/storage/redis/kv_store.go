package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pollsync/pkg/storage"
)

const (
	DefaultKeyPrefix     = "pollsync:"
	changesChannelSuffix = "changes"
	watchBuffer          = 256
)

// changeMessage is published on the changes channel after every write so
// that peers get notifications without relying on keyspace events.
type changeMessage struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// RedisKV is a storage.KV backed by plain Redis strings plus a Pub/Sub
// change feed.
type RedisKV struct {
	client     *redis.Client
	prefix     string
	origin     string
	ownsClient bool
	logger     *zap.Logger
}

var _ storage.KV = (*RedisKV)(nil)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultRedisConfig returns defaults sized for a handful of peers.
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:         addr,
		KeyPrefix:    DefaultKeyPrefix,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// NewClient dials Redis and verifies the connection.
func NewClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisKV connects to Redis with the given config.
func NewRedisKV(cfg RedisConfig, logger *zap.Logger) (*RedisKV, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	kv := NewRedisKVFromClient(client, cfg.KeyPrefix, logger)
	kv.ownsClient = true
	return kv, nil
}

// NewRedisKVFromClient wraps an existing client. The client is not closed
// by Close.
func NewRedisKVFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisKV {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisKV{
		client: client,
		prefix: prefix,
		origin: uuid.New().String(),
		logger: logger.Named("redis-kv"),
	}
}

// Client exposes the underlying client so the broadcast bus can share it.
func (r *RedisKV) Client() *redis.Client {
	return r.client
}

func (r *RedisKV) Close() error {
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

func (r *RedisKV) key(k string) string {
	return r.prefix + k
}

func (r *RedisKV) changesChannel() string {
	return r.prefix + changesChannelSuffix
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	msg, err := json.Marshal(changeMessage{Origin: r.origin, Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(key), value, 0)
	pipe.Publish(ctx, r.changesChannel(), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	msg, err := json.Marshal(changeMessage{Origin: r.origin, Key: key, Deleted: true})
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(key))
	pipe.Publish(ctx, r.changesChannel(), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Watch subscribes to the change feed. Writes made through this RedisKV
// are filtered out.
func (r *RedisKV) Watch(ctx context.Context) (<-chan storage.ChangeEvent, error) {
	sub := r.client.Subscribe(ctx, r.changesChannel())
	// Wait for the subscription to be confirmed so no change is missed
	// between Watch returning and the first write.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	out := make(chan storage.ChangeEvent, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var cm changeMessage
				if err := json.Unmarshal([]byte(m.Payload), &cm); err != nil {
					r.logger.Debug("dropping malformed change message", zap.Error(err))
					continue
				}
				if cm.Origin == r.origin {
					continue
				}
				select {
				case out <- storage.ChangeEvent{Key: cm.Key, Value: cm.Value, Deleted: cm.Deleted}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
