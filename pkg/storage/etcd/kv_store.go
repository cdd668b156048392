package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"pollsync/pkg/storage"
)

const DefaultKeyPrefix = "/pollsync/"

// EtcdKV is a storage.KV backed by etcd. Change notifications come from a
// native prefix watch, so they include this peer's own writes.
type EtcdKV struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

var _ storage.KV = (*EtcdKV)(nil)

// EtcdConfig holds etcd connection configuration
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	KeyPrefix   string
	Username    string
	Password    string
}

// DefaultEtcdConfig returns defaults for a local etcd.
func DefaultEtcdConfig(endpoints []string) EtcdConfig {
	return EtcdConfig{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		KeyPrefix:   DefaultKeyPrefix,
	}
}

func NewEtcdKV(cfg EtcdConfig, logger *zap.Logger) (*EtcdKV, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// clientv3.New does not block on connection; probe one endpoint so a bad
	// address fails at startup rather than on the first election.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := cli.Status(ctx, cfg.Endpoints[0]); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to reach etcd: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdKV{client: cli, prefix: prefix, logger: logger.Named("etcd-kv")}, nil
}

func (e *EtcdKV) Close() error {
	return e.client.Close()
}

func (e *EtcdKV) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(ctx, e.prefix+key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (e *EtcdKV) Set(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, e.prefix+key, string(value)); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (e *EtcdKV) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, e.prefix+key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (e *EtcdKV) Watch(ctx context.Context) (<-chan storage.ChangeEvent, error) {
	wch := e.client.Watch(clientv3.WithRequireLeader(ctx), e.prefix, clientv3.WithPrefix())

	out := make(chan storage.ChangeEvent, 256)
	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.logger.Warn("watch interrupted", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				change := storage.ChangeEvent{
					Key: strings.TrimPrefix(string(ev.Kv.Key), e.prefix),
				}
				switch ev.Type {
				case clientv3.EventTypePut:
					change.Value = ev.Kv.Value
				case clientv3.EventTypeDelete:
					change.Deleted = true
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
