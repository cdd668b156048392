package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pollsync/pkg/transport"
)

const DefaultChannel = "pollsync:bus"

// RedisBus is a transport.Bus over Redis Pub/Sub.
type RedisBus struct {
	client  *redis.Client
	channel string
}

var _ transport.Bus = (*RedisBus)(nil)

// NewRedisBus publishes on channel using an existing client, typically the
// one shared with the Redis store.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, data []byte) error {
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	out := make(chan []byte, 256)
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
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the client belongs to whoever created it.
func (b *RedisBus) Close() error { return nil }
