package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"pollsync/pkg/transport"
)

// ErrBusDown is returned while a Hub is marked unavailable.
var ErrBusDown = errors.New("bus unavailable")

const subscriberBuffer = 256

// Hub is an in-process broadcast channel shared by every peer that takes a
// Bus from it.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
	down atomic.Bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan []byte]struct{})}
}

// SetDown makes publishing fail and drops messages until cleared.
func (h *Hub) SetDown(down bool) {
	h.down.Store(down)
}

// Bus returns a peer handle onto the hub.
func (h *Hub) Bus() *Bus {
	return &Bus{hub: h}
}

func (h *Hub) publish(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		msg := append([]byte(nil), data...)
		select {
		case ch <- msg:
		default:
		}
	}
}

// Bus is one peer's handle on a Hub.
type Bus struct {
	hub *Hub
}

var _ transport.Bus = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, data []byte) error {
	if b.hub.down.Load() {
		return ErrBusDown
	}
	b.hub.publish(data)
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if b.hub.down.Load() {
		return nil, ErrBusDown
	}
	in := make(chan []byte, subscriberBuffer)
	b.hub.mu.Lock()
	b.hub.subs[in] = struct{}{}
	b.hub.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			b.hub.mu.Lock()
			delete(b.hub.subs, in)
			b.hub.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error { return nil }
