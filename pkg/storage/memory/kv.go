package memory

import (
	"context"
	"sync"

	"pollsync/pkg/storage"
)

const watchBuffer = 256

// Hub is an in-process shared store. Every peer gets its own KV view via
// Client; like a browser's storage event, a view is not notified of its
// own writes.
type Hub struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[*watcher]struct{}
}

type watcher struct {
	owner *KV
	ch    chan storage.ChangeEvent
}

// NewHub creates an empty shared store.
func NewHub() *Hub {
	return &Hub{
		data:     make(map[string][]byte),
		watchers: make(map[*watcher]struct{}),
	}
}

// Client returns a new peer view onto the hub.
func (h *Hub) Client() *KV {
	return &KV{hub: h}
}

// Len returns the number of stored keys.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.data)
}

// Keys returns a snapshot of the stored keys.
func (h *Hub) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.data))
	for k := range h.data {
		keys = append(keys, k)
	}
	return keys
}

func (h *Hub) notify(from *KV, ev storage.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for w := range h.watchers {
		if w.owner == from {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			// slow watcher; notifications are best-effort
		}
	}
}

// KV is one peer's view of a Hub.
type KV struct {
	hub    *Hub
	mu     sync.Mutex
	closed bool
	fail   error
}

var _ storage.KV = (*KV)(nil)

func (k *KV) check() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return storage.ErrClosed
	}
	return k.fail
}

// SetFailure makes every subsequent operation return err (nil clears it),
// simulating an unavailable store.
func (k *KV) SetFailure(err error) {
	k.mu.Lock()
	k.fail = err
	k.mu.Unlock()
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := k.check(); err != nil {
		return nil, err
	}
	k.hub.mu.RLock()
	v, ok := k.hub.data[key]
	k.hub.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := k.check(); err != nil {
		return err
	}
	v := append([]byte(nil), value...)
	k.hub.mu.Lock()
	k.hub.data[key] = v
	k.hub.mu.Unlock()
	k.hub.notify(k, storage.ChangeEvent{Key: key, Value: append([]byte(nil), v...)})
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.check(); err != nil {
		return err
	}
	k.hub.mu.Lock()
	_, existed := k.hub.data[key]
	delete(k.hub.data, key)
	k.hub.mu.Unlock()
	if existed {
		k.hub.notify(k, storage.ChangeEvent{Key: key, Deleted: true})
	}
	return nil
}

func (k *KV) Watch(ctx context.Context) (<-chan storage.ChangeEvent, error) {
	if err := k.check(); err != nil {
		return nil, err
	}
	w := &watcher{owner: k, ch: make(chan storage.ChangeEvent, watchBuffer)}
	k.hub.mu.Lock()
	k.hub.watchers[w] = struct{}{}
	k.hub.mu.Unlock()

	out := make(chan storage.ChangeEvent)
	go func() {
		defer close(out)
		defer func() {
			k.hub.mu.Lock()
			delete(k.hub.watchers, w)
			k.hub.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-w.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close detaches the view. The hub and other views are unaffected.
func (k *KV) Close() error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	return nil
}
