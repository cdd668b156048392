// Package storagetest checks that a storage.KV backend behaves the way the
// coordination layer expects.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollsync/pkg/storage"
)

// Opener returns two independent views of the same store, as two peers
// would hold. Both are closed by the test.
type Opener func(t *testing.T) (a, b storage.KV)

// RunKV runs the backend conformance checks. Keys are namespaced per run
// so a shared server can be reused.
func RunKV(t *testing.T, open Opener) {
	ns := "conformance_" + uuid.NewString()[:8] + "_"

	t.Run("GetMissing", func(t *testing.T) {
		a, _ := openPair(t, open)
		_, err := a.Get(context.Background(), ns+"missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		a, b := openPair(t, open)
		ctx := context.Background()
		key := ns + "roundtrip"

		require.NoError(t, a.Set(ctx, key, []byte(`{"v":1}`)))
		got, err := b.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(got))

		require.NoError(t, b.Set(ctx, key, []byte(`{"v":2}`)))
		got, err = a.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got))

		require.NoError(t, a.Delete(ctx, key))
		_, err = b.Get(ctx, key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, a.Delete(ctx, key), "deleting a missing key")
	})

	t.Run("WatchSeesOtherWriters", func(t *testing.T) {
		a, b := openPair(t, open)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		changes, err := b.Watch(ctx)
		require.NoError(t, err)

		key := ns + "watched"
		require.NoError(t, a.Set(ctx, key, []byte(`"hello"`)))
		ev := waitFor(t, changes, key, false)
		assert.JSONEq(t, `"hello"`, string(ev.Value))

		require.NoError(t, a.Delete(ctx, key))
		waitFor(t, changes, key, true)
	})

	t.Run("WatchClosesOnCancel", func(t *testing.T) {
		_, b := openPair(t, open)
		ctx, cancel := context.WithCancel(context.Background())
		changes, err := b.Watch(ctx)
		require.NoError(t, err)
		cancel()

		require.Eventually(t, func() bool {
			for {
				select {
				case _, ok := <-changes:
					if !ok {
						return true
					}
				default:
					return false
				}
			}
		}, 3*time.Second, 10*time.Millisecond)
	})
}

func openPair(t *testing.T, open Opener) (storage.KV, storage.KV) {
	t.Helper()
	a, b := open(t)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// waitFor skips unrelated events and echoes until key shows up in the
// expected form.
func waitFor(t *testing.T, changes <-chan storage.ChangeEvent, key string, deleted bool) storage.ChangeEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-changes:
			require.True(t, ok, "change feed closed early")
			if ev.Key == key && ev.Deleted == deleted {
				return ev
			}
		case <-timeout:
			require.FailNow(t, fmt.Sprintf("no change for %s (deleted=%v)", key, deleted))
		}
	}
}
