package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollsync/pkg/storage"
	"pollsync/pkg/storage/storagetest"
)

func TestKVConformance(t *testing.T) {
	storagetest.RunKV(t, func(t *testing.T) (storage.KV, storage.KV) {
		hub := NewHub()
		return hub.Client(), hub.Client()
	})
}

func TestKV_NoSelfNotification(t *testing.T) {
	hub := NewHub()
	a, b := hub.Client(), hub.Client()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	own, err := a.Watch(ctx)
	require.NoError(t, err)
	other, err := b.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "k", []byte("1")))

	select {
	case ev := <-other:
		assert.Equal(t, "k", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("other view was not notified")
	}
	select {
	case ev := <-own:
		t.Fatalf("writer was notified of its own write: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKV_FailureAndClose(t *testing.T) {
	hub := NewHub()
	a, b := hub.Client(), hub.Client()
	ctx := context.Background()
	boom := errors.New("boom")

	a.SetFailure(boom)
	assert.ErrorIs(t, a.Set(ctx, "k", []byte("1")), boom)
	_, err := a.Watch(ctx)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, b.Set(ctx, "k", []byte("2")), "other views are unaffected")
	a.SetFailure(nil)
	got, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	require.NoError(t, a.Close())
	_, err = a.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, []string{"k"}, hub.Keys())
}
