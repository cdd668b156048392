package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollsync/pkg/models"
	kvmemory "pollsync/pkg/storage/memory"
	"pollsync/pkg/transport"
	busmemory "pollsync/pkg/transport/memory"
)

type inbox struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (i *inbox) handle(env models.Envelope) {
	i.mu.Lock()
	i.envs = append(i.envs, env)
	i.mu.Unlock()
}

func (i *inbox) snapshot() []models.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]models.Envelope(nil), i.envs...)
}

func newPeer(t *testing.T, id string, kvHub *kvmemory.Hub, busHub *busmemory.Hub) *transport.Transport {
	t.Helper()
	var bus transport.Bus
	if busHub != nil {
		bus = busHub.Bus()
	}
	tr, err := transport.New(id, kvHub.Client(), bus, transport.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func TestTransport_DeliversOnceAcrossBothPaths(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kvHub, busHub := kvmemory.NewHub(), busmemory.NewHub()
	sender := newPeer(t, "peer-a", kvHub, busHub)
	receiver := newPeer(t, "peer-b", kvHub, busHub)

	var got inbox
	require.NoError(t, receiver.Listen(ctx, got.handle))

	sender.Send(ctx, models.NewEnvelope(models.EnvelopeHeartbeat, "peer-a", time.Now()))

	assert.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	envs := got.snapshot()
	require.Len(t, envs, 1)
	assert.Equal(t, models.EnvelopeHeartbeat, envs[0].Type)
	assert.Equal(t, "peer-a", envs[0].PeerID)
}

func TestTransport_FiltersOwnEnvelopes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kvHub, busHub := kvmemory.NewHub(), busmemory.NewHub()
	tr := newPeer(t, "peer-a", kvHub, busHub)

	var got inbox
	require.NoError(t, tr.Listen(ctx, got.handle))

	tr.Send(ctx, models.NewEnvelope(models.EnvelopeLeaderClaimed, "peer-a", time.Now()))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestTransport_FallsBackToStoreWhenBusDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kvHub, busHub := kvmemory.NewHub(), busmemory.NewHub()
	sender := newPeer(t, "peer-a", kvHub, busHub)
	receiver := newPeer(t, "peer-b", kvHub, busHub)

	var got inbox
	require.NoError(t, receiver.Listen(ctx, got.handle))
	busHub.SetDown(true)

	sender.Send(ctx, models.NewEnvelope(models.EnvelopeDisable, "peer-a", time.Now()))

	assert.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.EnvelopeDisable, got.snapshot()[0].Type)
}

func TestTransport_WorksWithoutBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kvHub := kvmemory.NewHub()
	sender := newPeer(t, "peer-a", kvHub, nil)
	receiver := newPeer(t, "peer-b", kvHub, nil)
	assert.False(t, sender.HasBus())

	var got inbox
	require.NoError(t, receiver.Listen(ctx, got.handle))

	sender.Send(ctx, models.NewEnvelope(models.EnvelopeEnable, "peer-a", time.Now()))
	assert.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransport_CellsExpire(t *testing.T) {
	ctx := context.Background()
	kvHub := kvmemory.NewHub()
	tr := newPeer(t, "peer-a", kvHub, nil)

	tr.Send(ctx, models.NewEnvelope(models.EnvelopeHeartbeat, "peer-a", time.Now()))
	require.Equal(t, 1, kvHub.Len())
	assert.True(t, tr.IsCellKey(kvHub.Keys()[0]))

	assert.Eventually(t, func() bool { return kvHub.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTransport_CloseDeletesPendingCells(t *testing.T) {
	ctx := context.Background()
	kvHub := kvmemory.NewHub()
	tr, err := transport.New("peer-a", kvHub.Client(), nil, transport.Config{CellTTL: time.Hour}, nil)
	require.NoError(t, err)

	tr.Send(ctx, models.NewEnvelope(models.EnvelopeHeartbeat, "peer-a", time.Now()))
	require.Equal(t, 1, kvHub.Len())

	tr.Close()
	assert.Equal(t, 0, kvHub.Len())

	tr.Send(ctx, models.NewEnvelope(models.EnvelopeHeartbeat, "peer-a", time.Now()))
	assert.Equal(t, 0, kvHub.Len())
}

func TestTransport_DistinctTimestampsAreNotDuplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kvHub, busHub := kvmemory.NewHub(), busmemory.NewHub()
	sender := newPeer(t, "peer-a", kvHub, busHub)
	receiver := newPeer(t, "peer-b", kvHub, busHub)

	var got inbox
	require.NoError(t, receiver.Listen(ctx, got.handle))

	base := time.Now()
	sender.Send(ctx, models.NewEnvelope(models.EnvelopeHeartbeat, "peer-a", base))
	sender.Send(ctx, models.NewEnvelope(models.EnvelopeHeartbeat, "peer-a", base.Add(time.Millisecond)))
	sender.Send(ctx, models.NewEnvelope(models.EnvelopeData, "peer-a", base))

	assert.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
}
