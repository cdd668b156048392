package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"pollsync/pkg/fetch"
	"pollsync/pkg/models"
	"pollsync/pkg/sharedstore"
	"pollsync/pkg/storage"
)

// handleEnvelope dispatches envelopes from other peers. Duplicates are
// already filtered by the transport; every branch is idempotent anyway.
func (c *Coordinator) handleEnvelope(env models.Envelope) {
	if c.closed.Load() {
		return
	}
	ctx := c.baseContext()

	switch env.Type {
	case models.EnvelopeLeaderClaimed, models.EnvelopeHeartbeat, models.EnvelopeLeaderResigned:
		c.elector.HandleEnvelope(ctx, env)

	case models.EnvelopeData:
		c.dataObs.Emit(models.Result{
			PeerID:    env.PeerID,
			Timestamp: env.Timestamp,
			Payload:   env.Payload,
		})

	case models.EnvelopeError:
		info := models.ErrorInfo{Kind: "unknown", Message: "remote peer reported a fetch failure"}
		if env.Error != nil {
			info = *env.Error
		}
		c.errorObs.Emit(fetch.FromInfo(info))

	case models.EnvelopeEnable, models.EnvelopeDisable:
		c.mirrorEnabled(env.Type == models.EnvelopeEnable, "envelope")
	}
}

// watchStore follows the persisted records. Broadcast cells are the
// transport's business.
func (c *Coordinator) watchStore(changes <-chan storage.ChangeEvent) {
	keys := c.store.Keys()
	for ev := range changes {
		if c.closed.Load() {
			continue
		}
		switch ev.Key {
		case keys.Leader:
			if ev.Deleted {
				c.elector.ObserveRecord(nil)
			} else if rec := sharedstore.DecodeLeader(ev.Value); rec != nil {
				c.elector.ObserveRecord(rec)
			}
		case keys.Enabled:
			if ev.Deleted {
				continue
			}
			if flag := sharedstore.DecodeEnabled(ev.Value); flag != nil {
				c.mirrorEnabled(flag.Enabled, "store")
			}
		}
	}
}

func (c *Coordinator) mirrorEnabled(enabled bool, source string) {
	if prev := c.enabled.Swap(enabled); prev != enabled {
		c.logger.Info("enabled flag changed by peer",
			zap.Bool("enabled", enabled), zap.String("source", source))
	}
	c.syncPoller()
}

func (c *Coordinator) onElected() {
	c.syncPoller()
	c.emitLeadership()
}

// onDeposed goes through syncPoller so a start decided just before the
// deposition is undone once it has finished.
func (c *Coordinator) onDeposed(reason string) {
	c.syncPoller()
	c.emitLeadership()
}

// emitLeadership notifies observers when the elector's state differs from
// the last value they saw. Reading the state here, rather than trusting
// the hook, keeps observers consistent when hooks race.
func (c *Coordinator) emitLeadership() {
	c.leaderMu.Lock()
	leader := c.elector.IsLeader()
	if leader == c.lastLeader {
		c.leaderMu.Unlock()
		return
	}
	c.lastLeader = leader
	c.leaderMu.Unlock()

	c.leaderObs.Emit(leader)
}

func (c *Coordinator) onFetchData(ctx context.Context, payload json.RawMessage, fetchedAt time.Time) {
	res := models.Result{
		PeerID:    c.peerID,
		Timestamp: fetchedAt.UnixMilli(),
		Payload:   payload,
	}

	c.dataObs.Emit(res)
	c.store.WriteResult(ctx, res)

	env := models.NewEnvelope(models.EnvelopeData, c.peerID, fetchedAt)
	env.Payload = payload
	c.transport.Send(ctx, env)

	if c.archive != nil {
		actx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
		if ref, err := c.archive.Store(actx, res); err != nil {
			c.logger.Warn("failed to archive result", zap.Error(err))
		} else {
			c.logger.Debug("result archived", zap.String("ref", ref))
		}
	}
}

func (c *Coordinator) onFetchError(ctx context.Context, err error) {
	c.errorObs.Emit(err)

	info := fetch.AsInfo(err)
	env := models.NewEnvelope(models.EnvelopeError, c.peerID, time.Now())
	env.Error = &info
	c.transport.Send(ctx, env)
}
