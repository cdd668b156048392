package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"pollsync/pkg/fetch"
	"pollsync/pkg/models"
)

const eventBuffer = 64

type streamEvent struct {
	name string
	data any
}

// streamEvents handles GET /api/v1/polling/events. It sends the current
// status, then every result, fetch error and leadership change seen by
// this peer. Slow clients lose events rather than stall the coordinator.
func (s *Server) streamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events := make(chan streamEvent, eventBuffer)
	push := func(ev streamEvent) {
		select {
		case events <- ev:
		default:
		}
	}

	detach := []func(){
		s.coord.OnData(func(r models.Result) {
			push(streamEvent{name: "data", data: gin.H{
				"peer_id":    r.PeerID,
				"fetched_at": r.FetchedAt().UTC(),
				"payload":    r.Payload,
			}})
		}),
		s.coord.OnError(func(err error) {
			push(streamEvent{name: "error", data: fetch.AsInfo(err)})
		}),
		s.coord.OnLeadershipChange(func(leader bool) {
			push(streamEvent{name: "leadership", data: gin.H{"leader": leader}})
		}),
	}
	defer func() {
		for _, d := range detach {
			d()
		}
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", s.coord.Status(ctx))
	c.Writer.Flush()

	ping := time.NewTicker(s.eventPing)
	defer ping.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			return true
		case <-ping.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		}
	})
}
