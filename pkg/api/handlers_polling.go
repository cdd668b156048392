package api

import (
	"errors"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"

	"pollsync/pkg/coordinator"
	"pollsync/pkg/scheduler"
)

// healthCheck reports the coordinator, the fetch circuit and host memory.
func (s *Server) healthCheck(c *gin.Context) {
	status := s.coord.Status(c.Request.Context())

	body := gin.H{
		"status":    "healthy",
		"peer_id":   status.PeerID,
		"state":     status.State,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	}
	httpStatus := http.StatusOK

	if status.Closed {
		body["status"] = "stopped"
		httpStatus = http.StatusServiceUnavailable
	}
	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		body["fetch_circuit"] = snap
		if snap.State != "closed" && httpStatus == http.StatusOK {
			body["status"] = "degraded"
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		body["memory"] = gin.H{
			"total_bytes":     vm.Total,
			"available_bytes": vm.Available,
			"used_percent":    vm.UsedPercent,
		}
	}

	c.JSON(httpStatus, body)
}

// getPeer handles GET /api/v1/peer
func (s *Server) getPeer(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Status(c.Request.Context()))
}

// enablePolling handles POST /api/v1/polling/enable
func (s *Server) enablePolling(c *gin.Context) {
	if err := s.coord.Enable(c.Request.Context()); err != nil {
		writeCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.coord.Status(c.Request.Context()))
}

// disablePolling handles POST /api/v1/polling/disable
func (s *Server) disablePolling(c *gin.Context) {
	if err := s.coord.Disable(c.Request.Context()); err != nil {
		writeCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.coord.Status(c.Request.Context()))
}

// getResult handles GET /api/v1/polling/result
func (s *Server) getResult(c *gin.Context) {
	res, err := s.coord.LastResult(c.Request.Context())
	if err != nil {
		writeCoordinatorError(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peer_id":    res.PeerID,
		"fetched_at": res.FetchedAt().UTC(),
		"payload":    res.Payload,
	})
}

// ConfigRequest is the body of PATCH /api/v1/polling/config. Absent
// fields are left unchanged.
type ConfigRequest struct {
	URL     *string           `json:"url"`
	Method  *string           `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body"`
	Timeout *string           `json:"timeout"`
	Cadence *string           `json:"cadence"`
}

// updateConfig handles PATCH /api/v1/polling/config
func (s *Server) updateConfig(c *gin.Context) {
	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts, err := s.buildOptions(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.coord.Reconfigure(opts); err != nil {
		writeCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.coord.Status(c.Request.Context()))
}

// buildOptions validates req and merges it over the current target.
func (s *Server) buildOptions(req ConfigRequest) (coordinator.Options, error) {
	var opts coordinator.Options

	if req.URL != nil {
		u := strings.TrimSpace(*req.URL)
		if err := s.validator.ValidateURL(u); err != nil {
			return opts, err
		}
		opts.URL = &u
	}

	if req.Cadence != nil {
		if err := s.validator.ValidateCadence(*req.Cadence); err != nil {
			return opts, err
		}
		sched, err := scheduler.ParseCadence(*req.Cadence)
		if err != nil {
			return opts, err
		}
		opts.Schedule = sched
	}

	if req.Method == nil && req.Headers == nil && req.Body == nil && req.Timeout == nil {
		return opts, nil
	}

	fo := s.coord.Target().Options
	if req.Method != nil {
		if err := s.validator.ValidateMethod(*req.Method); err != nil {
			return opts, err
		}
		fo.Method = strings.ToUpper(*req.Method)
	}
	if req.Headers != nil {
		if err := s.validator.ValidateHeaders(req.Headers); err != nil {
			return opts, err
		}
		fo.Headers = maps.Clone(req.Headers)
	}
	if req.Body != nil {
		if err := s.validator.ValidateBody(*req.Body); err != nil {
			return opts, err
		}
		fo.Body = *req.Body
	}
	if req.Timeout != nil {
		d, err := s.validator.ValidateTimeout(*req.Timeout)
		if err != nil {
			return opts, err
		}
		fo.Timeout = d
	}
	opts.FetchOptions = &fo
	return opts, nil
}

func writeCoordinatorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNoURL):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, coordinator.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
