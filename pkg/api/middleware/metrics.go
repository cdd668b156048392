package middleware

import (
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pollsync/pkg/metrics"
)

const (
	RoleLeader   = "leader"
	RoleFollower = "follower"

	pollingRoutePrefix = "/api/v1/polling/"
)

// MetricsMiddleware records control API metrics. isLeader is read after the
// handler runs, so a request that toggled leadership is counted under the
// role the peer ended up with. It may be nil.
func MetricsMiddleware(isLeader func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		stream := strings.HasSuffix(route, "/events")
		if stream {
			metrics.APIStreams.Inc()
			defer metrics.APIStreams.Dec()
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		metrics.APIRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status), peerRole(isLeader)).Inc()
		if !stream {
			metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		if cmd, ok := pollingCommand(c.Request.Method, route); ok {
			metrics.PollingCommands.WithLabelValues(cmd, commandOutcome(status)).Inc()
		}
	}
}

func peerRole(isLeader func() bool) string {
	if isLeader != nil && isLeader() {
		return RoleLeader
	}
	return RoleFollower
}

// pollingCommand names the mutating polling route, if route is one.
func pollingCommand(method, route string) (string, bool) {
	if method == http.MethodGet || !strings.HasPrefix(route, pollingRoutePrefix) {
		return "", false
	}
	return path.Base(route), true
}

func commandOutcome(status int) string {
	switch {
	case status < 300:
		return "ok"
	case status == http.StatusBadRequest:
		return "invalid"
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "denied"
	case status == http.StatusConflict:
		return "no_url"
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status == http.StatusServiceUnavailable:
		return "closed"
	default:
		return "error"
	}
}
