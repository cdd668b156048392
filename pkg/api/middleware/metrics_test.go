package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pollsync/pkg/metrics"
)

func newMetricsRouter(leader *bool) *gin.Engine {
	router := gin.New()
	router.Use(MetricsMiddleware(func() bool { return *leader }))
	router.GET("/api/v1/peer", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/api/v1/polling/enable", func(c *gin.Context) { c.Status(http.StatusConflict) })
	router.POST("/api/v1/polling/disable", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.PATCH("/api/v1/polling/config", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	return router
}

func serveMetrics(router *gin.Engine, method, target string) {
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, target, nil))
}

func TestMetricsMiddleware_LabelsByPeerRole(t *testing.T) {
	leader := false
	router := newMetricsRouter(&leader)

	asFollower := metrics.APIRequests.WithLabelValues("GET", "/api/v1/peer", "200", RoleFollower)
	asLeader := metrics.APIRequests.WithLabelValues("GET", "/api/v1/peer", "200", RoleLeader)
	followerBefore, leaderBefore := testutil.ToFloat64(asFollower), testutil.ToFloat64(asLeader)

	serveMetrics(router, http.MethodGet, "/api/v1/peer")
	leader = true
	serveMetrics(router, http.MethodGet, "/api/v1/peer")
	serveMetrics(router, http.MethodGet, "/api/v1/peer")

	if got := testutil.ToFloat64(asFollower) - followerBefore; got != 1 {
		t.Errorf("follower requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(asLeader) - leaderBefore; got != 2 {
		t.Errorf("leader requests = %v, want 2", got)
	}
}

func TestMetricsMiddleware_CountsPollingCommands(t *testing.T) {
	leader := true
	router := newMetricsRouter(&leader)

	noURL := metrics.PollingCommands.WithLabelValues("enable", "no_url")
	disabled := metrics.PollingCommands.WithLabelValues("disable", "ok")
	invalid := metrics.PollingCommands.WithLabelValues("config", "invalid")
	before := []float64{testutil.ToFloat64(noURL), testutil.ToFloat64(disabled), testutil.ToFloat64(invalid)}

	serveMetrics(router, http.MethodPost, "/api/v1/polling/enable")
	serveMetrics(router, http.MethodPost, "/api/v1/polling/disable")
	serveMetrics(router, http.MethodPatch, "/api/v1/polling/config")
	serveMetrics(router, http.MethodGet, "/api/v1/peer")

	after := []float64{testutil.ToFloat64(noURL), testutil.ToFloat64(disabled), testutil.ToFloat64(invalid)}
	for i := range before {
		if after[i]-before[i] != 1 {
			t.Errorf("command counter %d moved by %v, want 1", i, after[i]-before[i])
		}
	}
}

func TestPollingCommand(t *testing.T) {
	tests := []struct {
		method, route string
		want          string
		ok            bool
	}{
		{"POST", "/api/v1/polling/enable", "enable", true},
		{"PATCH", "/api/v1/polling/config", "config", true},
		{"GET", "/api/v1/polling/result", "", false},
		{"POST", "/api/v1/peer", "", false},
	}

	for _, tt := range tests {
		got, ok := pollingCommand(tt.method, tt.route)
		if got != tt.want || ok != tt.ok {
			t.Errorf("pollingCommand(%s, %s) = %q, %v; want %q, %v", tt.method, tt.route, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCommandOutcome(t *testing.T) {
	tests := map[int]string{
		200: "ok",
		400: "invalid",
		401: "denied",
		403: "denied",
		409: "no_url",
		429: "throttled",
		503: "closed",
		500: "error",
	}

	for status, want := range tests {
		if got := commandOutcome(status); got != want {
			t.Errorf("commandOutcome(%d) = %q, want %q", status, got, want)
		}
	}
}
