package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pollsync.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// IsLeader is 1 while the peer holds leadership.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pollsync",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "Whether this peer currently believes itself leader",
		},
		[]string{"peer_id"},
	)

	// ElectionAttempts counts election attempts by outcome.
	ElectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "election",
			Name:      "attempts_total",
			Help:      "Election attempts by outcome (claimed, leader_alive)",
		},
		[]string{"outcome"},
	)

	// Resignations counts voluntary and collision-driven resignations.
	Resignations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "election",
			Name:      "resignations_total",
			Help:      "Leadership resignations by reason",
		},
		[]string{"reason"},
	)

	// HeartbeatsSent counts heartbeats written by the leader.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "election",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent",
		},
	)

	// --- Scheduler Metrics ---

	// Fetches counts fetch ticks by outcome.
	Fetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "scheduler",
			Name:      "fetches_total",
			Help:      "Fetch ticks by outcome (success, failure, cancelled)",
		},
		[]string{"outcome"},
	)

	// FetchDuration tracks fetch latency.
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pollsync",
			Subsystem: "scheduler",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of remote fetches in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	// FetchesInFlight is 1 while a fetch is pending.
	FetchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pollsync",
			Subsystem: "scheduler",
			Name:      "fetches_in_flight",
			Help:      "Number of fetches currently in flight on this process",
		},
	)

	// CircuitState is the fetch breaker state: 0 closed, 1 open, 2 half-open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pollsync",
			Subsystem: "scheduler",
			Name:      "circuit_state",
			Help:      "Fetch circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	// --- Transport Metrics ---

	// EnvelopesSent counts envelopes handed to each path.
	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "transport",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes sent by type and path (bus, cell)",
		},
		[]string{"type", "path"},
	)

	// EnvelopesReceived counts envelopes accepted from each path.
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "transport",
			Name:      "envelopes_received_total",
			Help:      "Envelopes delivered to handlers by type and path",
		},
		[]string{"type", "path"},
	)

	// EnvelopesDuplicate counts envelopes dropped as already seen.
	EnvelopesDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "transport",
			Name:      "envelopes_duplicate_total",
			Help:      "Envelopes dropped because another path delivered them first",
		},
	)

	// TransportErrors counts swallowed send failures.
	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Swallowed transport errors by path",
		},
		[]string{"path"},
	)

	// --- API Metrics ---

	// APIRequests counts control API requests by route and by the role the
	// serving peer held when the request finished.
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Control API requests by method, route, status and peer role",
		},
		[]string{"method", "route", "status", "role"},
	)

	// APIRequestDuration tracks control API latency. Event streams are
	// excluded since they stay open for the life of the client.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pollsync",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Control API latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"route"},
	)

	// APIStreams is the number of open event streams.
	APIStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pollsync",
			Subsystem: "api",
			Name:      "event_streams",
			Help:      "Event streams currently open",
		},
	)

	// PollingCommands counts enable/disable/config calls by outcome.
	PollingCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "api",
			Name:      "polling_commands_total",
			Help:      "Polling commands by command and outcome (ok, invalid, denied, no_url, throttled, closed, error)",
		},
		[]string{"command", "outcome"},
	)

	// --- Store Metrics ---

	// StoreErrors counts swallowed shared-store failures.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollsync",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Swallowed shared-store errors by operation",
		},
		[]string{"op"},
	)
)

// RecordFetch records the outcome and latency of one fetch tick.
func RecordFetch(outcome string, durationSeconds float64) {
	Fetches.WithLabelValues(outcome).Inc()
	if outcome != "cancelled" {
		FetchDuration.Observe(durationSeconds)
	}
}

// SetLeader flips the leadership gauge for a peer.
func SetLeader(peerID string, leader bool) {
	v := 0.0
	if leader {
		v = 1
	}
	IsLeader.WithLabelValues(peerID).Set(v)
}
