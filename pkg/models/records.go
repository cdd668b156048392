package models

import (
	"encoding/json"
	"time"
)

// LeaderRecord names the peer currently claiming leadership and the last
// time it proved liveness.
type LeaderRecord struct {
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}

// Age returns how long ago the record was last refreshed.
func (r LeaderRecord) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Timestamp))
}

// IsStale reports whether the record is older than timeout.
func (r LeaderRecord) IsStale(now time.Time, timeout time.Duration) bool {
	return r.Age(now) > timeout
}

// EnabledFlag is the cross-peer desired state of polling.
type EnabledFlag struct {
	Enabled bool `json:"enabled"`
}

// Result is the last successfully fetched payload, as cached in the shared
// store and delivered to data observers.
type Result struct {
	PeerID    string          `json:"peerId"`
	Timestamp int64           `json:"timestamp"` // epoch millis
	Payload   json.RawMessage `json:"payload"`
}

// FetchedAt returns the result timestamp as a time.Time.
func (r Result) FetchedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}
