package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType identifies the meaning of a cross-peer message.
type EnvelopeType string

const (
	EnvelopeLeaderClaimed  EnvelopeType = "leader-claimed"
	EnvelopeHeartbeat      EnvelopeType = "heartbeat"
	EnvelopeLeaderResigned EnvelopeType = "leader-resigned"
	EnvelopeData           EnvelopeType = "data"
	EnvelopeError          EnvelopeType = "error"
	EnvelopeEnable         EnvelopeType = "enable"
	EnvelopeDisable        EnvelopeType = "disable"
)

// Valid reports whether t is one of the known envelope types.
func (t EnvelopeType) Valid() bool {
	switch t {
	case EnvelopeLeaderClaimed, EnvelopeHeartbeat, EnvelopeLeaderResigned,
		EnvelopeData, EnvelopeError, EnvelopeEnable, EnvelopeDisable:
		return true
	}
	return false
}

// ErrorInfo is the minimal description of a fetch failure carried by an
// error envelope.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Envelope is the unit of cross-peer communication. Envelopes are never
// persisted beyond transport-level fallback delivery.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	PeerID    string          `json:"peerId"`
	Timestamp int64           `json:"timestamp"` // epoch millis
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// NewEnvelope stamps an envelope of the given type with the sender and time.
func NewEnvelope(t EnvelopeType, peerID string, now time.Time) Envelope {
	return Envelope{
		Type:      t,
		PeerID:    peerID,
		Timestamp: now.UnixMilli(),
	}
}

// DedupKey identifies a logical message regardless of which path delivered it.
func (e Envelope) DedupKey() string {
	return fmt.Sprintf("%s|%d|%s", e.PeerID, e.Timestamp, e.Type)
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// DecodeEnvelope parses an envelope and rejects ones missing a type or sender.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	if env.PeerID == "" {
		return Envelope{}, fmt.Errorf("envelope missing peerId")
	}
	return env, nil
}
