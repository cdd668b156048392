// Package fetch performs the remote request the leader polls.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pollsync/pkg/models"
)

// Error kinds carried in error envelopes.
const (
	KindRequest     = "request"
	KindNetwork     = "network"
	KindTimeout     = "timeout"
	KindStatus      = "status"
	KindDecode      = "decode"
	KindCircuitOpen = "circuit-open"
)

// Error is a fetch failure. Cancellation is never reported as an Error.
type Error struct {
	Kind       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Info returns the minimal description broadcast to other peers.
func (e *Error) Info() models.ErrorInfo {
	return models.ErrorInfo{Kind: e.Kind, Message: e.Message}
}

// AsInfo describes any error for an error envelope.
func AsInfo(err error) models.ErrorInfo {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Info()
	}
	return models.ErrorInfo{Kind: KindNetwork, Message: err.Error()}
}

// FromInfo rebuilds an Error received from another peer.
func FromInfo(info models.ErrorInfo) *Error {
	return &Error{Kind: info.Kind, Message: info.Message}
}

// Options shape the request.
type Options struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Target is what to fetch.
type Target struct {
	URL     string
	Options Options
}

// Fetcher returns a JSON payload for target or fails. Implementations must
// return an error wrapping context.Canceled when ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, target Target) (json.RawMessage, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, target Target) (json.RawMessage, error)

func (f FetcherFunc) Fetch(ctx context.Context, target Target) (json.RawMessage, error) {
	return f(ctx, target)
}
