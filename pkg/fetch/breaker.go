package fetch

import (
	"context"
	"encoding/json"
	"errors"

	"pollsync/pkg/resilience"
)

// BreakerFetcher stops calling a failing remote until the circuit's
// timeout elapses. A rejected call is reported as a circuit-open Error.
type BreakerFetcher struct {
	next    Fetcher
	breaker *resilience.CircuitBreaker
}

func WithCircuitBreaker(next Fetcher, breaker *resilience.CircuitBreaker) *BreakerFetcher {
	return &BreakerFetcher{next: next, breaker: breaker}
}

func (b *BreakerFetcher) Breaker() *resilience.CircuitBreaker { return b.breaker }

func (b *BreakerFetcher) Fetch(ctx context.Context, target Target) (json.RawMessage, error) {
	var payload json.RawMessage
	err := b.breaker.Execute(ctx, func() error {
		var err error
		payload, err = b.next.Fetch(ctx, target)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &Error{Kind: KindCircuitOpen, Message: "remote is failing, circuit " + b.breaker.Name() + " is open", Err: err}
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}
