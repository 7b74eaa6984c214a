package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// gatewayBackOff allows attempts tries in total, doubling the pause from
// initial between them, and gives up as soon as ctx ends.
func gatewayBackOff(ctx context.Context, attempts int, initial time.Duration) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}
