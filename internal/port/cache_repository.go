package port

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss means the cache holds no stock mirror for the sale.
var ErrCacheMiss = errors.New("stock not cached")

// CacheRepository is an advisory mirror of remaining stock plus short-lived
// idempotency keys. The database stays authoritative.
type CacheRepository interface {
	// DecrementStock atomically decreases remaining stock, returns false if insufficient
	DecrementStock(ctx context.Context, saleID string, quantity int) (bool, error)

	// IncrementStock restores remaining stock (for rollback and release)
	IncrementStock(ctx context.Context, saleID string, quantity int) error

	// SetStock overwrites the mirror with the authoritative remaining count
	SetStock(ctx context.Context, saleID string, remaining int) error

	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseIdempotency drops a key so the same request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
