package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/metrics"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

// Release reasons, also used as metric labels.
const (
	ReleaseGatewayFailure = "gateway_failure"
	ReleasePaymentFailed  = "payment_failed"
	ReleaseCancelled      = "cancelled"
	ReleaseExpired        = "expired"
	ReleaseSlotConflict   = "slot_conflict"
)

// Ledger is the only writer of a sale's sold counter. The database's
// conditional increment is the commit point; the cache is a fast-reject
// mirror kept in step on a best-effort basis.
type Ledger struct {
	repo  port.LedgerRepository
	cache port.CacheRepository
	log   zerolog.Logger
}

// NewLedger wires the ledger. cache may be nil.
func NewLedger(repo port.LedgerRepository, cache port.CacheRepository, log zerolog.Logger) *Ledger {
	return &Ledger{
		repo:  repo,
		cache: cache,
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

// Reserve provisionally claims quantity units for purchaseID. The hold lapses
// at now+ttl unless confirmed first.
func (l *Ledger) Reserve(ctx context.Context, saleID, purchaseID string, quantity int, now time.Time, ttl time.Duration) (domain.Reservation, error) {
	mirrored := false
	if l.cache != nil {
		ok, err := l.cache.DecrementStock(ctx, saleID, quantity)
		switch {
		case err == nil && !ok:
			return domain.Reservation{}, ErrStockUnavailable
		case err == nil:
			mirrored = true
		case !errors.Is(err, port.ErrCacheMiss):
			l.log.Warn().Err(err).Str("sale_id", saleID).Msg("stock mirror unavailable, using database only")
		}
	}

	r := domain.Reservation{
		ID:         uuid.NewString(),
		SaleID:     saleID,
		PurchaseID: purchaseID,
		Quantity:   quantity,
		Status:     domain.ReservationHeld,
		ExpiresAt:  now.Add(ttl),
	}

	if err := l.repo.ReserveStock(ctx, r, now); err != nil {
		if mirrored {
			l.restoreMirror(ctx, saleID, quantity)
		}
		if errors.Is(err, port.ErrSoldOut) {
			return domain.Reservation{}, ErrStockUnavailable
		}
		if errors.Is(err, port.ErrNotFound) {
			return domain.Reservation{}, ErrSaleNotFound
		}
		return domain.Reservation{}, fmt.Errorf("reserve stock: %w", err)
	}
	return r, nil
}

// Release returns a held reservation to the pool. It reports false when the
// reservation was already confirmed or released, so units go back at most once.
func (l *Ledger) Release(ctx context.Context, reservationID, saleID string, quantity int, reason string) (bool, error) {
	if reservationID == "" {
		return false, nil
	}
	released, err := l.repo.ReleaseReservation(ctx, reservationID)
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	if !released {
		return false, nil
	}

	metrics.ReservationsReleased.WithLabelValues(reason).Inc()
	l.restoreMirror(ctx, saleID, quantity)
	l.log.Info().
		Str("reservation_id", reservationID).
		Str("sale_id", saleID).
		Int("quantity", quantity).
		Str("reason", reason).
		Msg("reservation released")
	return true, nil
}

// Confirm finalizes a reservation. Confirming twice is a no-op; confirming a
// lapsed reservation re-acquires the units or fails with ErrStockUnavailable.
func (l *Ledger) Confirm(ctx context.Context, reservationID, saleID string, quantity int) (domain.ConfirmOutcome, error) {
	outcome, err := l.repo.ConfirmReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, port.ErrSoldOut) {
			return "", ErrStockUnavailable
		}
		return "", fmt.Errorf("confirm reservation: %w", err)
	}

	if outcome == domain.ConfirmReacquired && l.cache != nil {
		if _, err := l.cache.DecrementStock(ctx, saleID, quantity); err != nil && !errors.Is(err, port.ErrCacheMiss) {
			l.log.Warn().Err(err).Str("sale_id", saleID).Msg("stock mirror decrement failed")
		}
	}
	return outcome, nil
}

func (l *Ledger) restoreMirror(ctx context.Context, saleID string, quantity int) {
	if l.cache == nil {
		return
	}
	if err := l.cache.IncrementStock(ctx, saleID, quantity); err != nil {
		l.log.Warn().Err(err).Str("sale_id", saleID).Msg("stock mirror increment failed")
	}
}

// Resync overwrites the cache mirror with the authoritative remaining count.
func (l *Ledger) Resync(ctx context.Context, sale domain.Sale) error {
	if l.cache == nil {
		return nil
	}
	remaining := sale.Remaining()
	if sale.SoldOutLatched || !sale.Enabled {
		remaining = 0
	}
	return l.cache.SetStock(ctx, sale.ID, remaining)
}
