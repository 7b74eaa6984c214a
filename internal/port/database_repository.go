package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrSoldOut          = errors.New("sale capacity exhausted or sale not purchasable")
	ErrDuplicateVoucher = errors.New("voucher code already exists")
	ErrSlotLimit        = errors.New("per-user limit reached")
	ErrOptimisticLock   = errors.New("optimistic lock conflict")
)

type SaleRepository interface {
	CreateSale(ctx context.Context, sale domain.Sale) error

	// GetSale returns nil, nil when the sale does not exist
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)

	// UpdateSale rewrites admin-editable fields; fails with ErrOptimisticLock if
	// the new capacity would fall below the current sold counter
	UpdateSale(ctx context.Context, sale domain.Sale) error

	SetSaleEnabled(ctx context.Context, saleID string, enabled bool) error

	// ClearSoldOut resets the sold-out latch and re-enables the sale
	ClearSoldOut(ctx context.Context, saleID string) error

	// ListAnnounceable returns sales whose last announced phase is not terminal
	ListAnnounceable(ctx context.Context) ([]domain.Sale, error)

	// AnnouncePhase moves announced_phase from -> to, returns false if another writer won
	AnnouncePhase(ctx context.Context, saleID string, from, to domain.Phase) (bool, error)

	// LatchSoldOut sets the sold-out latch once sold >= max and no reservation
	// is still held, returns true only for the first caller
	LatchSoldOut(ctx context.Context, saleID string) (bool, error)

	// MarkLowStockNotified flips the low-stock flag, returns true only for the first caller
	MarkLowStockNotified(ctx context.Context, saleID string) (bool, error)

	// RecordBuyer bumps purchase_count and, on a user's first paid purchase,
	// unique_customers. A purchase is counted at most once.
	RecordBuyer(ctx context.Context, saleID, userID, purchaseID string) error
}

type LedgerRepository interface {
	// ReserveStock inserts the reservation and increments sold_quantity in one
	// atomic step, returns ErrSoldOut if the sale cannot absorb the quantity at now
	ReserveStock(ctx context.Context, reservation domain.Reservation, now time.Time) error

	// ReleaseReservation moves held -> released and gives the units back, returns false if not held
	ReleaseReservation(ctx context.Context, reservationID string) (bool, error)

	// ConfirmReservation moves held -> confirmed; a released reservation is
	// re-acquired against capacity or fails with ErrSoldOut
	ConfirmReservation(ctx context.Context, reservationID string) (domain.ConfirmOutcome, error)

	ListExpiredHeld(ctx context.Context, before time.Time, limit int) ([]domain.Reservation, error)

	ReservationTotals(ctx context.Context, saleID string) (held int, confirmed int, err error)
}

type PurchaseRepository interface {
	// CreatePurchase claims per-user slot units and inserts the purchase atomically.
	// Fails with ErrSlotLimit or ErrDuplicateVoucher.
	CreatePurchase(ctx context.Context, purchase domain.Purchase, limitPerUser int) error

	// GetPurchase returns nil, nil when the purchase does not exist
	GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error)

	// GetPurchaseByVoucher returns nil, nil when no purchase carries the code
	GetPurchaseByVoucher(ctx context.Context, code string) (*domain.Purchase, error)

	// CountActiveUnits sums quantity over pending and paid purchases
	CountActiveUnits(ctx context.Context, userID, saleID string) (int, error)

	AttachSession(ctx context.Context, purchaseID, sessionID string) error

	// MarkPaid moves pending -> paid, returns false if the purchase was not pending
	MarkPaid(ctx context.Context, purchaseID, paymentRef string, at time.Time) (bool, error)

	// MarkFailed moves pending -> failed and returns the user's slot units
	MarkFailed(ctx context.Context, purchaseID, reason string, at time.Time) (bool, error)

	// MarkRefunded moves paid -> refunded and returns the user's slot units
	MarkRefunded(ctx context.Context, purchaseID, reason string, at time.Time) (bool, error)

	// MarkRedeemed sets is_redeemed on a paid, unredeemed purchase
	MarkRedeemed(ctx context.Context, purchaseID string, at time.Time) (bool, error)

	ListByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Purchase, int, error)

	// ListStalePending returns pending purchases created before the cutoff
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Purchase, error)

	// ListUnrecordedPaid returns paid purchases with a confirmed reservation
	// that RecordBuyer has not counted yet
	ListUnrecordedPaid(ctx context.Context, limit int) ([]domain.Purchase, error)

	PaidQuantity(ctx context.Context, saleID string) (int, error)
}

// DatabaseRepository is the authoritative store.
type DatabaseRepository interface {
	SaleRepository
	LedgerRepository
	PurchaseRepository
}
