package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

// VoucherPolicy returns how long a voucher stays redeemable for a sale kind.
type VoucherPolicy func(kind string) time.Duration

// PendingPurchase carries what CreatePending needs to open a purchase.
type PendingPurchase struct {
	ID            string
	UserID        string
	Sale          domain.Sale
	Quantity      int
	ReservationID string
}

// PurchaseStore owns purchase records and their guarded status transitions.
type PurchaseStore struct {
	repo   port.PurchaseRepository
	clock  Clock
	policy VoucherPolicy
	codes  CodeGenerator
	log    zerolog.Logger
}

func NewPurchaseStore(repo port.PurchaseRepository, clock Clock, policy VoucherPolicy, log zerolog.Logger) *PurchaseStore {
	return &PurchaseStore{
		repo:   repo,
		clock:  clock,
		policy: policy,
		codes:  randomVoucherCode,
		log:    log.With().Str("component", "purchase_store").Logger(),
	}
}

// CreatePending inserts a pending purchase under a fresh voucher code. A code
// collision regenerates the code; after voucherAttempts collisions a
// timestamp-derived code is used so the loop always terminates.
func (s *PurchaseStore) CreatePending(ctx context.Context, in PendingPurchase) (domain.Purchase, error) {
	now := s.clock.Now()
	unit := in.Sale.UnitPrice()

	p := domain.Purchase{
		ID:               in.ID,
		UserID:           in.UserID,
		SaleID:           in.Sale.ID,
		ReservationID:    in.ReservationID,
		Quantity:         in.Quantity,
		UnitAmount:       unit,
		TotalAmount:      in.Sale.TotalPrice(in.Quantity),
		Currency:         in.Sale.Currency,
		Status:           domain.PaymentPending,
		VoucherExpiresAt: now.Add(s.policy(in.Sale.Kind)),
		CreatedAt:        now,
	}

	for attempt := 1; attempt <= voucherAttempts; attempt++ {
		code, err := s.codes()
		if err != nil {
			s.log.Warn().Err(err).Msg("voucher generator failed, using fallback code")
			break
		}
		p.VoucherCode = code

		err = s.insert(ctx, p, in.Sale.LimitPerUser)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, port.ErrDuplicateVoucher) {
			return domain.Purchase{}, err
		}
		s.log.Debug().Int("attempt", attempt).Str("purchase_id", p.ID).Msg("voucher code collision")
	}

	p.VoucherCode = fallbackVoucherCode(now, p.ID)
	if err := s.insert(ctx, p, in.Sale.LimitPerUser); err != nil {
		return domain.Purchase{}, err
	}
	return p, nil
}

func (s *PurchaseStore) insert(ctx context.Context, p domain.Purchase, limit int) error {
	err := s.repo.CreatePurchase(ctx, p, limit)
	switch {
	case err == nil, errors.Is(err, port.ErrDuplicateVoucher):
		return err
	case errors.Is(err, port.ErrSlotLimit):
		return ErrUserLimitExceeded
	default:
		return fmt.Errorf("create purchase: %w", err)
	}
}

// CountActiveForUser sums units over the user's pending and paid purchases.
func (s *PurchaseStore) CountActiveForUser(ctx context.Context, userID, saleID string) (int, error) {
	n, err := s.repo.CountActiveUnits(ctx, userID, saleID)
	if err != nil {
		return 0, fmt.Errorf("count active purchases: %w", err)
	}
	return n, nil
}

// Get returns ErrPurchaseNotFound when the record does not exist.
func (s *PurchaseStore) Get(ctx context.Context, purchaseID string) (*domain.Purchase, error) {
	p, err := s.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("load purchase: %w", err)
	}
	if p == nil {
		return nil, ErrPurchaseNotFound
	}
	return p, nil
}

func (s *PurchaseStore) AttachSession(ctx context.Context, purchaseID, sessionID string) error {
	if err := s.repo.AttachSession(ctx, purchaseID, sessionID); err != nil {
		return fmt.Errorf("attach session: %w", err)
	}
	return nil
}

// MarkPaid is a guarded pending -> paid transition. false means the record
// had already left pending and nothing was written.
func (s *PurchaseStore) MarkPaid(ctx context.Context, purchaseID, paymentRef string) (bool, error) {
	ok, err := s.repo.MarkPaid(ctx, purchaseID, paymentRef, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	return ok, nil
}

// MarkFailed is a guarded pending -> failed transition.
func (s *PurchaseStore) MarkFailed(ctx context.Context, purchaseID, reason string) (bool, error) {
	ok, err := s.repo.MarkFailed(ctx, purchaseID, reason, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return ok, nil
}

func (s *PurchaseStore) MarkRefunded(ctx context.Context, purchaseID, reason string) (bool, error) {
	ok, err := s.repo.MarkRefunded(ctx, purchaseID, reason, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}
	return ok, nil
}
