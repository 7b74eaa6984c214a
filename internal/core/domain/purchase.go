package domain

import (
	"errors"
	"time"
)

var (
	ErrInvalidTransition    = errors.New("invalid payment status transition")
	ErrVoucherNotRedeemable = errors.New("voucher is not redeemable")
	ErrVoucherExpired       = errors.New("voucher has expired")
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// CanTransition reports whether a purchase may move from one payment status to another.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return to == PaymentPaid || to == PaymentFailed
	case PaymentPaid:
		return to == PaymentRefunded
	default:
		return false
	}
}

// Active purchases count against a user's per-sale limit.
func (s PaymentStatus) Active() bool {
	return s == PaymentPending || s == PaymentPaid
}

// Purchase is one buyer's claim on a Sale.
type Purchase struct {
	ID               string
	UserID           string
	SaleID           string
	ReservationID    string
	Quantity         int
	UnitAmount       int64
	TotalAmount      int64
	Currency         string
	Status           PaymentStatus
	FailureReason    string
	SessionID        string
	PaymentReference string
	VoucherCode      string
	VoucherExpiresAt time.Time
	IsRedeemed       bool
	RedeemedAt       *time.Time
	CreatedAt        time.Time
	DecidedAt        *time.Time
}

// Redeem marks the voucher used. Only paid, unredeemed, unexpired vouchers qualify.
func (p *Purchase) Redeem(now time.Time) error {
	if p.Status != PaymentPaid || p.IsRedeemed {
		return ErrVoucherNotRedeemable
	}
	if !now.Before(p.VoucherExpiresAt) {
		return ErrVoucherExpired
	}
	p.IsRedeemed = true
	p.RedeemedAt = &now
	return nil
}
