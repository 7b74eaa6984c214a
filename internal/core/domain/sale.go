package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidSale = errors.New("invalid sale")

// EndingSoonWindow is how long before EndTime an active sale reports PhaseEndingSoon.
const EndingSoonWindow = 5 * time.Minute

type Phase string

const (
	PhaseScheduled  Phase = "scheduled"
	PhaseActive     Phase = "active"
	PhaseEndingSoon Phase = "ending_soon"
	PhaseEnded      Phase = "ended"
	PhaseSoldOut    Phase = "sold_out"
)

// Sale is a time-boxed, capacity-limited promotional inventory pool.
// SoldQuantity counts provisional reservations as well as confirmed units.
type Sale struct {
	ID                 string
	Title              string
	Kind               string
	OriginalPrice      int64 // minor units
	FlashPrice         *int64
	DiscountPercentage float64
	Currency           string
	StartTime          time.Time
	EndTime            time.Time
	MaxQuantity        int
	SoldQuantity       int
	LimitPerUser       int
	LowStockPercent    int
	Enabled            bool
	SoldOutLatched     bool
	LowStockNotified   bool
	AnnouncedPhase     Phase
	PurchaseCount      int
	UniqueCustomers    int
	EligibilityRule    string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DerivePhase is the pure phase function. The sold-out latch wins over every
// time-based phase; depletion wins over expiry.
func DerivePhase(now, start, end time.Time, sold, capacity int, enabled, latched bool) Phase {
	if latched {
		return PhaseSoldOut
	}
	if now.Before(start) {
		return PhaseScheduled
	}
	if sold >= capacity {
		return PhaseSoldOut
	}
	if now.After(end) || !enabled {
		return PhaseEnded
	}
	if end.Sub(now) <= EndingSoonWindow {
		return PhaseEndingSoon
	}
	return PhaseActive
}

func (s *Sale) PhaseAt(now time.Time) Phase {
	return DerivePhase(now, s.StartTime, s.EndTime, s.SoldQuantity, s.MaxQuantity, s.Enabled, s.SoldOutLatched)
}

func (s *Sale) Remaining() int {
	if r := s.MaxQuantity - s.SoldQuantity; r > 0 {
		return r
	}
	return 0
}

// Purchasable reports whether quantity units can be claimed at now.
func (s *Sale) Purchasable(now time.Time, quantity int) bool {
	if !s.Enabled || quantity <= 0 {
		return false
	}
	switch s.PhaseAt(now) {
	case PhaseActive, PhaseEndingSoon:
		return s.MaxQuantity-s.SoldQuantity >= quantity
	default:
		return false
	}
}

// LowStockMark is the sold count at which remaining stock falls to the
// low-stock threshold. Zero disables low-stock alerts.
func (s *Sale) LowStockMark() int {
	if s.LowStockPercent <= 0 || s.LowStockPercent >= 100 {
		return 0
	}
	remainingAtAlert := s.MaxQuantity * s.LowStockPercent / 100
	return s.MaxQuantity - remainingAtAlert
}

func (s *Sale) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidSale)
	}
	if !s.EndTime.After(s.StartTime) {
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidSale)
	}
	if s.MaxQuantity <= 0 {
		return fmt.Errorf("%w: max quantity must be positive", ErrInvalidSale)
	}
	if s.SoldQuantity < 0 || s.SoldQuantity > s.MaxQuantity {
		return fmt.Errorf("%w: sold quantity %d outside [0, %d]", ErrInvalidSale, s.SoldQuantity, s.MaxQuantity)
	}
	if s.LimitPerUser <= 0 {
		return fmt.Errorf("%w: limit per user must be positive", ErrInvalidSale)
	}
	if s.DiscountPercentage < 0 || s.DiscountPercentage > 100 {
		return fmt.Errorf("%w: discount percentage must be within [0, 100]", ErrInvalidSale)
	}
	if s.LowStockPercent < 0 || s.LowStockPercent > 100 {
		return fmt.Errorf("%w: low stock percent must be within [0, 100]", ErrInvalidSale)
	}
	if s.OriginalPrice <= 0 && s.FlashPrice == nil {
		return fmt.Errorf("%w: a price is required", ErrInvalidSale)
	}
	return nil
}
