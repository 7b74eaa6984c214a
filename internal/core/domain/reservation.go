package domain

import "time"

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a provisional claim on sale capacity taken at checkout.
type Reservation struct {
	ID         string
	SaleID     string
	PurchaseID string
	Quantity   int
	Status     ReservationStatus
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConfirmOutcome describes what a confirm call did to a reservation.
type ConfirmOutcome string

const (
	ConfirmApplied    ConfirmOutcome = "applied"
	ConfirmNoop       ConfirmOutcome = "already_confirmed"
	ConfirmReacquired ConfirmOutcome = "reacquired"
)
