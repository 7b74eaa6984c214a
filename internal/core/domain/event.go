package domain

import "time"

type EventType string

const (
	EventSaleStarted EventType = "sale_started"
	EventEndingSoon  EventType = "ending_soon"
	EventLowStock    EventType = "low_stock"
	EventSoldOut     EventType = "sold_out"
	EventBatchEnded  EventType = "batch_ended"
)

// Event is a domain notification about a sale's stock or lifecycle.
type Event struct {
	Type       EventType      `json:"type"`
	SaleID     string         `json:"sale_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// PhaseEvent maps a newly announced phase to its notification type.
func PhaseEvent(p Phase) (EventType, bool) {
	switch p {
	case PhaseActive:
		return EventSaleStarted, true
	case PhaseEndingSoon:
		return EventEndingSoon, true
	case PhaseSoldOut:
		return EventSoldOut, true
	case PhaseEnded:
		return EventBatchEnded, true
	default:
		return "", false
	}
}
