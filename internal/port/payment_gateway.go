package port

import "context"

type LineItem struct {
	Name       string `json:"name"`
	UnitAmount int64  `json:"unit_amount"`
	Quantity   int    `json:"quantity"`
}

type CheckoutSessionRequest struct {
	Amount         int64
	Currency       string
	LineItems      []LineItem
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

// SessionStatus is the gateway's authoritative view of a checkout session.
// Open means the buyer can still complete payment.
type SessionStatus struct {
	Paid             bool
	Open             bool
	PaymentReference string
}

type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)

	// GetSessionStatus must be safe to call repeatedly
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)

	RefundSession(ctx context.Context, sessionID, reason string) error
}
