package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rl1809/flash-sale-engine/internal/port"
)

type fakeSession struct {
	status   port.SessionStatus
	refunded bool
}

// FakeGateway is an in-process PaymentGateway for local runs and load tests.
// With autoConfirm every new session reports paid immediately.
type FakeGateway struct {
	mu          sync.Mutex
	baseURL     string
	autoConfirm bool
	sessions    map[string]*fakeSession
	byKey       map[string]string
}

var _ port.PaymentGateway = (*FakeGateway)(nil)

func NewFakeGateway(baseURL string, autoConfirm bool) *FakeGateway {
	return &FakeGateway{
		baseURL:     baseURL,
		autoConfirm: autoConfirm,
		sessions:    make(map[string]*fakeSession),
		byKey:       make(map[string]string),
	}
}

func (g *FakeGateway) CreateCheckoutSession(_ context.Context, req port.CheckoutSessionRequest) (*port.CheckoutSession, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &port.CheckoutSession{SessionID: id, RedirectURL: g.baseURL + "/pay/" + id}, nil
	}

	id := "cs_" + uuid.NewString()
	s := &fakeSession{status: port.SessionStatus{Open: true}}
	if g.autoConfirm {
		s.status = port.SessionStatus{Paid: true, PaymentReference: "pi_" + id}
	}
	g.sessions[id] = s
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = id
	}
	return &port.CheckoutSession{SessionID: id, RedirectURL: g.baseURL + "/pay/" + id}, nil
}

func (g *FakeGateway) GetSessionStatus(_ context.Context, sessionID string) (*port.SessionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	st := s.status
	return &st, nil
}

// RefundSession is idempotent; refunding an unpaid session is an error.
func (g *FakeGateway) RefundSession(_ context.Context, sessionID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if !s.status.Paid {
		return fmt.Errorf("session %s is not paid", sessionID)
	}
	s.refunded = true
	return nil
}

// Pay simulates the buyer completing checkout.
func (g *FakeGateway) Pay(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok || !s.status.Open {
		return false
	}
	s.status = port.SessionStatus{Paid: true, PaymentReference: "pi_" + sessionID}
	return true
}

// Expire simulates the session timing out unpaid.
func (g *FakeGateway) Expire(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok || !s.status.Open {
		return false
	}
	s.status = port.SessionStatus{}
	return true
}

func (g *FakeGateway) Refunded(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	return ok && s.refunded
}
