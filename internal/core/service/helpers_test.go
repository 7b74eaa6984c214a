package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/flash-sale-engine/internal/adapter/storage"
	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

var errGatewayDown = errors.New("gateway down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Mock PaymentGateway
type mockGateway struct {
	mu             sync.Mutex
	seq            int
	sessions       map[string]port.SessionStatus
	createFailures int
	createErr      error
	statusErr      error
	refundErr      error
	creates        int
	statusCalls    int
	refunds        []string
}

func newMockGateway() *mockGateway {
	return &mockGateway{sessions: make(map[string]port.SessionStatus)}
}

func (g *mockGateway) CreateCheckoutSession(ctx context.Context, req port.CheckoutSessionRequest) (*port.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.creates++
	if g.createFailures > 0 {
		g.createFailures--
		return nil, errGatewayDown
	}
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	id := fmt.Sprintf("cs_test_%d", g.seq)
	g.sessions[id] = port.SessionStatus{Open: true}
	return &port.CheckoutSession{SessionID: id, RedirectURL: "https://pay.example/" + id}, nil
}

func (g *mockGateway) GetSessionStatus(ctx context.Context, sessionID string) (*port.SessionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.statusCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	st, ok := g.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("no such session %s", sessionID)
	}
	return &st, nil
}

func (g *mockGateway) RefundSession(ctx context.Context, sessionID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunds = append(g.refunds, sessionID)
	return nil
}

func (g *mockGateway) pay(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = port.SessionStatus{Paid: true, PaymentReference: "pi_" + sessionID}
}

func (g *mockGateway) expire(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = port.SessionStatus{}
}

func (g *mockGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) count(t domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

const testTTL = 10 * time.Minute

type harness struct {
	store      *storage.MemoryStore
	cache      *storage.MemoryCache
	gateway    *mockGateway
	events     *recordingPublisher
	clock      *fakeClock
	ledger     *Ledger
	purchases  *PurchaseStore
	checkout   *CheckoutService
	settlement *SettlementService
	sales      *SaleService
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := zerolog.Nop()
	h := &harness{
		store:   storage.NewMemoryStore(),
		cache:   storage.NewMemoryCache(),
		gateway: newMockGateway(),
		events:  &recordingPublisher{},
		clock:   newFakeClock(),
	}

	rules, err := NewEligibility()
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	policy := func(kind string) time.Duration {
		if kind == "clearance" {
			return 30 * 24 * time.Hour
		}
		return 72 * time.Hour
	}

	h.ledger = NewLedger(h.store, h.cache, log)
	h.purchases = NewPurchaseStore(h.store, h.clock, policy, log)
	h.checkout = NewCheckoutService(h.store, h.ledger, h.purchases, h.gateway, h.cache, rules, h.clock, CheckoutConfig{
		ReservationTTL:  testTTL,
		IdempotencyTTL:  time.Hour,
		GatewayAttempts: 3,
		GatewayBackoff:  time.Millisecond,
		SuccessURL:      "https://shop.example/ok",
		CancelURL:       "https://shop.example/cancel",
	}, log)
	h.settlement = NewSettlementService(h.store, h.ledger, h.purchases, h.gateway, h.events, h.clock, log)
	h.sales = NewSaleService(h.store, h.store, h.ledger, rules, h.clock, log)
	h.reconciler = NewReconciler(h.store, h.ledger, h.settlement, h.events, h.clock, ReconcilerConfig{
		Interval:       time.Second,
		ReservationTTL: testTTL,
		BatchSize:      50,
		Workers:        4,
	}, log)
	return h
}

// seedSale creates an active sale: started a minute ago, one hour left.
func (h *harness) seedSale(t *testing.T, mutate func(*domain.Sale)) domain.Sale {
	t.Helper()

	now := h.clock.Now()
	s := domain.Sale{
		Title:         "Flash drop",
		Kind:          "flash",
		OriginalPrice: 10000,
		Currency:      "USD",
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(time.Hour),
		MaxQuantity:   10,
		LimitPerUser:  2,
	}
	if mutate != nil {
		mutate(&s)
	}
	created, err := h.sales.CreateSale(context.Background(), s)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return created
}

func (h *harness) sale(t *testing.T, id string) domain.Sale {
	t.Helper()
	s, err := h.store.GetSale(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("load sale %s: %v", id, err)
	}
	return *s
}

func (h *harness) purchase(t *testing.T, id string) domain.Purchase {
	t.Helper()
	p, err := h.store.GetPurchase(context.Background(), id)
	if err != nil || p == nil {
		t.Fatalf("load purchase %s: %v", id, err)
	}
	return *p
}

func (h *harness) initiate(t *testing.T, userID, saleID string, qty int) CheckoutResult {
	t.Helper()
	res, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: userID, SaleID: saleID, Quantity: qty})
	if err != nil {
		t.Fatalf("initiate purchase for %s: %v", userID, err)
	}
	return res
}
