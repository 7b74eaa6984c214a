package handler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/flash-sale-engine/internal/adapter/gateway"
	"github.com/rl1809/flash-sale-engine/internal/adapter/storage"
	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/core/service"
)

const testSecret = "test-secret-test-secret-test-secret"

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, domain.Event) {}

type fixture struct {
	store      *storage.MemoryStore
	cache      *storage.MemoryCache
	gateway    *gateway.FakeGateway
	verifier   *Verifier
	checkout   *service.CheckoutService
	settlement *service.SettlementService
	sales      *service.SaleService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := zerolog.Nop()
	clock := service.SystemClock()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		cache:    storage.NewMemoryCache(),
		gateway:  gateway.NewFakeGateway("https://pay.test", false),
		verifier: NewVerifier(testSecret),
	}

	rules, err := service.NewEligibility()
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	policy := func(string) time.Duration { return 72 * time.Hour }

	ledger := service.NewLedger(f.store, f.cache, log)
	purchases := service.NewPurchaseStore(f.store, clock, policy, log)
	f.checkout = service.NewCheckoutService(f.store, ledger, purchases, f.gateway, f.cache, rules, clock, service.CheckoutConfig{
		ReservationTTL:  10 * time.Minute,
		IdempotencyTTL:  time.Hour,
		GatewayAttempts: 1,
		GatewayBackoff:  time.Millisecond,
		SuccessURL:      "https://shop.test/ok",
		CancelURL:       "https://shop.test/cancel",
	}, log)
	f.settlement = service.NewSettlementService(f.store, ledger, purchases, f.gateway, discardPublisher{}, clock, log)
	f.sales = service.NewSaleService(f.store, f.store, ledger, rules, clock, log)
	return f
}

func (f *fixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := f.verifier.Issue(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *fixture) seedSale(t *testing.T, maxQty, perUser int) domain.Sale {
	t.Helper()
	now := time.Now().UTC()
	sale, err := f.sales.CreateSale(context.Background(), domain.Sale{
		Title:         "Handler drop",
		Kind:          "flash",
		OriginalPrice: 2500,
		Currency:      "USD",
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(time.Hour),
		MaxQuantity:   maxQty,
		LimitPerUser:  perUser,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return sale
}
