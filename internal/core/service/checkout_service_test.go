package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
)

func TestInitiatePurchase_Success(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, func(s *domain.Sale) { s.DiscountPercentage = 25 })

	res := h.initiate(t, "user-1", sale.ID, 2)

	if res.Amount != 15000 {
		t.Errorf("expected amount 15000, got %d", res.Amount)
	}
	if res.Currency != "usd" {
		t.Errorf("expected currency usd, got %s", res.Currency)
	}
	if res.SessionID == "" || res.RedirectURL == "" {
		t.Errorf("expected session handle, got %+v", res)
	}
	if !res.HoldExpires.Equal(h.clock.Now().Add(testTTL)) {
		t.Errorf("expected hold to expire after ttl, got %v", res.HoldExpires)
	}

	p := h.purchase(t, res.PurchaseID)
	if p.Status != domain.PaymentPending {
		t.Errorf("expected pending purchase, got %s", p.Status)
	}
	if p.SessionID != res.SessionID {
		t.Errorf("expected session %s attached, got %s", res.SessionID, p.SessionID)
	}
	if p.VoucherCode == "" {
		t.Error("expected voucher code assigned at creation")
	}

	if got := h.sale(t, sale.ID).SoldQuantity; got != 2 {
		t.Errorf("expected 2 units reserved, got %d", got)
	}
	if got, _ := h.cache.Stock(sale.ID); got != 8 {
		t.Errorf("expected mirror at 8, got %d", got)
	}
}

func TestInitiatePurchase_Validation(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, nil)

	cases := []CheckoutRequest{
		{UserID: "", SaleID: sale.ID, Quantity: 1},
		{UserID: "u", SaleID: "", Quantity: 1},
		{UserID: "u", SaleID: sale.ID, Quantity: 0},
	}
	for _, req := range cases {
		if _, err := h.checkout.InitiatePurchase(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}

	_, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: "u", SaleID: "missing", Quantity: 1})
	if !errors.Is(err, ErrSaleNotFound) {
		t.Errorf("expected ErrSaleNotFound, got %v", err)
	}
}

func TestInitiatePurchase_NotPurchasable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	scheduled := h.seedSale(t, func(s *domain.Sale) {
		s.StartTime = h.clock.Now().Add(time.Hour)
		s.EndTime = h.clock.Now().Add(2 * time.Hour)
	})
	_, err := h.checkout.InitiatePurchase(ctx, CheckoutRequest{UserID: "u", SaleID: scheduled.ID, Quantity: 1})
	if !errors.Is(err, ErrSaleNotPurchasable) {
		t.Errorf("expected ErrSaleNotPurchasable before start, got %v", err)
	}

	disabled := h.seedSale(t, nil)
	if err := h.sales.DisableSale(ctx, disabled.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err = h.checkout.InitiatePurchase(ctx, CheckoutRequest{UserID: "u", SaleID: disabled.ID, Quantity: 1})
	if !errors.Is(err, ErrSaleNotPurchasable) {
		t.Errorf("expected ErrSaleNotPurchasable when disabled, got %v", err)
	}

	small := h.seedSale(t, func(s *domain.Sale) { s.MaxQuantity = 1; s.LimitPerUser = 5 })
	_, err = h.checkout.InitiatePurchase(ctx, CheckoutRequest{UserID: "u", SaleID: small.ID, Quantity: 2})
	if !errors.Is(err, ErrStockUnavailable) {
		t.Errorf("expected ErrStockUnavailable above remaining, got %v", err)
	}
}

func TestInitiatePurchase_InvalidPricing(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, func(s *domain.Sale) { s.DiscountPercentage = 100 })

	_, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: "u", SaleID: sale.ID, Quantity: 1})
	if !errors.Is(err, ErrInvalidPricing) {
		t.Errorf("expected ErrInvalidPricing, got %v", err)
	}
	if got := h.sale(t, sale.ID).SoldQuantity; got != 0 {
		t.Errorf("expected no reservation, got %d sold", got)
	}
}

func TestInitiatePurchase_UserLimit(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, func(s *domain.Sale) { s.LimitPerUser = 1 })

	h.initiate(t, "user-1", sale.ID, 1)

	_, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: "user-1", SaleID: sale.ID, Quantity: 1})
	if !errors.Is(err, ErrUserLimitExceeded) {
		t.Errorf("expected ErrUserLimitExceeded, got %v", err)
	}
	if got := h.sale(t, sale.ID).SoldQuantity; got != 1 {
		t.Errorf("expected 1 unit reserved, got %d", got)
	}

	// Other users are unaffected.
	h.initiate(t, "user-2", sale.ID, 1)
}

func TestInitiatePurchase_UserLimitConcurrent(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, func(s *domain.Sale) { s.MaxQuantity = 100; s.LimitPerUser = 2 })

	var successCount atomic.Int32
	var limitCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: "greedy", SaleID: sale.ID, Quantity: 1})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, ErrUserLimitExceeded):
				limitCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != 2 {
		t.Errorf("expected 2 successes, got %d", successCount.Load())
	}
	if limitCount.Load() != 18 {
		t.Errorf("expected 18 limit rejections, got %d", limitCount.Load())
	}
	if got := h.sale(t, sale.ID).SoldQuantity; got != 2 {
		t.Errorf("expected losing reservations released, got %d sold", got)
	}
}

func TestInitiatePurchase_LastUnitRace(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, func(s *domain.Sale) { s.MaxQuantity = 1 })

	var successCount atomic.Int32
	var stockCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{
				UserID:   fmt.Sprintf("user-%d", id),
				SaleID:   sale.ID,
				Quantity: 1,
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, ErrStockUnavailable):
				stockCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successCount.Load() != 1 || stockCount.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d successes and %d rejections", successCount.Load(), stockCount.Load())
	}
	if got := h.sale(t, sale.ID).SoldQuantity; got != 1 {
		t.Errorf("expected sold 1, got %d", got)
	}
}

func TestInitiatePurchase_NoOversellUnderLoad(t *testing.T) {
	h := newHarness(t)
	const capacity = 25
	sale := h.seedSale(t, func(s *domain.Sale) { s.MaxQuantity = capacity; s.LimitPerUser = 3 })

	var successUnits atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			qty := id%3 + 1
			_, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{
				UserID:   fmt.Sprintf("user-%d", id),
				SaleID:   sale.ID,
				Quantity: qty,
			})
			if err == nil {
				successUnits.Add(int32(qty))
			}
		}(i)
	}
	wg.Wait()

	got := h.sale(t, sale.ID).SoldQuantity
	if got > capacity {
		t.Fatalf("oversold: %d > %d", got, capacity)
	}
	if int(successUnits.Load()) != got {
		t.Errorf("expected sold %d to equal reserved units %d", got, successUnits.Load())
	}
}

func TestInitiatePurchase_GatewayFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, nil)
	h.gateway.createErr = errGatewayDown

	_, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: "user-1", SaleID: sale.ID, Quantity: 2})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}

	if h.gateway.creates != 3 {
		t.Errorf("expected 3 gateway attempts, got %d", h.gateway.creates)
	}
	if got := h.sale(t, sale.ID).SoldQuantity; got != 0 {
		t.Errorf("expected reservation released, got %d sold", got)
	}
	if got, _ := h.cache.Stock(sale.ID); got != 10 {
		t.Errorf("expected mirror restored to 10, got %d", got)
	}
	active, _ := h.store.CountActiveUnits(context.Background(), "user-1", sale.ID)
	if active != 0 {
		t.Errorf("expected failed purchase not to count against limit, got %d", active)
	}

	// The user's slots were returned, so a retry can succeed.
	h.gateway.createErr = nil
	h.initiate(t, "user-1", sale.ID, 2)
}

func TestInitiatePurchase_GatewayRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, nil)
	h.gateway.createFailures = 2

	h.initiate(t, "user-1", sale.ID, 1)

	if h.gateway.creates != 3 {
		t.Errorf("expected success on third attempt, got %d attempts", h.gateway.creates)
	}
}

func TestInitiatePurchase_IdempotencyKey(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, nil)
	req := CheckoutRequest{UserID: "user-1", SaleID: sale.ID, Quantity: 1, Metadata: ClientMetadata{IdempotencyKey: "k-1"}}

	if _, err := h.checkout.InitiatePurchase(context.Background(), req); err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	_, err := h.checkout.InitiatePurchase(context.Background(), req)
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}
	if got := h.sale(t, sale.ID).SoldQuantity; got != 1 {
		t.Errorf("expected stock reserved once, got %d", got)
	}
}

func TestInitiatePurchase_IdempotencyKeyFreedAfterRollback(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, nil)
	req := CheckoutRequest{UserID: "user-1", SaleID: sale.ID, Quantity: 1, Metadata: ClientMetadata{IdempotencyKey: "k-2"}}

	h.gateway.createErr = errGatewayDown
	if _, err := h.checkout.InitiatePurchase(context.Background(), req); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}

	h.gateway.createErr = nil
	res, err := h.checkout.InitiatePurchase(context.Background(), req)
	if err != nil {
		t.Fatalf("expected the same key to work after a rolled-back checkout, got %v", err)
	}
	if res.PurchaseID == "" {
		t.Error("expected a purchase id")
	}
	if _, err := h.checkout.InitiatePurchase(context.Background(), req); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected the successful checkout to keep its key, got %v", err)
	}
}

func TestInitiatePurchase_Eligibility(t *testing.T) {
	h := newHarness(t)
	sale := h.seedSale(t, func(s *domain.Sale) {
		s.EligibilityRule = `"tier" in metadata && metadata["tier"] == "gold" && quantity <= 1`
	})

	_, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: "u1", SaleID: sale.ID, Quantity: 1})
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible without tier, got %v", err)
	}

	gold := ClientMetadata{Attributes: map[string]string{"tier": "gold"}}
	_, err = h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: "u1", SaleID: sale.ID, Quantity: 2, Metadata: gold})
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible for quantity 2, got %v", err)
	}

	if _, err := h.checkout.InitiatePurchase(context.Background(), CheckoutRequest{UserID: "u1", SaleID: sale.ID, Quantity: 1, Metadata: gold}); err != nil {
		t.Errorf("expected gold member to pass, got %v", err)
	}
}
