package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

// runRepositoryContract exercises behaviour every DatabaseRepository must share.
// IDs are random so the suite can run repeatedly against a persistent database.
func runRepositoryContract(t *testing.T, repo port.DatabaseRepository) {
	t.Run("ReserveNeverOversells", func(t *testing.T) { contractReserveNeverOversells(t, repo) })
	t.Run("ReleaseIsIdempotent", func(t *testing.T) { contractReleaseIsIdempotent(t, repo) })
	t.Run("ConfirmReacquires", func(t *testing.T) { contractConfirmReacquires(t, repo) })
	t.Run("SlotLimit", func(t *testing.T) { contractSlotLimit(t, repo) })
	t.Run("DuplicateVoucher", func(t *testing.T) { contractDuplicateVoucher(t, repo) })
	t.Run("StatusTransitions", func(t *testing.T) { contractStatusTransitions(t, repo) })
	t.Run("SaleFlags", func(t *testing.T) { contractSaleFlags(t, repo) })
	t.Run("UpdateSaleCapacityFloor", func(t *testing.T) { contractUpdateSale(t, repo) })
	t.Run("UnrecordedPaid", func(t *testing.T) { contractUnrecordedPaid(t, repo) })
}

func contractNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func seedContractSale(t *testing.T, repo port.DatabaseRepository, max, limit int) domain.Sale {
	t.Helper()
	now := contractNow()
	sale := domain.Sale{
		ID:             uuid.NewString(),
		Title:          "contract sale",
		OriginalPrice:  5000,
		Currency:       "usd",
		StartTime:      now.Add(-time.Minute),
		EndTime:        now.Add(time.Hour),
		MaxQuantity:    max,
		LimitPerUser:   limit,
		Enabled:        true,
		AnnouncedPhase: domain.PhaseScheduled,
	}
	if err := repo.CreateSale(context.Background(), sale); err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return sale
}

func reservation(saleID string, qty int) domain.Reservation {
	return domain.Reservation{
		ID:         uuid.NewString(),
		SaleID:     saleID,
		PurchaseID: uuid.NewString(),
		Quantity:   qty,
		Status:     domain.ReservationHeld,
		ExpiresAt:  contractNow().Add(10 * time.Minute),
	}
}

func pendingPurchase(saleID, userID string, qty int) domain.Purchase {
	now := contractNow()
	return domain.Purchase{
		ID:               uuid.NewString(),
		UserID:           userID,
		SaleID:           saleID,
		Quantity:         qty,
		UnitAmount:       5000,
		TotalAmount:      5000 * int64(qty),
		Currency:         "usd",
		Status:           domain.PaymentPending,
		VoucherCode:      "FS-" + uuid.NewString()[:12],
		VoucherExpiresAt: now.Add(72 * time.Hour),
		CreatedAt:        now,
	}
}

func mustSale(t *testing.T, repo port.DatabaseRepository, id string) *domain.Sale {
	t.Helper()
	s, err := repo.GetSale(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("get sale %s: %v", id, err)
	}
	return s
}

func contractReserveNeverOversells(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 5, 1)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ReserveStock(ctx, reservation(sale.ID, 1), contractNow())
			if err == nil {
				wins.Add(1)
				return
			}
			if !errors.Is(err, port.ErrSoldOut) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 5 {
		t.Errorf("expected 5 reservations, got %d", wins.Load())
	}
	if got := mustSale(t, repo, sale.ID).SoldQuantity; got != 5 {
		t.Errorf("expected sold 5, got %d", got)
	}
	held, confirmed, err := repo.ReservationTotals(ctx, sale.ID)
	if err != nil || held != 5 || confirmed != 0 {
		t.Errorf("expected 5 held, got held=%d confirmed=%d err=%v", held, confirmed, err)
	}
}

func contractReleaseIsIdempotent(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 5, 5)
	r := reservation(sale.ID, 3)
	if err := repo.ReserveStock(ctx, r, contractNow()); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	first, err := repo.ReleaseReservation(ctx, r.ID)
	if err != nil || !first {
		t.Fatalf("expected first release to apply, got %v %v", first, err)
	}
	second, err := repo.ReleaseReservation(ctx, r.ID)
	if err != nil || second {
		t.Fatalf("expected second release to be a no-op, got %v %v", second, err)
	}
	if got := mustSale(t, repo, sale.ID).SoldQuantity; got != 0 {
		t.Errorf("expected sold 0, got %d", got)
	}
}

func contractConfirmReacquires(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 2, 2)

	r := reservation(sale.ID, 1)
	if err := repo.ReserveStock(ctx, r, contractNow()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if out, err := repo.ConfirmReservation(ctx, r.ID); err != nil || out != domain.ConfirmApplied {
		t.Fatalf("expected applied, got %s %v", out, err)
	}
	if out, err := repo.ConfirmReservation(ctx, r.ID); err != nil || out != domain.ConfirmNoop {
		t.Fatalf("expected noop, got %s %v", out, err)
	}

	lapsed := reservation(sale.ID, 1)
	if err := repo.ReserveStock(ctx, lapsed, contractNow()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	repo.ReleaseReservation(ctx, lapsed.ID)
	if out, err := repo.ConfirmReservation(ctx, lapsed.ID); err != nil || out != domain.ConfirmReacquired {
		t.Fatalf("expected reacquired, got %s %v", out, err)
	}

	gone := reservation(sale.ID, 1)
	s := mustSale(t, repo, sale.ID)
	if s.SoldQuantity != 2 {
		t.Fatalf("expected sold 2, got %d", s.SoldQuantity)
	}
	if err := repo.ReserveStock(ctx, gone, contractNow()); !errors.Is(err, port.ErrSoldOut) {
		t.Errorf("expected ErrSoldOut when full, got %v", err)
	}

	if _, err := repo.ConfirmReservation(ctx, "missing-"+uuid.NewString()); !errors.Is(err, port.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func contractSlotLimit(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 10, 2)

	p1 := pendingPurchase(sale.ID, "slot-user", 2)
	if err := repo.CreatePurchase(ctx, p1, sale.LimitPerUser); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreatePurchase(ctx, pendingPurchase(sale.ID, "slot-user", 1), sale.LimitPerUser); !errors.Is(err, port.ErrSlotLimit) {
		t.Fatalf("expected ErrSlotLimit, got %v", err)
	}

	// A failed purchase hands its units back.
	if ok, err := repo.MarkFailed(ctx, p1.ID, "cancelled", contractNow()); err != nil || !ok {
		t.Fatalf("mark failed: %v %v", ok, err)
	}
	if err := repo.CreatePurchase(ctx, pendingPurchase(sale.ID, "slot-user", 2), sale.LimitPerUser); err != nil {
		t.Errorf("expected slot freed after failure, got %v", err)
	}

	units, err := repo.CountActiveUnits(ctx, "slot-user", sale.ID)
	if err != nil || units != 2 {
		t.Errorf("expected 2 active units, got %d %v", units, err)
	}
}

func contractDuplicateVoucher(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 10, 5)

	a := pendingPurchase(sale.ID, "voucher-user", 1)
	b := pendingPurchase(sale.ID, "voucher-user", 1)
	b.VoucherCode = a.VoucherCode

	if err := repo.CreatePurchase(ctx, a, sale.LimitPerUser); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreatePurchase(ctx, b, sale.LimitPerUser); !errors.Is(err, port.ErrDuplicateVoucher) {
		t.Fatalf("expected ErrDuplicateVoucher, got %v", err)
	}

	// The rejected insert must not keep its slot claim.
	if units, _ := repo.CountActiveUnits(ctx, "voucher-user", sale.ID); units != 1 {
		t.Errorf("expected 1 active unit, got %d", units)
	}
	got, err := repo.GetPurchaseByVoucher(ctx, a.VoucherCode)
	if err != nil || got == nil || got.ID != a.ID {
		t.Errorf("expected lookup by voucher to find %s, got %+v %v", a.ID, got, err)
	}
}

func contractStatusTransitions(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 10, 5)
	p := pendingPurchase(sale.ID, "status-user", 1)
	if err := repo.CreatePurchase(ctx, p, sale.LimitPerUser); err != nil {
		t.Fatalf("create: %v", err)
	}

	if ok, _ := repo.MarkRedeemed(ctx, p.ID, contractNow()); ok {
		t.Error("expected pending purchase not redeemable")
	}
	if ok, err := repo.MarkPaid(ctx, p.ID, "pi_1", contractNow()); err != nil || !ok {
		t.Fatalf("mark paid: %v %v", ok, err)
	}
	if ok, _ := repo.MarkPaid(ctx, p.ID, "pi_2", contractNow()); ok {
		t.Error("expected second MarkPaid to lose")
	}
	if ok, _ := repo.MarkFailed(ctx, p.ID, "late", contractNow()); ok {
		t.Error("expected paid purchase not to fail")
	}
	if ok, err := repo.MarkRedeemed(ctx, p.ID, contractNow()); err != nil || !ok {
		t.Fatalf("mark redeemed: %v %v", ok, err)
	}
	if ok, _ := repo.MarkRedeemed(ctx, p.ID, contractNow()); ok {
		t.Error("expected second redemption to lose")
	}

	got, err := repo.GetPurchase(ctx, p.ID)
	if err != nil || got == nil {
		t.Fatalf("get purchase: %v", err)
	}
	if got.Status != domain.PaymentPaid || got.PaymentReference != "pi_1" || !got.IsRedeemed || got.DecidedAt == nil {
		t.Errorf("unexpected purchase state: %+v", got)
	}
	if paid, _ := repo.PaidQuantity(ctx, sale.ID); paid != 1 {
		t.Errorf("expected paid quantity 1, got %d", paid)
	}

	if ok, err := repo.MarkRefunded(ctx, p.ID, "stock gone", contractNow()); err != nil || !ok {
		t.Fatalf("mark refunded: %v %v", ok, err)
	}
	if units, _ := repo.CountActiveUnits(ctx, "status-user", sale.ID); units != 0 {
		t.Errorf("expected refund to clear active units, got %d", units)
	}

	if missing, err := repo.GetPurchase(ctx, "missing-"+uuid.NewString()); err != nil || missing != nil {
		t.Errorf("expected nil, nil for a missing purchase, got %+v %v", missing, err)
	}
}

func contractSaleFlags(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 1, 1)

	if ok, _ := repo.LatchSoldOut(ctx, sale.ID); ok {
		t.Error("expected latch refused while stock remains")
	}
	r := reservation(sale.ID, 1)
	if err := repo.ReserveStock(ctx, r, contractNow()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok, _ := repo.LatchSoldOut(ctx, sale.ID); ok {
		t.Error("expected latch refused while a reservation is held")
	}
	if _, err := repo.ConfirmReservation(ctx, r.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if ok, _ := repo.LatchSoldOut(ctx, sale.ID); !ok {
		t.Error("expected first latch to win")
	}
	if ok, _ := repo.LatchSoldOut(ctx, sale.ID); ok {
		t.Error("expected second latch to lose")
	}

	if ok, _ := repo.MarkLowStockNotified(ctx, sale.ID); !ok {
		t.Error("expected first low-stock mark to win")
	}
	if ok, _ := repo.MarkLowStockNotified(ctx, sale.ID); ok {
		t.Error("expected second low-stock mark to lose")
	}

	if ok, _ := repo.AnnouncePhase(ctx, sale.ID, domain.PhaseScheduled, domain.PhaseActive); !ok {
		t.Error("expected announce from scheduled to win")
	}
	if ok, _ := repo.AnnouncePhase(ctx, sale.ID, domain.PhaseScheduled, domain.PhaseActive); ok {
		t.Error("expected stale announce to lose")
	}

	if err := repo.RecordBuyer(ctx, sale.ID, "buyer-1", "purchase-a-"+sale.ID); err != nil {
		t.Fatalf("record buyer: %v", err)
	}
	repo.RecordBuyer(ctx, sale.ID, "buyer-1", "purchase-b-"+sale.ID)
	repo.RecordBuyer(ctx, sale.ID, "buyer-2", "purchase-c-"+sale.ID)
	// Replays of the same purchase count once.
	repo.RecordBuyer(ctx, sale.ID, "buyer-2", "purchase-c-"+sale.ID)

	s := mustSale(t, repo, sale.ID)
	if !s.SoldOutLatched || !s.LowStockNotified || s.AnnouncedPhase != domain.PhaseActive {
		t.Errorf("unexpected flags: %+v", s)
	}
	if s.PurchaseCount != 3 || s.UniqueCustomers != 2 {
		t.Errorf("expected 3 purchases by 2 customers, got %d / %d", s.PurchaseCount, s.UniqueCustomers)
	}

	if err := repo.ClearSoldOut(ctx, sale.ID); err != nil {
		t.Fatalf("clear sold out: %v", err)
	}
	if err := repo.SetSaleEnabled(ctx, sale.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	s = mustSale(t, repo, sale.ID)
	if s.SoldOutLatched || s.Enabled {
		t.Errorf("expected latch cleared and sale disabled, got %+v", s)
	}
}

func contractUpdateSale(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 10, 10)
	if err := repo.ReserveStock(ctx, reservation(sale.ID, 4), contractNow()); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	lower := sale
	lower.MaxQuantity = 3
	if err := repo.UpdateSale(ctx, lower); !errors.Is(err, port.ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock below sold, got %v", err)
	}

	raise := sale
	raise.MaxQuantity = 20
	raise.Title = "renamed"
	if err := repo.UpdateSale(ctx, raise); err != nil {
		t.Fatalf("update: %v", err)
	}
	s := mustSale(t, repo, sale.ID)
	if s.MaxQuantity != 20 || s.Title != "renamed" || s.SoldQuantity != 4 {
		t.Errorf("unexpected sale after update: %+v", s)
	}

	ghost := sale
	ghost.ID = "missing-" + uuid.NewString()
	if err := repo.UpdateSale(ctx, ghost); !errors.Is(err, port.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func contractUnrecordedPaid(t *testing.T, repo port.DatabaseRepository) {
	ctx := context.Background()
	sale := seedContractSale(t, repo, 5, 5)

	r := reservation(sale.ID, 1)
	p := pendingPurchase(sale.ID, "aggregate-user", 1)
	p.ReservationID = r.ID
	r.PurchaseID = p.ID
	if err := repo.ReserveStock(ctx, r, contractNow()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := repo.CreatePurchase(ctx, p, sale.LimitPerUser); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.MarkPaid(ctx, p.ID, "pi_agg", contractNow()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	listed := func() bool {
		t.Helper()
		out, err := repo.ListUnrecordedPaid(ctx, 1000)
		if err != nil {
			t.Fatalf("list unrecorded: %v", err)
		}
		for _, got := range out {
			if got.ID == p.ID {
				return true
			}
		}
		return false
	}

	if listed() {
		t.Error("expected a paid purchase with a held reservation to be skipped")
	}
	if _, err := repo.ConfirmReservation(ctx, r.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !listed() {
		t.Error("expected confirmed purchase to be listed before it is recorded")
	}
	if err := repo.RecordBuyer(ctx, sale.ID, p.UserID, p.ID); err != nil {
		t.Fatalf("record buyer: %v", err)
	}
	if listed() {
		t.Error("expected recorded purchase to drop out of the list")
	}
	if s := mustSale(t, repo, sale.ID); s.PurchaseCount != 1 || s.UniqueCustomers != 1 {
		t.Errorf("expected aggregates 1/1, got %d / %d", s.PurchaseCount, s.UniqueCustomers)
	}
}
