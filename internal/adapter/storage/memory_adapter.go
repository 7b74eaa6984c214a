package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

// MemoryStore is a single-process DatabaseRepository. One mutex serializes
// every mutation, which gives the same atomicity the MySQL adapter gets from
// its conditional updates.
type MemoryStore struct {
	mu           sync.Mutex
	sales        map[string]*domain.Sale
	purchases    map[string]*domain.Purchase
	vouchers     map[string]string
	reservations map[string]*domain.Reservation
	slots        map[string]int
	customers    map[string]struct{}
	recorded     map[string]struct{}
}

var _ port.DatabaseRepository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sales:        make(map[string]*domain.Sale),
		purchases:    make(map[string]*domain.Purchase),
		vouchers:     make(map[string]string),
		reservations: make(map[string]*domain.Reservation),
		slots:        make(map[string]int),
		customers:    make(map[string]struct{}),
		recorded:     make(map[string]struct{}),
	}
}

func pairKey(saleID, userID string) string {
	return saleID + "\x00" + userID
}

func (m *MemoryStore) CreateSale(_ context.Context, sale domain.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sales[sale.ID]; ok {
		return port.ErrOptimisticLock
	}
	now := time.Now()
	sale.CreatedAt, sale.UpdatedAt = now, now
	m.sales[sale.ID] = &sale
	return nil
}

func (m *MemoryStore) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[saleID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSale(_ context.Context, sale domain.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sales[sale.ID]
	if !ok {
		return port.ErrNotFound
	}
	if sale.MaxQuantity < cur.SoldQuantity {
		return port.ErrOptimisticLock
	}

	cur.Title = sale.Title
	cur.Kind = sale.Kind
	cur.OriginalPrice = sale.OriginalPrice
	cur.FlashPrice = sale.FlashPrice
	cur.DiscountPercentage = sale.DiscountPercentage
	cur.Currency = sale.Currency
	cur.StartTime = sale.StartTime
	cur.EndTime = sale.EndTime
	cur.MaxQuantity = sale.MaxQuantity
	cur.LimitPerUser = sale.LimitPerUser
	cur.LowStockPercent = sale.LowStockPercent
	cur.EligibilityRule = sale.EligibilityRule
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetSaleEnabled(_ context.Context, saleID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[saleID]
	if !ok {
		return port.ErrNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClearSoldOut(_ context.Context, saleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[saleID]
	if !ok {
		return port.ErrNotFound
	}
	s.SoldOutLatched = false
	s.Enabled = true
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListAnnounceable(_ context.Context) ([]domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Sale, 0, len(m.sales))
	for _, s := range m.sales {
		if s.AnnouncedPhase != domain.PhaseEnded {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) AnnouncePhase(_ context.Context, saleID string, from, to domain.Phase) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[saleID]
	if !ok || s.AnnouncedPhase != from {
		return false, nil
	}
	s.AnnouncedPhase = to
	return true, nil
}

func (m *MemoryStore) LatchSoldOut(_ context.Context, saleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[saleID]
	if !ok || s.SoldOutLatched || s.SoldQuantity < s.MaxQuantity {
		return false, nil
	}
	for _, r := range m.reservations {
		if r.SaleID == saleID && r.Status == domain.ReservationHeld {
			return false, nil
		}
	}
	s.SoldOutLatched = true
	return true, nil
}

func (m *MemoryStore) MarkLowStockNotified(_ context.Context, saleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[saleID]
	if !ok || s.LowStockNotified {
		return false, nil
	}
	s.LowStockNotified = true
	return true, nil
}

func (m *MemoryStore) RecordBuyer(_ context.Context, saleID, userID, purchaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[saleID]
	if !ok {
		return port.ErrNotFound
	}
	if _, done := m.recorded[purchaseID]; done {
		return nil
	}
	m.recorded[purchaseID] = struct{}{}
	s.PurchaseCount++
	if _, seen := m.customers[pairKey(saleID, userID)]; !seen {
		m.customers[pairKey(saleID, userID)] = struct{}{}
		s.UniqueCustomers++
	}
	return nil
}

func (m *MemoryStore) ReserveStock(_ context.Context, r domain.Reservation, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[r.SaleID]
	if !ok {
		return port.ErrNotFound
	}
	if s.SoldOutLatched || !s.Purchasable(now, r.Quantity) {
		return port.ErrSoldOut
	}

	s.SoldQuantity += r.Quantity
	r.Status = domain.ReservationHeld
	r.CreatedAt, r.UpdatedAt = now, now
	m.reservations[r.ID] = &r
	return nil
}

func (m *MemoryStore) ReleaseReservation(_ context.Context, reservationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok || r.Status != domain.ReservationHeld {
		return false, nil
	}
	r.Status = domain.ReservationReleased
	r.UpdatedAt = time.Now()
	if s, ok := m.sales[r.SaleID]; ok {
		s.SoldQuantity -= r.Quantity
		if s.SoldQuantity < 0 {
			s.SoldQuantity = 0
		}
	}
	return true, nil
}

func (m *MemoryStore) ConfirmReservation(_ context.Context, reservationID string) (domain.ConfirmOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return "", port.ErrNotFound
	}

	switch r.Status {
	case domain.ReservationConfirmed:
		return domain.ConfirmNoop, nil
	case domain.ReservationHeld:
		r.Status = domain.ReservationConfirmed
		r.UpdatedAt = time.Now()
		return domain.ConfirmApplied, nil
	}

	s, ok := m.sales[r.SaleID]
	if !ok {
		return "", port.ErrNotFound
	}
	if s.SoldOutLatched || s.SoldQuantity+r.Quantity > s.MaxQuantity {
		return "", port.ErrSoldOut
	}
	s.SoldQuantity += r.Quantity
	r.Status = domain.ReservationConfirmed
	r.UpdatedAt = time.Now()
	return domain.ConfirmReacquired, nil
}

func (m *MemoryStore) ListExpiredHeld(_ context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Reservation
	for _, r := range m.reservations {
		if r.Status == domain.ReservationHeld && r.ExpiresAt.Before(before) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ReservationTotals(_ context.Context, saleID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var held, confirmed int
	for _, r := range m.reservations {
		if r.SaleID != saleID {
			continue
		}
		switch r.Status {
		case domain.ReservationHeld:
			held += r.Quantity
		case domain.ReservationConfirmed:
			confirmed += r.Quantity
		}
	}
	return held, confirmed, nil
}

func (m *MemoryStore) CreatePurchase(_ context.Context, p domain.Purchase, limitPerUser int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.vouchers[p.VoucherCode]; taken {
		return port.ErrDuplicateVoucher
	}
	if _, exists := m.purchases[p.ID]; exists {
		return port.ErrOptimisticLock
	}
	key := pairKey(p.SaleID, p.UserID)
	if m.slots[key]+p.Quantity > limitPerUser {
		return port.ErrSlotLimit
	}

	m.slots[key] += p.Quantity
	m.vouchers[p.VoucherCode] = p.ID
	m.purchases[p.ID] = &p
	return nil
}

func (m *MemoryStore) GetPurchase(_ context.Context, purchaseID string) (*domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[purchaseID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPurchaseByVoucher(_ context.Context, code string) (*domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.vouchers[code]
	if !ok {
		return nil, nil
	}
	cp := *m.purchases[id]
	return &cp, nil
}

func (m *MemoryStore) CountActiveUnits(_ context.Context, userID, saleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	units := 0
	for _, p := range m.purchases {
		if p.UserID == userID && p.SaleID == saleID && p.Status.Active() {
			units += p.Quantity
		}
	}
	return units, nil
}

func (m *MemoryStore) AttachSession(_ context.Context, purchaseID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[purchaseID]
	if !ok {
		return port.ErrNotFound
	}
	p.SessionID = sessionID
	return nil
}

func (m *MemoryStore) transition(purchaseID string, from, to domain.PaymentStatus, at time.Time, apply func(*domain.Purchase)) bool {
	p, ok := m.purchases[purchaseID]
	if !ok || p.Status != from {
		return false
	}
	p.Status = to
	p.DecidedAt = &at
	if apply != nil {
		apply(p)
	}
	return true
}

func (m *MemoryStore) MarkPaid(_ context.Context, purchaseID, paymentRef string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(purchaseID, domain.PaymentPending, domain.PaymentPaid, at, func(p *domain.Purchase) {
		p.PaymentReference = paymentRef
	}), nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, purchaseID, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(purchaseID, domain.PaymentPending, domain.PaymentFailed, at, func(p *domain.Purchase) {
		p.FailureReason = reason
		m.slots[pairKey(p.SaleID, p.UserID)] -= p.Quantity
	}), nil
}

func (m *MemoryStore) MarkRefunded(_ context.Context, purchaseID, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(purchaseID, domain.PaymentPaid, domain.PaymentRefunded, at, func(p *domain.Purchase) {
		p.FailureReason = reason
		m.slots[pairKey(p.SaleID, p.UserID)] -= p.Quantity
	}), nil
}

func (m *MemoryStore) MarkRedeemed(_ context.Context, purchaseID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[purchaseID]
	if !ok || p.Status != domain.PaymentPaid || p.IsRedeemed {
		return false, nil
	}
	p.IsRedeemed = true
	p.RedeemedAt = &at
	return true, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, offset, limit int) ([]domain.Purchase, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []domain.Purchase
	for _, p := range m.purchases {
		if p.UserID == userID {
			all = append(all, *p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return []domain.Purchase{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Purchase
	for _, p := range m.purchases {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(before) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnrecordedPaid(_ context.Context, limit int) ([]domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Purchase
	for _, p := range m.purchases {
		if p.Status != domain.PaymentPaid {
			continue
		}
		if _, done := m.recorded[p.ID]; done {
			continue
		}
		if r, ok := m.reservations[p.ReservationID]; !ok || r.Status != domain.ReservationConfirmed {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PaidQuantity(_ context.Context, saleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	units := 0
	for _, p := range m.purchases {
		if p.SaleID == saleID && p.Status == domain.PaymentPaid {
			units += p.Quantity
		}
	}
	return units, nil
}
