package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SaleView is a sale plus the values derived from it at read time.
type SaleView struct {
	domain.Sale
	Phase     domain.Phase
	Remaining int
	UnitPrice int64
}

type PurchasePage struct {
	Items []domain.Purchase
	Total int
	Page  int
	Size  int
}

// SaleService covers sale administration, buyer reads and voucher redemption.
type SaleService struct {
	sales     port.SaleRepository
	purchases port.PurchaseRepository
	ledger    *Ledger
	rules     *Eligibility
	clock     Clock
	log       zerolog.Logger
}

func NewSaleService(sales port.SaleRepository, purchases port.PurchaseRepository, ledger *Ledger, rules *Eligibility, clock Clock, log zerolog.Logger) *SaleService {
	return &SaleService{
		sales:     sales,
		purchases: purchases,
		ledger:    ledger,
		rules:     rules,
		clock:     clock,
		log:       log.With().Str("component", "sale_admin").Logger(),
	}
}

func (s *SaleService) CreateSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	sale.Currency = strings.ToLower(sale.Currency)
	sale.SoldQuantity = 0
	sale.Enabled = true
	sale.SoldOutLatched = false
	sale.LowStockNotified = false
	sale.AnnouncedPhase = domain.PhaseScheduled
	sale.PurchaseCount, sale.UniqueCustomers = 0, 0

	if err := s.check(sale); err != nil {
		return domain.Sale{}, err
	}
	if err := s.sales.CreateSale(ctx, sale); err != nil {
		return domain.Sale{}, fmt.Errorf("create sale: %w", err)
	}
	s.resync(ctx, sale)

	s.log.Info().Str("sale_id", sale.ID).Int("max_quantity", sale.MaxQuantity).Time("start", sale.StartTime).Msg("sale created")
	return sale, nil
}

// UpdateSale rewrites the admin-editable fields. Capacity may not drop below
// the units already claimed.
func (s *SaleService) UpdateSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	current, err := s.sales.GetSale(ctx, sale.ID)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("load sale: %w", err)
	}
	if current == nil {
		return domain.Sale{}, ErrSaleNotFound
	}

	merged := *current
	merged.Title = sale.Title
	merged.Kind = sale.Kind
	merged.OriginalPrice = sale.OriginalPrice
	merged.FlashPrice = sale.FlashPrice
	merged.DiscountPercentage = sale.DiscountPercentage
	merged.Currency = strings.ToLower(sale.Currency)
	merged.StartTime = sale.StartTime
	merged.EndTime = sale.EndTime
	merged.MaxQuantity = sale.MaxQuantity
	merged.LimitPerUser = sale.LimitPerUser
	merged.LowStockPercent = sale.LowStockPercent
	merged.EligibilityRule = sale.EligibilityRule

	if err := s.check(merged); err != nil {
		return domain.Sale{}, err
	}
	if err := s.sales.UpdateSale(ctx, merged); err != nil {
		if errors.Is(err, port.ErrOptimisticLock) {
			return domain.Sale{}, fmt.Errorf("%w: max quantity is below units already sold", domain.ErrInvalidSale)
		}
		if errors.Is(err, port.ErrNotFound) {
			return domain.Sale{}, ErrSaleNotFound
		}
		return domain.Sale{}, fmt.Errorf("update sale: %w", err)
	}

	updated, err := s.sales.GetSale(ctx, sale.ID)
	if err != nil || updated == nil {
		return merged, nil
	}
	s.resync(ctx, *updated)
	return *updated, nil
}

// DisableSale is the soft delete. Purchases already open still settle.
func (s *SaleService) DisableSale(ctx context.Context, saleID string) error {
	if err := s.sales.SetSaleEnabled(ctx, saleID, false); err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return ErrSaleNotFound
		}
		return fmt.Errorf("disable sale: %w", err)
	}
	if sale, err := s.sales.GetSale(ctx, saleID); err == nil && sale != nil {
		s.resync(ctx, *sale)
	}
	s.log.Info().Str("sale_id", saleID).Msg("sale disabled")
	return nil
}

// ReactivateSale clears the sold-out latch and re-enables the sale.
func (s *SaleService) ReactivateSale(ctx context.Context, saleID string) (SaleView, error) {
	if err := s.sales.ClearSoldOut(ctx, saleID); err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return SaleView{}, ErrSaleNotFound
		}
		return SaleView{}, fmt.Errorf("reactivate sale: %w", err)
	}
	view, err := s.GetSale(ctx, saleID)
	if err != nil {
		return SaleView{}, err
	}
	s.resync(ctx, view.Sale)
	s.log.Info().Str("sale_id", saleID).Msg("sale reactivated")
	return view, nil
}

func (s *SaleService) GetSale(ctx context.Context, saleID string) (SaleView, error) {
	sale, err := s.sales.GetSale(ctx, saleID)
	if err != nil {
		return SaleView{}, fmt.Errorf("load sale: %w", err)
	}
	if sale == nil {
		return SaleView{}, ErrSaleNotFound
	}
	return SaleView{
		Sale:      *sale,
		Phase:     sale.PhaseAt(s.clock.Now()),
		Remaining: sale.Remaining(),
		UnitPrice: sale.UnitPrice(),
	}, nil
}

// ListPurchases pages through a user's purchases, newest first. page is 1-based.
func (s *SaleService) ListPurchases(ctx context.Context, userID string, page, size int) (PurchasePage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	items, total, err := s.purchases.ListByUser(ctx, userID, (page-1)*size, size)
	if err != nil {
		return PurchasePage{}, fmt.Errorf("list purchases: %w", err)
	}
	return PurchasePage{Items: items, Total: total, Page: page, Size: size}, nil
}

// RedeemVoucher marks a voucher used at the point of sale.
func (s *SaleService) RedeemVoucher(ctx context.Context, code string) (domain.Purchase, error) {
	p, err := s.purchases.GetPurchaseByVoucher(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("load voucher: %w", err)
	}
	if p == nil {
		return domain.Purchase{}, ErrPurchaseNotFound
	}

	now := s.clock.Now()
	if err := p.Redeem(now); err != nil {
		return domain.Purchase{}, err
	}
	ok, err := s.purchases.MarkRedeemed(ctx, p.ID, now)
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("redeem voucher: %w", err)
	}
	if !ok {
		return domain.Purchase{}, domain.ErrVoucherNotRedeemable
	}

	s.log.Info().Str("purchase_id", p.ID).Str("voucher", p.VoucherCode).Msg("voucher redeemed")
	return *p, nil
}

func (s *SaleService) check(sale domain.Sale) error {
	if err := sale.Validate(); err != nil {
		return err
	}
	if sale.EligibilityRule != "" {
		if err := s.rules.Compile(sale.EligibilityRule); err != nil {
			return err
		}
	}
	return nil
}

func (s *SaleService) resync(ctx context.Context, sale domain.Sale) {
	if err := s.ledger.Resync(ctx, sale); err != nil {
		s.log.Warn().Err(err).Str("sale_id", sale.ID).Msg("stock mirror resync failed")
	}
}
