package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/metrics"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

// Voucher is what a buyer receives once payment settles.
type Voucher struct {
	PurchaseID string
	Code       string
	ExpiresAt  time.Time
}

func voucherOf(p *domain.Purchase) Voucher {
	return Voucher{PurchaseID: p.ID, Code: p.VoucherCode, ExpiresAt: p.VoucherExpiresAt}
}

// Reconcile outcomes.
const (
	OutcomeSettled = "settled"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

type SettlementService struct {
	sales     port.SaleRepository
	ledger    *Ledger
	purchases *PurchaseStore
	gateway   port.PaymentGateway
	events    port.EventPublisher
	clock     Clock
	log       zerolog.Logger
	tracer    trace.Tracer
}

func NewSettlementService(
	sales port.SaleRepository,
	ledger *Ledger,
	purchases *PurchaseStore,
	gateway port.PaymentGateway,
	events port.EventPublisher,
	clock Clock,
	log zerolog.Logger,
) *SettlementService {
	return &SettlementService{
		sales:     sales,
		ledger:    ledger,
		purchases: purchases,
		gateway:   gateway,
		events:    events,
		clock:     clock,
		log:       log.With().Str("component", "settlement").Logger(),
		tracer:    otel.Tracer(tracerName),
	}
}

// CompleteSettlement finalizes a purchase from gateway confirmation. Replays
// on an already paid purchase return the stored voucher and touch nothing.
// It carries no caller identity; the session id is the only credential.
func (s *SettlementService) CompleteSettlement(ctx context.Context, purchaseID, sessionID string) (Voucher, error) {
	return s.complete(ctx, "", purchaseID, sessionID)
}

// VerifyPurchase is CompleteSettlement on behalf of a signed-in buyer, who
// must own the purchase.
func (s *SettlementService) VerifyPurchase(ctx context.Context, userID, purchaseID, sessionID string) (Voucher, error) {
	if userID == "" {
		return Voucher{}, ErrForbidden
	}
	return s.complete(ctx, userID, purchaseID, sessionID)
}

func (s *SettlementService) complete(ctx context.Context, userID, purchaseID, sessionID string) (v Voucher, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement.complete", trace.WithAttributes(
		attribute.String("purchase_id", purchaseID),
	))
	replay := false
	defer func() {
		outcome := settlementOutcome(err)
		if replay {
			outcome = "replay"
		}
		metrics.SettlementTotal.WithLabelValues(outcome).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if purchaseID == "" || sessionID == "" {
		return Voucher{}, fmt.Errorf("%w: purchase id and session id are required", ErrInvalidRequest)
	}

	p, err := s.purchases.Get(ctx, purchaseID)
	if err != nil {
		return Voucher{}, err
	}
	if userID != "" && p.UserID != userID {
		return Voucher{}, ErrForbidden
	}
	if p.SessionID == "" || p.SessionID != sessionID {
		return Voucher{}, ErrTokenMismatch
	}
	if p.Status == domain.PaymentPaid {
		replay = true
		return voucherOf(p), nil
	}

	status, err := s.gateway.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return Voucher{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if p.Status != domain.PaymentPending {
		if p.Status == domain.PaymentFailed && status.Paid {
			// Money arrived after the purchase was abandoned.
			if err := s.refund(ctx, p, "purchase closed before payment completed"); err != nil {
				return Voucher{}, err
			}
		}
		return Voucher{}, ErrPurchaseClosed
	}

	if !status.Paid {
		if status.Open {
			return Voucher{}, ErrPaymentNotConfirmed
		}
		if err := s.fail(ctx, p, "payment not confirmed by gateway", ReleasePaymentFailed); err != nil {
			return Voucher{}, err
		}
		return Voucher{}, ErrPaymentNotConfirmed
	}

	return s.settlePaid(ctx, p, status.PaymentReference)
}

// FailPurchase abandons a pending purchase on behalf of its owner. If the
// gateway already took the money the purchase is settled instead.
func (s *SettlementService) FailPurchase(ctx context.Context, userID, purchaseID, reason string) error {
	p, err := s.purchases.Get(ctx, purchaseID)
	if err != nil {
		return err
	}
	if p.UserID != userID {
		return ErrForbidden
	}

	switch p.Status {
	case domain.PaymentFailed:
		return nil
	case domain.PaymentPaid, domain.PaymentRefunded:
		return ErrPurchaseClosed
	}

	if p.SessionID != "" {
		status, err := s.gateway.GetSessionStatus(ctx, p.SessionID)
		if err != nil {
			s.log.Warn().Err(err).Str("purchase_id", p.ID).Msg("gateway status unknown, failing purchase anyway")
		} else if status.Paid {
			if _, err := s.settlePaid(ctx, p, status.PaymentReference); err != nil {
				return err
			}
			return ErrPurchaseClosed
		}
	}

	if reason == "" {
		reason = "cancelled by user"
	}
	return s.fail(ctx, p, reason, ReleaseCancelled)
}

// Reconcile drives a stale pending purchase to a terminal state using the
// gateway's answer. Used by the sweep.
func (s *SettlementService) Reconcile(ctx context.Context, p domain.Purchase) (string, error) {
	if p.Status != domain.PaymentPending {
		return OutcomeSkipped, nil
	}
	if p.SessionID == "" {
		return OutcomeFailed, s.fail(ctx, &p, "checkout never opened a session", ReleaseExpired)
	}

	status, err := s.gateway.GetSessionStatus(ctx, p.SessionID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if status.Paid {
		if _, err := s.settlePaid(ctx, &p, status.PaymentReference); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeSettled, nil
	}
	return OutcomeFailed, s.fail(ctx, &p, "checkout expired", ReleaseExpired)
}

func (s *SettlementService) settlePaid(ctx context.Context, p *domain.Purchase, paymentRef string) (Voucher, error) {
	log := s.log.With().Str("purchase_id", p.ID).Str("sale_id", p.SaleID).Logger()

	won, err := s.purchases.MarkPaid(ctx, p.ID, paymentRef)
	if err != nil {
		return Voucher{}, err
	}
	if !won {
		current, err := s.purchases.Get(ctx, p.ID)
		if err != nil {
			return Voucher{}, err
		}
		switch current.Status {
		case domain.PaymentPaid:
			return voucherOf(current), nil
		case domain.PaymentFailed:
			// Money arrived after the purchase was abandoned.
			if err := s.refund(ctx, current, "purchase closed before payment completed"); err != nil {
				return Voucher{}, err
			}
			return Voucher{}, ErrPurchaseClosed
		default:
			return Voucher{}, ErrPurchaseClosed
		}
	}

	outcome, err := s.ledger.Confirm(ctx, p.ReservationID, p.SaleID, p.Quantity)
	if errors.Is(err, ErrStockUnavailable) {
		log.Warn().Msg("reservation lapsed and stock is gone, refunding")
		if rerr := s.refund(ctx, p, "stock unavailable after reservation lapsed"); rerr != nil {
			return Voucher{}, rerr
		}
		if _, err := s.purchases.MarkRefunded(ctx, p.ID, "stock unavailable after reservation lapsed"); err != nil {
			return Voucher{}, err
		}
		return Voucher{}, ErrStockUnavailable
	}
	if err != nil {
		// Paid with a held reservation; the sweep finishes the confirm.
		return Voucher{}, err
	}

	if err := s.sales.RecordBuyer(ctx, p.SaleID, p.UserID, p.ID); err != nil {
		// The sweep backfills purchases it finds unrecorded.
		log.Error().Err(err).Msg("record buyer aggregates")
	}
	s.publishStockEvents(ctx, p.SaleID)

	log.Info().Str("confirm", string(outcome)).Str("voucher", p.VoucherCode).Msg("purchase settled")

	p.Status = domain.PaymentPaid
	p.PaymentReference = paymentRef
	return voucherOf(p), nil
}

// FinishConfirm completes a settlement that was interrupted after the
// purchase went paid but before its reservation was confirmed.
func (s *SettlementService) FinishConfirm(ctx context.Context, p domain.Purchase) error {
	if p.Status != domain.PaymentPaid {
		return nil
	}
	outcome, err := s.ledger.Confirm(ctx, p.ReservationID, p.SaleID, p.Quantity)
	if errors.Is(err, ErrStockUnavailable) {
		if rerr := s.refund(ctx, &p, "stock unavailable after reservation lapsed"); rerr != nil {
			return rerr
		}
		_, err = s.purchases.MarkRefunded(ctx, p.ID, "stock unavailable after reservation lapsed")
		return err
	}
	if err != nil {
		return err
	}
	if outcome == domain.ConfirmNoop {
		return nil
	}
	if err := s.sales.RecordBuyer(ctx, p.SaleID, p.UserID, p.ID); err != nil {
		s.log.Error().Err(err).Str("purchase_id", p.ID).Msg("record buyer aggregates")
	}
	s.publishStockEvents(ctx, p.SaleID)
	return nil
}

// BackfillBuyer records the aggregates of a settled purchase whose earlier
// RecordBuyer call failed. Safe to repeat.
func (s *SettlementService) BackfillBuyer(ctx context.Context, p domain.Purchase) error {
	if p.Status != domain.PaymentPaid {
		return nil
	}
	return s.sales.RecordBuyer(ctx, p.SaleID, p.UserID, p.ID)
}

func (s *SettlementService) fail(ctx context.Context, p *domain.Purchase, reason, releaseReason string) error {
	won, err := s.purchases.MarkFailed(ctx, p.ID, reason)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if _, err := s.ledger.Release(ctx, p.ReservationID, p.SaleID, p.Quantity, releaseReason); err != nil {
		return err
	}
	s.log.Info().Str("purchase_id", p.ID).Str("reason", reason).Msg("purchase failed")
	return nil
}

func (s *SettlementService) refund(ctx context.Context, p *domain.Purchase, reason string) error {
	if err := s.gateway.RefundSession(ctx, p.SessionID, reason); err != nil {
		s.log.Error().Err(err).Str("purchase_id", p.ID).Str("session_id", p.SessionID).Msg("refund failed")
		return fmt.Errorf("%w: refund: %v", ErrGatewayUnavailable, err)
	}
	return nil
}

// publishStockEvents emits low-stock and sold-out notifications at most once
// per sale. Failures are logged and never surface to the settlement caller.
func (s *SettlementService) publishStockEvents(ctx context.Context, saleID string) {
	sale, err := s.sales.GetSale(ctx, saleID)
	if err != nil || sale == nil {
		s.log.Warn().Err(err).Str("sale_id", saleID).Msg("reload sale for stock events")
		return
	}
	now := s.clock.Now()

	if mark := sale.LowStockMark(); mark > 0 && sale.SoldQuantity >= mark && sale.SoldQuantity < sale.MaxQuantity && !sale.LowStockNotified {
		if first, err := s.sales.MarkLowStockNotified(ctx, saleID); err == nil && first {
			s.events.Publish(ctx, domain.Event{
				Type:   domain.EventLowStock,
				SaleID: saleID,
				Payload: map[string]any{
					"remaining":     sale.Remaining(),
					"max_quantity":  sale.MaxQuantity,
					"sold_quantity": sale.SoldQuantity,
				},
				OccurredAt: now,
			})
		}
	}

	if sale.SoldQuantity < sale.MaxQuantity {
		return
	}
	latched, err := s.sales.LatchSoldOut(ctx, saleID)
	if err != nil || !latched {
		return
	}
	announced, err := s.sales.AnnouncePhase(ctx, saleID, sale.AnnouncedPhase, domain.PhaseSoldOut)
	if err != nil || !announced {
		// The sweep announces it on its next pass.
		return
	}
	s.events.Publish(ctx, domain.Event{
		Type:       domain.EventSoldOut,
		SaleID:     saleID,
		Payload:    map[string]any{"sold_quantity": sale.SoldQuantity, "max_quantity": sale.MaxQuantity},
		OccurredAt: now,
	})
}

func settlementOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSettled
	case errors.Is(err, ErrPaymentNotConfirmed):
		return "not_confirmed"
	case errors.Is(err, ErrTokenMismatch):
		return "token_mismatch"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStockUnavailable):
		return "refunded"
	case errors.Is(err, ErrPurchaseClosed):
		return "closed"
	case errors.Is(err, ErrPurchaseNotFound):
		return "not_found"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	default:
		return "error"
	}
}
