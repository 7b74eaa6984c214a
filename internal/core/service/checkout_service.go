package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/metrics"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

const tracerName = "github.com/rl1809/flash-sale-engine/internal/core/service"

type CheckoutConfig struct {
	ReservationTTL  time.Duration
	IdempotencyTTL  time.Duration
	GatewayAttempts int
	GatewayBackoff  time.Duration
	SuccessURL      string
	CancelURL       string
}

// ClientMetadata is caller-supplied context for one checkout.
type ClientMetadata struct {
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
	Attributes     map[string]string
}

type CheckoutRequest struct {
	UserID   string
	SaleID   string
	Quantity int
	Metadata ClientMetadata
}

type CheckoutResult struct {
	PurchaseID  string
	SessionID   string
	RedirectURL string
	Amount      int64
	Currency    string
	HoldExpires time.Time
}

type CheckoutService struct {
	sales     port.SaleRepository
	ledger    *Ledger
	purchases *PurchaseStore
	gateway   port.PaymentGateway
	idem      port.CacheRepository
	rules     *Eligibility
	clock     Clock
	cfg       CheckoutConfig
	log       zerolog.Logger
	tracer    trace.Tracer
}

// NewCheckoutService wires the orchestrator. idem may be nil, in which case
// idempotency keys are ignored.
func NewCheckoutService(
	sales port.SaleRepository,
	ledger *Ledger,
	purchases *PurchaseStore,
	gateway port.PaymentGateway,
	idem port.CacheRepository,
	rules *Eligibility,
	clock Clock,
	cfg CheckoutConfig,
	log zerolog.Logger,
) *CheckoutService {
	return &CheckoutService{
		sales:     sales,
		ledger:    ledger,
		purchases: purchases,
		gateway:   gateway,
		idem:      idem,
		rules:     rules,
		clock:     clock,
		cfg:       cfg,
		log:       log.With().Str("component", "checkout").Logger(),
		tracer:    otel.Tracer(tracerName),
	}
}

// InitiatePurchase admits a request, reserves stock, records a pending
// purchase and opens a gateway session. The reservation is the commit point
// for oversell; everything after it is rolled back if the gateway fails.
func (s *CheckoutService) InitiatePurchase(ctx context.Context, req CheckoutRequest) (res CheckoutResult, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout.initiate", trace.WithAttributes(
		attribute.String("sale_id", req.SaleID),
		attribute.String("user_id", req.UserID),
		attribute.Int("quantity", req.Quantity),
	))
	defer func() {
		metrics.CheckoutTotal.WithLabelValues(checkoutOutcome(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := validateCheckout(req); err != nil {
		return CheckoutResult{}, err
	}

	log := s.log.With().Str("sale_id", req.SaleID).Str("user_id", req.UserID).Logger()

	if key := strings.TrimSpace(req.Metadata.IdempotencyKey); key != "" && s.idem != nil {
		idemKey := fmt.Sprintf("checkout:%s:%s", req.UserID, key)
		fresh, ierr := s.idem.SetIdempotency(ctx, idemKey, s.cfg.IdempotencyTTL)
		if ierr != nil {
			return CheckoutResult{}, fmt.Errorf("idempotency check failed: %w", ierr)
		}
		if !fresh {
			return CheckoutResult{}, ErrDuplicateRequest
		}
		// Only a checkout that went through keeps its key.
		defer func() {
			if err == nil {
				return
			}
			if rerr := s.idem.ReleaseIdempotency(context.WithoutCancel(ctx), idemKey); rerr != nil {
				log.Warn().Err(rerr).Msg("release idempotency key")
			}
		}()
	}

	sale, err := s.sales.GetSale(ctx, req.SaleID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("load sale: %w", err)
	}
	if sale == nil {
		return CheckoutResult{}, ErrSaleNotFound
	}

	allowed, err := s.rules.Allowed(sale.EligibilityRule, req.UserID, req.Quantity, req.Metadata.Attributes)
	if err != nil {
		log.Debug().Err(err).Msg("eligibility rule did not evaluate, treating as ineligible")
		return CheckoutResult{}, ErrNotEligible
	}
	if !allowed {
		return CheckoutResult{}, ErrNotEligible
	}

	now := s.clock.Now()
	if !sale.Purchasable(now, req.Quantity) {
		return CheckoutResult{}, rejection(sale, now)
	}

	active, err := s.purchases.CountActiveForUser(ctx, req.UserID, sale.ID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if active+req.Quantity > sale.LimitPerUser {
		return CheckoutResult{}, ErrUserLimitExceeded
	}

	if sale.UnitPrice() <= 0 {
		return CheckoutResult{}, ErrInvalidPricing
	}

	purchaseID := uuid.NewString()
	reservation, err := s.ledger.Reserve(ctx, sale.ID, purchaseID, req.Quantity, now, s.cfg.ReservationTTL)
	if err != nil {
		return CheckoutResult{}, err
	}

	purchase, err := s.purchases.CreatePending(ctx, PendingPurchase{
		ID:            purchaseID,
		UserID:        req.UserID,
		Sale:          *sale,
		Quantity:      req.Quantity,
		ReservationID: reservation.ID,
	})
	if err != nil {
		reason := ReleaseCancelled
		if errors.Is(err, ErrUserLimitExceeded) {
			reason = ReleaseSlotConflict
		}
		s.releaseQuietly(ctx, reservation, reason)
		return CheckoutResult{}, err
	}

	log = log.With().Str("purchase_id", purchase.ID).Logger()

	session, err := s.openSession(ctx, *sale, purchase, req.Metadata)
	if err == nil {
		err = backoff.Retry(func() error {
			return s.purchases.AttachSession(ctx, purchase.ID, session.SessionID)
		}, gatewayBackOff(ctx, s.cfg.GatewayAttempts, s.cfg.GatewayBackoff))
	}
	if err != nil {
		log.Warn().Err(err).Msg("checkout session failed, rolling back reservation")
		if _, ferr := s.purchases.MarkFailed(ctx, purchase.ID, "gateway: "+err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("mark failed after gateway error")
		}
		s.releaseQuietly(ctx, reservation, ReleaseGatewayFailure)
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	log.Info().Str("session_id", session.SessionID).Int64("amount", purchase.TotalAmount).Msg("checkout initiated")

	return CheckoutResult{
		PurchaseID:  purchase.ID,
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
		Amount:      purchase.TotalAmount,
		Currency:    purchase.Currency,
		HoldExpires: reservation.ExpiresAt,
	}, nil
}

// openSession never runs under a ledger lock; the reservation has already committed.
func (s *CheckoutService) openSession(ctx context.Context, sale domain.Sale, p domain.Purchase, meta ClientMetadata) (*port.CheckoutSession, error) {
	successURL, cancelURL := meta.SuccessURL, meta.CancelURL
	if successURL == "" {
		successURL = s.cfg.SuccessURL
	}
	if cancelURL == "" {
		cancelURL = s.cfg.CancelURL
	}

	req := port.CheckoutSessionRequest{
		Amount:   p.TotalAmount,
		Currency: p.Currency,
		LineItems: []port.LineItem{{
			Name:       sale.Title,
			UnitAmount: p.UnitAmount,
			Quantity:   p.Quantity,
		}},
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metadata: map[string]string{
			"purchase_id": p.ID,
			"sale_id":     p.SaleID,
			"user_id":     p.UserID,
		},
		IdempotencyKey: p.ID,
	}

	var session *port.CheckoutSession
	err := backoff.Retry(func() error {
		var err error
		session, err = s.gateway.CreateCheckoutSession(ctx, req)
		return err
	}, gatewayBackOff(ctx, s.cfg.GatewayAttempts, s.cfg.GatewayBackoff))
	if err != nil {
		return nil, err
	}
	if session == nil || session.SessionID == "" {
		return nil, errors.New("gateway returned an empty session")
	}
	return session, nil
}

func (s *CheckoutService) releaseQuietly(ctx context.Context, r domain.Reservation, reason string) {
	if _, err := s.ledger.Release(ctx, r.ID, r.SaleID, r.Quantity, reason); err != nil {
		// The sweep releases the hold once it expires.
		s.log.Error().Err(err).Str("reservation_id", r.ID).Msg("release after failed checkout")
	}
}

// rejection separates a closed sale from an open one that is short of stock.
func rejection(sale *domain.Sale, now time.Time) error {
	if !sale.Enabled {
		return ErrSaleNotPurchasable
	}
	switch sale.PhaseAt(now) {
	case domain.PhaseActive, domain.PhaseEndingSoon, domain.PhaseSoldOut:
		return ErrStockUnavailable
	default:
		return ErrSaleNotPurchasable
	}
}

func validateCheckout(req CheckoutRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.SaleID) == "":
		return fmt.Errorf("%w: sale id is required", ErrInvalidRequest)
	case req.Quantity < 1:
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidRequest)
	}
	return nil
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "initiated"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ErrSaleNotFound):
		return "sale_not_found"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrSaleNotPurchasable):
		return "not_purchasable"
	case errors.Is(err, ErrUserLimitExceeded):
		return "user_limit"
	case errors.Is(err, ErrInvalidPricing):
		return "invalid_pricing"
	case errors.Is(err, ErrStockUnavailable):
		return "stock_unavailable"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	default:
		return "error"
	}
}
