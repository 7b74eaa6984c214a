package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rl1809/flash-sale-engine/internal/adapter/notify"
	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/core/service"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

const webhookDedupeTTL = 24 * time.Hour

type HTTPHandler struct {
	checkout   *service.CheckoutService
	settlement *service.SettlementService
	sales      *service.SaleService
	idem       port.CacheRepository
	hub        *notify.Hub
	currency   string
	log        zerolog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type InitiateHTTPRequest struct {
	SaleID         string            `json:"saleId"`
	Quantity       int               `json:"quantity"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	SuccessURL     string            `json:"successUrl,omitempty"`
	CancelURL      string            `json:"cancelUrl,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type InitiateHTTPResponse struct {
	PurchaseID    string    `json:"purchaseId"`
	SessionID     string    `json:"sessionId"`
	RedirectURL   string    `json:"redirectUrl"`
	Amount        int64     `json:"amount"`
	DisplayAmount string    `json:"displayAmount"`
	Currency      string    `json:"currency"`
	HoldExpires   time.Time `json:"holdExpiresAt"`
}

type VerifyHTTPRequest struct {
	PurchaseID string `json:"purchaseId"`
	SessionID  string `json:"sessionId"`
}

type VerifyHTTPResponse struct {
	PurchaseID  string    `json:"purchaseId"`
	VoucherCode string    `json:"voucherCode"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type FailHTTPRequest struct {
	PurchaseID string `json:"purchaseId"`
	Reason     string `json:"reason"`
}

type WebhookRequest struct {
	EventID    string `json:"eventId"`
	PurchaseID string `json:"purchaseId"`
	SessionID  string `json:"sessionId"`
}

type SaleHTTPRequest struct {
	Title              string    `json:"title"`
	Kind               string    `json:"kind"`
	OriginalPrice      int64     `json:"originalPrice"`
	FlashPrice         *int64    `json:"flashPrice,omitempty"`
	DiscountPercentage float64   `json:"discountPercentage"`
	Currency           string    `json:"currency"`
	StartTime          time.Time `json:"startTime"`
	EndTime            time.Time `json:"endTime"`
	MaxQuantity        int       `json:"maxQuantity"`
	LimitPerUser       int       `json:"limitPerUser"`
	LowStockPercent    int       `json:"lowStockPercent"`
	EligibilityRule    string    `json:"eligibilityRule,omitempty"`
}

func (r SaleHTTPRequest) toDomain(id string) domain.Sale {
	return domain.Sale{
		ID:                 id,
		Title:              r.Title,
		Kind:               r.Kind,
		OriginalPrice:      r.OriginalPrice,
		FlashPrice:         r.FlashPrice,
		DiscountPercentage: r.DiscountPercentage,
		Currency:           r.Currency,
		StartTime:          r.StartTime,
		EndTime:            r.EndTime,
		MaxQuantity:        r.MaxQuantity,
		LimitPerUser:       r.LimitPerUser,
		LowStockPercent:    r.LowStockPercent,
		EligibilityRule:    r.EligibilityRule,
	}
}

type SaleHTTPResponse struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Kind               string       `json:"kind,omitempty"`
	Phase              domain.Phase `json:"phase"`
	OriginalPrice      int64        `json:"originalPrice"`
	UnitPrice          int64        `json:"unitPrice"`
	DiscountPercentage float64      `json:"discountPercentage"`
	Currency           string       `json:"currency"`
	StartTime          time.Time    `json:"startTime"`
	EndTime            time.Time    `json:"endTime"`
	MaxQuantity        int          `json:"maxQuantity"`
	SoldQuantity       int          `json:"soldQuantity"`
	Remaining          int          `json:"remaining"`
	LimitPerUser       int          `json:"limitPerUser"`
	Enabled            bool         `json:"enabled"`
	PurchaseCount      int          `json:"purchaseCount"`
	UniqueCustomers    int          `json:"uniqueCustomers"`
}

func saleResponse(v service.SaleView) SaleHTTPResponse {
	return SaleHTTPResponse{
		ID:                 v.ID,
		Title:              v.Title,
		Kind:               v.Kind,
		Phase:              v.Phase,
		OriginalPrice:      v.OriginalPrice,
		UnitPrice:          v.UnitPrice,
		DiscountPercentage: v.DiscountPercentage,
		Currency:           v.Currency,
		StartTime:          v.StartTime,
		EndTime:            v.EndTime,
		MaxQuantity:        v.MaxQuantity,
		SoldQuantity:       v.SoldQuantity,
		Remaining:          v.Remaining,
		LimitPerUser:       v.LimitPerUser,
		Enabled:            v.Enabled,
		PurchaseCount:      v.PurchaseCount,
		UniqueCustomers:    v.UniqueCustomers,
	}
}

type PurchaseHTTPResponse struct {
	ID               string               `json:"id"`
	SaleID           string               `json:"saleId"`
	Quantity         int                  `json:"quantity"`
	TotalAmount      int64                `json:"totalAmount"`
	DisplayTotal     string               `json:"displayTotal"`
	Currency         string               `json:"currency"`
	Status           domain.PaymentStatus `json:"status"`
	FailureReason    string               `json:"failureReason,omitempty"`
	VoucherCode      string               `json:"voucherCode,omitempty"`
	VoucherExpiresAt *time.Time           `json:"voucherExpiresAt,omitempty"`
	IsRedeemed       bool                 `json:"isRedeemed"`
	CreatedAt        time.Time            `json:"createdAt"`
}

// Vouchers are only shown once paid.
func purchaseResponse(p domain.Purchase) PurchaseHTTPResponse {
	out := PurchaseHTTPResponse{
		ID:            p.ID,
		SaleID:        p.SaleID,
		Quantity:      p.Quantity,
		TotalAmount:   p.TotalAmount,
		DisplayTotal:  domain.FormatAmount(p.TotalAmount),
		Currency:      p.Currency,
		Status:        p.Status,
		FailureReason: p.FailureReason,
		IsRedeemed:    p.IsRedeemed,
		CreatedAt:     p.CreatedAt,
	}
	if p.Status == domain.PaymentPaid {
		out.VoucherCode = p.VoucherCode
		exp := p.VoucherExpiresAt
		out.VoucherExpiresAt = &exp
	}
	return out
}

type PurchaseListResponse struct {
	Items []PurchaseHTTPResponse `json:"items"`
	Total int                    `json:"total"`
	Page  int                    `json:"page"`
	Size  int                    `json:"size"`
}

// NewHTTPHandler wires the REST surface. idem and hub may be nil.
func NewHTTPHandler(
	checkout *service.CheckoutService,
	settlement *service.SettlementService,
	sales *service.SaleService,
	idem port.CacheRepository,
	hub *notify.Hub,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		checkout:   checkout,
		settlement: settlement,
		sales:      sales,
		idem:       idem,
		hub:        hub,
		log:        log.With().Str("component", "http").Logger(),
	}
}

// WithDefaultCurrency sets the currency for sales created without one.
func (h *HTTPHandler) WithDefaultCurrency(currency string) *HTTPHandler {
	h.currency = currency
	return h
}

func (h *HTTPHandler) Register(e *echo.Echo, v *Verifier) {
	e.GET("/health", h.HealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/webhooks/payment", h.PaymentWebhook)

	auth := e.Group("", v.JWTAuth())
	auth.POST("/purchase/initiate", h.Initiate)
	auth.POST("/purchase/verify", h.Verify)
	auth.POST("/purchase/fail", h.Fail)
	auth.GET("/purchases", h.ListPurchases)
	auth.GET("/sales/:id", h.GetSale)
	if h.hub != nil {
		auth.GET("/ws", h.Stream)
	}

	admin := e.Group("/admin", v.JWTAuth(), RequireRole(RoleAdmin))
	admin.POST("/sales", h.CreateSale)
	admin.PUT("/sales/:id", h.UpdateSale)
	admin.DELETE("/sales/:id", h.DisableSale)
	admin.POST("/sales/:id/reactivate", h.ReactivateSale)
	admin.POST("/vouchers/:code/redeem", h.RedeemVoucher)
}

func (h *HTTPHandler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) Initiate(c echo.Context) error {
	var req InitiateHTTPRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if req.SaleID == "" || req.Quantity <= 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "saleId and a positive quantity are required"})
	}

	res, err := h.checkout.InitiatePurchase(c.Request().Context(), service.CheckoutRequest{
		UserID:   identityOf(c).UserID,
		SaleID:   req.SaleID,
		Quantity: req.Quantity,
		Metadata: service.ClientMetadata{
			IdempotencyKey: req.IdempotencyKey,
			SuccessURL:     req.SuccessURL,
			CancelURL:      req.CancelURL,
			Attributes:     req.Metadata,
		},
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusOK, InitiateHTTPResponse{
		PurchaseID:    res.PurchaseID,
		SessionID:     res.SessionID,
		RedirectURL:   res.RedirectURL,
		Amount:        res.Amount,
		DisplayAmount: domain.FormatAmount(res.Amount),
		Currency:      res.Currency,
		HoldExpires:   res.HoldExpires,
	})
}

func (h *HTTPHandler) Verify(c echo.Context) error {
	var req VerifyHTTPRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	v, err := h.settlement.VerifyPurchase(c.Request().Context(), identityOf(c).UserID, req.PurchaseID, req.SessionID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, VerifyHTTPResponse{PurchaseID: v.PurchaseID, VoucherCode: v.Code, ExpiresAt: v.ExpiresAt})
}

func (h *HTTPHandler) Fail(c echo.Context) error {
	var req FailHTTPRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	if err := h.settlement.FailPurchase(c.Request().Context(), identityOf(c).UserID, req.PurchaseID, req.Reason); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(domain.PaymentFailed)})
}

func (h *HTTPHandler) ListPurchases(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("size"))

	res, err := h.sales.ListPurchases(c.Request().Context(), identityOf(c).UserID, page, size)
	if err != nil {
		return h.fail(c, err)
	}

	out := PurchaseListResponse{Items: make([]PurchaseHTTPResponse, 0, len(res.Items)), Total: res.Total, Page: res.Page, Size: res.Size}
	for _, p := range res.Items {
		out.Items = append(out.Items, purchaseResponse(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *HTTPHandler) GetSale(c echo.Context) error {
	view, err := h.sales.GetSale(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, saleResponse(view))
}

func (h *HTTPHandler) CreateSale(c echo.Context) error {
	var req SaleHTTPRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	if req.Currency == "" {
		req.Currency = h.currency
	}
	sale, err := h.sales.CreateSale(c.Request().Context(), req.toDomain(""))
	if err != nil {
		return h.fail(c, err)
	}
	view, err := h.sales.GetSale(c.Request().Context(), sale.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, saleResponse(view))
}

func (h *HTTPHandler) UpdateSale(c echo.Context) error {
	var req SaleHTTPRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	if _, err := h.sales.UpdateSale(c.Request().Context(), req.toDomain(c.Param("id"))); err != nil {
		return h.fail(c, err)
	}
	view, err := h.sales.GetSale(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, saleResponse(view))
}

func (h *HTTPHandler) DisableSale(c echo.Context) error {
	if err := h.sales.DisableSale(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *HTTPHandler) ReactivateSale(c echo.Context) error {
	view, err := h.sales.ReactivateSale(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, saleResponse(view))
}

func (h *HTTPHandler) RedeemVoucher(c echo.Context) error {
	p, err := h.sales.RedeemVoucher(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, purchaseResponse(p))
}

// PaymentWebhook settles a purchase on the gateway's push. Event ids are
// claimed before settling; a delivery lost to a transient error is picked up
// by the sweep.
func (h *HTTPHandler) PaymentWebhook(c echo.Context) error {
	var req WebhookRequest
	if err := c.Bind(&req); err != nil || req.EventID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid webhook payload"})
	}

	ctx := c.Request().Context()
	if h.idem != nil {
		first, err := h.idem.SetIdempotency(ctx, "webhook:"+req.EventID, webhookDedupeTTL)
		if err != nil {
			h.log.Warn().Err(err).Str("event_id", req.EventID).Msg("webhook dedupe unavailable")
		} else if !first {
			return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
		}
	}

	_, err := h.settlement.CompleteSettlement(ctx, req.PurchaseID, req.SessionID)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "settled"})
	case errors.Is(err, service.ErrPaymentNotConfirmed), errors.Is(err, service.ErrPurchaseClosed):
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	default:
		return h.fail(c, err)
	}
}

func (h *HTTPHandler) Stream(c echo.Context) error {
	if err := h.hub.ServeWS(c.Response(), c.Request(), identityOf(c).UserID); err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
	}
	return nil
}

func (h *HTTPHandler) fail(c echo.Context, err error) error {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(status, errorResponse{Error: msg})
}

// statusFor maps the service error taxonomy to HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidSale):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrSaleNotFound), errors.Is(err, service.ErrPurchaseNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotEligible):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, service.ErrStockUnavailable):
		return http.StatusGone, "sold out"
	case errors.Is(err, domain.ErrVoucherExpired):
		return http.StatusGone, err.Error()
	case errors.Is(err, service.ErrSaleNotPurchasable),
		errors.Is(err, service.ErrUserLimitExceeded),
		errors.Is(err, service.ErrDuplicateRequest),
		errors.Is(err, service.ErrTokenMismatch),
		errors.Is(err, service.ErrPurchaseClosed),
		errors.Is(err, domain.ErrVoucherNotRedeemable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrPaymentNotConfirmed):
		return http.StatusPaymentRequired, err.Error()
	case errors.Is(err, service.ErrInvalidPricing):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, service.ErrGatewayUnavailable.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
