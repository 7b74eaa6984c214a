package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/flash-sale-engine/internal/metrics"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

const tracerName = "github.com/rl1809/flash-sale-engine/internal/adapter/gateway"

// HTTPGateway talks to a hosted-checkout payment API over JSON.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tracer     trace.Tracer
}

var _ port.PaymentGateway = (*HTTPGateway)(nil)

// NewHTTPGateway has no client-level timeout; each call is bounded by its context.
func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		tracer: otel.Tracer(tracerName),
	}
}

type createSessionBody struct {
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	LineItems  []port.LineItem   `json:"line_items"`
	SuccessURL string            `json:"success_url"`
	CancelURL  string            `json:"cancel_url"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type sessionBody struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
}

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Body)
}

func (g *HTTPGateway) CreateCheckoutSession(ctx context.Context, req port.CheckoutSessionRequest) (*port.CheckoutSession, error) {
	body := createSessionBody{
		Amount:     req.Amount,
		Currency:   req.Currency,
		LineItems:  req.LineItems,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata:   req.Metadata,
	}

	var out sessionBody
	if err := g.do(ctx, "create_session", http.MethodPost, "/v1/checkout/sessions", req.IdempotencyKey, body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("gateway returned a session without id")
	}
	return &port.CheckoutSession{SessionID: out.ID, RedirectURL: out.URL}, nil
}

func (g *HTTPGateway) GetSessionStatus(ctx context.Context, sessionID string) (*port.SessionStatus, error) {
	var out sessionBody
	if err := g.do(ctx, "session_status", http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), "", nil, &out); err != nil {
		return nil, err
	}
	return &port.SessionStatus{
		Paid:             out.PaymentStatus == "paid",
		Open:             out.Status == "open",
		PaymentReference: out.PaymentIntent,
	}, nil
}

func (g *HTTPGateway) RefundSession(ctx context.Context, sessionID, reason string) error {
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID) + "/refund"
	return g.do(ctx, "refund", http.MethodPost, path, "refund-"+sessionID, map[string]string{"reason": reason}, nil)
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path, idempotencyKey string, in, out any) (err error) {
	ctx, span := g.tracer.Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	defer func() {
		metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", req.URL.String()),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
