package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/flash-sale-engine/internal/core/service"
)

type InitiateRequest struct {
	SaleID         string            `json:"sale_id"`
	Quantity       int32             `json:"quantity"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type InitiateResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	PurchaseID  string `json:"purchase_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

type VerifyRequest struct {
	PurchaseID string `json:"purchase_id"`
	SessionID  string `json:"session_id"`
}

type VerifyResponse struct {
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	VoucherCode string    `json:"voucher_code,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

type FailRequest struct {
	PurchaseID string `json:"purchase_id"`
	Reason     string `json:"reason"`
}

type FailResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PurchaseServiceServer is the server API for flashsale.PurchaseService.
type PurchaseServiceServer interface {
	Initiate(context.Context, *InitiateRequest) (*InitiateResponse, error)
	Verify(context.Context, *VerifyRequest) (*VerifyResponse, error)
	Fail(context.Context, *FailRequest) (*FailResponse, error)
}

type GRPCHandler struct {
	checkout   *service.CheckoutService
	settlement *service.SettlementService
}

var _ PurchaseServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(checkout *service.CheckoutService, settlement *service.SettlementService) *GRPCHandler {
	return &GRPCHandler{checkout: checkout, settlement: settlement}
}

// Domain rejections are reported in the response body, not as gRPC status.
func (h *GRPCHandler) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResponse, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing identity")
	}

	res, err := h.checkout.InitiatePurchase(ctx, service.CheckoutRequest{
		UserID:   id.UserID,
		SaleID:   req.SaleID,
		Quantity: int(req.Quantity),
		Metadata: service.ClientMetadata{
			IdempotencyKey: req.IdempotencyKey,
			Attributes:     req.Metadata,
		},
	})
	if err != nil {
		_, msg := statusFor(err)
		return &InitiateResponse{Success: false, Message: msg}, nil
	}

	return &InitiateResponse{
		Success:     true,
		Message:     "checkout initiated",
		PurchaseID:  res.PurchaseID,
		SessionID:   res.SessionID,
		RedirectURL: res.RedirectURL,
		Amount:      res.Amount,
		Currency:    res.Currency,
	}, nil
}

func (h *GRPCHandler) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing identity")
	}

	v, err := h.settlement.VerifyPurchase(ctx, id.UserID, req.PurchaseID, req.SessionID)
	if err != nil {
		_, msg := statusFor(err)
		return &VerifyResponse{Success: false, Message: msg}, nil
	}
	return &VerifyResponse{Success: true, Message: "payment settled", VoucherCode: v.Code, ExpiresAt: v.ExpiresAt}, nil
}

func (h *GRPCHandler) Fail(ctx context.Context, req *FailRequest) (*FailResponse, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing identity")
	}

	if err := h.settlement.FailPurchase(ctx, id.UserID, req.PurchaseID, req.Reason); err != nil {
		_, msg := statusFor(err)
		return &FailResponse{Success: false, Message: msg}, nil
	}
	return &FailResponse{Success: true, Message: "purchase failed"}, nil
}

func RegisterPurchaseServiceServer(s grpc.ServiceRegistrar, srv PurchaseServiceServer) {
	s.RegisterService(&PurchaseServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(PurchaseServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PurchaseServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/flashsale.PurchaseService/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(PurchaseServiceServer), ctx, req.(*Req))
		})
	}
}

var PurchaseServiceDesc = grpc.ServiceDesc{
	ServiceName: "flashsale.PurchaseService",
	HandlerType: (*PurchaseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Initiate", Handler: unaryHandler("Initiate", PurchaseServiceServer.Initiate)},
		{MethodName: "Verify", Handler: unaryHandler("Verify", PurchaseServiceServer.Verify)},
		{MethodName: "Fail", Handler: unaryHandler("Fail", PurchaseServiceServer.Fail)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flashsale/purchase.proto",
}

// PurchaseServiceClient calls flashsale.PurchaseService with the JSON codec.
type PurchaseServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPurchaseServiceClient(cc grpc.ClientConnInterface) *PurchaseServiceClient {
	return &PurchaseServiceClient{cc: cc}
}

func (c *PurchaseServiceClient) Initiate(ctx context.Context, in *InitiateRequest, opts ...grpc.CallOption) (*InitiateResponse, error) {
	out := new(InitiateResponse)
	err := c.cc.Invoke(ctx, "/flashsale.PurchaseService/Initiate", in, out, append(opts, grpc.CallContentSubtype(JSONCodecName))...)
	return out, err
}

func (c *PurchaseServiceClient) Verify(ctx context.Context, in *VerifyRequest, opts ...grpc.CallOption) (*VerifyResponse, error) {
	out := new(VerifyResponse)
	err := c.cc.Invoke(ctx, "/flashsale.PurchaseService/Verify", in, out, append(opts, grpc.CallContentSubtype(JSONCodecName))...)
	return out, err
}

func (c *PurchaseServiceClient) Fail(ctx context.Context, in *FailRequest, opts ...grpc.CallOption) (*FailResponse, error) {
	out := new(FailResponse)
	err := c.cc.Invoke(ctx, "/flashsale.PurchaseService/Fail", in, out, append(opts, grpc.CallContentSubtype(JSONCodecName))...)
	return out, err
}
