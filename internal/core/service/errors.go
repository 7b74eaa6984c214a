package service

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrSaleNotFound       = errors.New("sale not found")
	ErrSaleNotPurchasable = errors.New("sale is not purchasable")
	ErrUserLimitExceeded  = errors.New("per-user limit exceeded")
	ErrStockUnavailable   = errors.New("stock unavailable")
	ErrInvalidPricing     = errors.New("invalid pricing")
	ErrNotEligible        = errors.New("user is not eligible for this sale")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable, try again")

	ErrPurchaseNotFound    = errors.New("purchase not found")
	ErrTokenMismatch       = errors.New("session token does not match purchase")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	ErrPurchaseClosed      = errors.New("purchase is already closed")
	ErrForbidden           = errors.New("forbidden")
)
