package domain

import "errors"

var (
	ErrProductNotFound         = errors.New("product not found")
	ErrProductInactive         = errors.New("product is not available for purchase")
	ErrDuplicatePendingOrder   = errors.New("buyer already has a pending order for this product")
	ErrPaymentInitiationFailed = errors.New("payment initiation failed")
	ErrOrderNotFound           = errors.New("order not found")
	ErrDeliveryFailed          = errors.New("delivery failed")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrInvalidQuantity         = errors.New("quantity must be > 0")
	ErrNotRedeliverable        = errors.New("order is not awaiting delivery")
	ErrRedeliveryLimit         = errors.New("delivery attempt limit reached")
)
