// Package store persists orders. Every mutation goes through UpdateState,
// a single conditional write guarded by the expected current status; that
// guard is what lets concurrent reconciliations of one order race safely.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

var ErrOrderExists = errors.New("order id already exists")

type Store interface {
	// Insert fails with domain.ErrDuplicatePendingOrder when the buyer already
	// has a pending order for the product. Check and insert are one operation.
	Insert(ctx context.Context, o *domain.Order) error
	GetByID(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	GetPendingByBuyerAndProduct(ctx context.Context, buyer domain.BuyerID, product domain.ProductID) (*domain.Order, error)
	// Listings are newest first. limit <= 0 means no limit.
	ListByBuyer(ctx context.Context, buyer domain.BuyerID, limit int) ([]domain.Order, error)
	ListByState(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
	ListAll(ctx context.Context, limit int) ([]domain.Order, error)
	// UpdateState applies t only if the order is still in expected. A guard
	// miss returns (false, nil).
	UpdateState(ctx context.Context, id domain.OrderID, expected domain.OrderStatus, t domain.Transition) (bool, error)
	// ExpireOverdue flips every pending order with expires_at < now to expired.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

func checkTransition(expected domain.OrderStatus, t domain.Transition) error {
	if !domain.CanTransition(expected, t.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, t.Status)
	}
	if (t.Status == domain.OrderStatusDelivered) != (t.DeliveredAt != nil) {
		return fmt.Errorf("%w: delivered_at must be set exactly when delivering", domain.ErrInvalidTransition)
	}
	return nil
}

func checkInsert(o *domain.Order) error {
	if o.Status != domain.OrderStatusPending {
		return fmt.Errorf("%w: new orders start pending, got %s", domain.ErrInvalidTransition, o.Status)
	}
	if o.Quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	if o.UnitPrice <= 0 || int64(o.Quantity) > math.MaxInt64/o.UnitPrice {
		return fmt.Errorf("%w: total price overflows for %d x %d", domain.ErrInvalidQuantity, o.Quantity, o.UnitPrice)
	}
	if o.TotalPrice <= 0 || o.TotalPrice != o.UnitPrice*int64(o.Quantity) {
		return fmt.Errorf("invalid total price %d for %d x %d", o.TotalPrice, o.Quantity, o.UnitPrice)
	}
	return nil
}
