package store

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

var baseTime = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

func newOrder(id string, buyer domain.BuyerID, product domain.ProductID, created time.Time) *domain.Order {
	return &domain.Order{
		ID:          domain.OrderID(id),
		BuyerID:     buyer,
		BuyerName:   "Ana Souza",
		ProductID:   product,
		ProductName: "E-book " + string(product),
		Quantity:    1,
		UnitPrice:   2990,
		TotalPrice:  2990,
		Status:      domain.OrderStatusPending,
		CreatedAt:   created,
		ExpiresAt:   created.Add(domain.OrderTimeout),
		UpdatedAt:   created,
		Payer: &domain.Payer{
			Email:     fmt.Sprintf("user_%d@telegram.com", buyer),
			FirstName: "Ana",
			LastName:  "Souza",
			IDType:    "CPF",
			IDNumber:  "00000000000",
		},
	}
}

// runContract exercises behaviour every Store backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		o := newOrder("o-1", 42, "p-1", baseTime)
		require.NoError(t, s.Insert(ctx, o))

		got, err := s.GetByID(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, o.BuyerID, got.BuyerID)
		assert.Equal(t, o.ProductName, got.ProductName)
		assert.Equal(t, int64(2990), got.TotalPrice)
		assert.Equal(t, domain.OrderStatusPending, got.Status)
		assert.True(t, got.ExpiresAt.Equal(o.ExpiresAt))
		assert.Nil(t, got.PaidAt)
		assert.Nil(t, got.DeliveredAt)
		require.NotNil(t, got.Payer)
		assert.Equal(t, "user_42@telegram.com", got.Payer.Email)

		_, err = s.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("total price that overflows is rejected", func(t *testing.T) {
		s := newStore(t)
		o := newOrder("o-big", 42, "p-1", baseTime)
		o.UnitPrice = math.MaxInt64/2 + 2
		o.Quantity = 4
		o.TotalPrice = o.UnitPrice * int64(o.Quantity)
		require.Positive(t, o.TotalPrice)

		assert.ErrorIs(t, s.Insert(ctx, o), domain.ErrInvalidQuantity)
		_, err := s.GetByID(ctx, "o-big")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("one pending order per buyer and product", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newOrder("o-1", 42, "p-1", baseTime)))

		err := s.Insert(ctx, newOrder("o-2", 42, "p-1", baseTime.Add(time.Second)))
		assert.ErrorIs(t, err, domain.ErrDuplicatePendingOrder)

		require.NoError(t, s.Insert(ctx, newOrder("o-3", 42, "p-2", baseTime)))
		require.NoError(t, s.Insert(ctx, newOrder("o-4", 7, "p-1", baseTime)))

		ok, err := s.UpdateState(ctx, "o-1", domain.OrderStatusPending, domain.Transition{Status: domain.OrderStatusCancelled, At: baseTime})
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Insert(ctx, newOrder("o-5", 42, "p-1", baseTime.Add(time.Minute))))

		assert.ErrorIs(t, s.Insert(ctx, newOrder("o-5", 9, "p-9", baseTime)), ErrOrderExists)
	})

	t.Run("pending lookup", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newOrder("o-1", 42, "p-1", baseTime)))

		got, err := s.GetPendingByBuyerAndProduct(ctx, 42, "p-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderID("o-1"), got.ID)

		_, err = s.GetPendingByBuyerAndProduct(ctx, 42, "p-2")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("update state is guarded", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newOrder("o-1", 42, "p-1", baseTime)))

		ok, err := s.UpdateState(ctx, "o-1", domain.OrderStatusPending, domain.Transition{
			Status:       domain.OrderStatusPending,
			ChargeID:     "ch-1",
			Presentation: &domain.Presentation{QRCode: "000201...", PaymentURL: "https://pay.example/ch-1"},
			At:           baseTime,
		})
		require.NoError(t, err)
		require.True(t, ok)

		paidAt := baseTime.Add(2 * time.Minute)
		paid := domain.Transition{Status: domain.OrderStatusPaid, PaidAt: &paidAt, DeliveryAttempt: 1, At: paidAt}
		ok, err = s.UpdateState(ctx, "o-1", domain.OrderStatusPending, paid)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.UpdateState(ctx, "o-1", domain.OrderStatusPending, paid)
		require.NoError(t, err)
		assert.False(t, ok, "second writer must lose")

		_, err = s.UpdateState(ctx, "o-1", domain.OrderStatusPaid, domain.Transition{Status: domain.OrderStatusPending})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = s.UpdateState(ctx, "o-1", domain.OrderStatusPaid, domain.Transition{Status: domain.OrderStatusDelivered})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "delivered needs delivered_at")

		_, err = s.UpdateState(ctx, "missing", domain.OrderStatusPending, domain.Transition{Status: domain.OrderStatusExpired})
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)

		got, err := s.GetByID(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPaid, got.Status)
		assert.Equal(t, "ch-1", got.ChargeID)
		assert.Equal(t, "000201...", got.Presentation.QRCode)
		assert.Equal(t, 1, got.DeliveryAttempts)
		require.NotNil(t, got.PaidAt)
		assert.True(t, got.PaidAt.Equal(paidAt))
	})

	t.Run("delivery attempts are claimed once", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newOrder("o-1", 42, "p-1", baseTime)))
		paidAt := baseTime.Add(time.Minute)
		ok, err := s.UpdateState(ctx, "o-1", domain.OrderStatusPending, domain.Transition{Status: domain.OrderStatusPaid, PaidAt: &paidAt, DeliveryAttempt: 1})
		require.NoError(t, err)
		require.True(t, ok)

		retry := domain.Transition{Status: domain.OrderStatusPaid, DeliveryAttempt: 2}
		ok, err = s.UpdateState(ctx, "o-1", domain.OrderStatusPaid, retry)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.UpdateState(ctx, "o-1", domain.OrderStatusPaid, retry)
		require.NoError(t, err)
		assert.False(t, ok)

		deliveredAt := baseTime.Add(2 * time.Minute)
		ok, err = s.UpdateState(ctx, "o-1", domain.OrderStatusPaid, domain.Transition{Status: domain.OrderStatusDelivered, DeliveredAt: &deliveredAt})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetByID(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusDelivered, got.Status)
		assert.Equal(t, 2, got.DeliveryAttempts)
		require.NotNil(t, got.DeliveredAt)
		assert.True(t, got.DeliveredAt.Equal(deliveredAt))
	})

	t.Run("expire overdue", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newOrder("old", 1, "p-1", baseTime)))
		require.NoError(t, s.Insert(ctx, newOrder("fresh", 2, "p-1", baseTime.Add(5*time.Minute))))
		require.NoError(t, s.Insert(ctx, newOrder("paid", 3, "p-1", baseTime)))
		paidAt := baseTime.Add(time.Minute)
		_, err := s.UpdateState(ctx, "paid", domain.OrderStatusPending, domain.Transition{Status: domain.OrderStatusPaid, PaidAt: &paidAt})
		require.NoError(t, err)

		n, err := s.ExpireOverdue(ctx, baseTime.Add(domain.OrderTimeout+time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		for id, want := range map[domain.OrderID]domain.OrderStatus{
			"old":   domain.OrderStatusExpired,
			"fresh": domain.OrderStatusPending,
			"paid":  domain.OrderStatusPaid,
		} {
			got, err := s.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, got.Status, id)
		}
	})

	t.Run("listings", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 4; i++ {
			o := newOrder(fmt.Sprintf("o-%d", i), 42, domain.ProductID(fmt.Sprintf("p-%d", i)), baseTime.Add(time.Duration(i)*time.Minute))
			require.NoError(t, s.Insert(ctx, o))
		}
		require.NoError(t, s.Insert(ctx, newOrder("other", 7, "p-0", baseTime)))
		_, err := s.UpdateState(ctx, "o-1", domain.OrderStatusPending, domain.Transition{Status: domain.OrderStatusCancelled})
		require.NoError(t, err)

		mine, err := s.ListByBuyer(ctx, 42, 0)
		require.NoError(t, err)
		require.Len(t, mine, 4)
		assert.Equal(t, domain.OrderID("o-3"), mine[0].ID, "newest first")

		limited, err := s.ListByBuyer(ctx, 42, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		pending, err := s.ListByState(ctx, domain.OrderStatusPending, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 4)

		all, err := s.ListAll(ctx, 3)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
