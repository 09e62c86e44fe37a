package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

// Memory keeps orders in process. One mutex serializes every write, which
// makes Insert and UpdateState atomic.
type Memory struct {
	mu     sync.RWMutex
	orders map[domain.OrderID]*domain.Order
}

func NewMemory() *Memory {
	return &Memory{orders: make(map[domain.OrderID]*domain.Order)}
}

func (m *Memory) Insert(_ context.Context, o *domain.Order) error {
	if err := checkInsert(o); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return ErrOrderExists
	}
	for _, cur := range m.orders {
		if cur.Status == domain.OrderStatusPending && cur.BuyerID == o.BuyerID && cur.ProductID == o.ProductID {
			return domain.ErrDuplicatePendingOrder
		}
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *Memory) GetByID(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return clone(o), nil
}

func (m *Memory) GetPendingByBuyerAndProduct(_ context.Context, buyer domain.BuyerID, product domain.ProductID) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.Status == domain.OrderStatusPending && o.BuyerID == buyer && o.ProductID == product {
			return clone(o), nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (m *Memory) ListByBuyer(_ context.Context, buyer domain.BuyerID, limit int) ([]domain.Order, error) {
	return m.list(limit, func(o *domain.Order) bool { return o.BuyerID == buyer }), nil
}

func (m *Memory) ListByState(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	return m.list(limit, func(o *domain.Order) bool { return o.Status == status }), nil
}

func (m *Memory) ListAll(_ context.Context, limit int) ([]domain.Order, error) {
	return m.list(limit, func(*domain.Order) bool { return true }), nil
}

func (m *Memory) list(limit int, match func(*domain.Order) bool) []domain.Order {
	m.mu.RLock()
	out := make([]domain.Order, 0)
	for _, o := range m.orders {
		if match(o) {
			out = append(out, *clone(o))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) UpdateState(_ context.Context, id domain.OrderID, expected domain.OrderStatus, t domain.Transition) (bool, error) {
	if err := checkTransition(expected, t); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if o.Status != expected {
		return false, nil
	}
	if t.DeliveryAttempt > 0 && o.DeliveryAttempts != t.DeliveryAttempt-1 {
		return false, nil
	}
	t.Apply(o)
	return true, nil
}

func (m *Memory) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, o := range m.orders {
		if o.Status == domain.OrderStatusPending && now.After(o.ExpiresAt) {
			o.Status = domain.OrderStatusExpired
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func clone(o *domain.Order) *domain.Order {
	c := *o
	if o.Payer != nil {
		p := *o.Payer
		c.Payer = &p
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}
