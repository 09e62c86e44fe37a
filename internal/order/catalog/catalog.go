// Package catalog resolves product ids for the order engine. Catalog
// management lives elsewhere; this is the read side only.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

type Catalog interface {
	Lookup(ctx context.Context, id domain.ProductID) (domain.Product, error)
}

type Memory struct {
	mu       sync.RWMutex
	products map[domain.ProductID]domain.Product
}

func NewMemory(products ...domain.Product) *Memory {
	m := &Memory{products: make(map[domain.ProductID]domain.Product)}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *Memory) Put(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *Memory) Lookup(_ context.Context, id domain.ProductID) (domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

type Postgres struct {
	Pool *pgxpool.Pool
}

func (c Postgres) Lookup(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	p := domain.Product{ID: id}
	err := c.Pool.QueryRow(ctx, `SELECT name, price, active, delivery_payload FROM products WHERE id = $1`, string(id)).
		Scan(&p.Name, &p.Price, &p.Active, &p.DeliveryPayload)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("lookup product %s: %w", id, err)
	}
	return p, nil
}

// Seed upserts products; used by `order-service migrate --seed`.
func (c Postgres) Seed(ctx context.Context, products []domain.Product) error {
	for _, p := range products {
		_, err := c.Pool.Exec(ctx, `INSERT INTO products(id, name, price, active, delivery_payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, price=EXCLUDED.price,
				active=EXCLUDED.active, delivery_payload=EXCLUDED.delivery_payload, updated_at=now()`,
			string(p.ID), p.Name, p.Price, p.Active, p.DeliveryPayload)
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}
