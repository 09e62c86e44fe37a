package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/pkg/contracts"
	"github.com/nazeru/pix-sales-go/pkg/outbox"
)

var pgDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeValue:   func(t time.Time) any { return t.UTC() },
}

// Postgres stores orders in the orders table. When EventsTopic is set each
// insert and successful transition also writes an outbox event in the same
// transaction.
type Postgres struct {
	Pool        *pgxpool.Pool
	EventsTopic string
}

func NewPostgres(pool *pgxpool.Pool, eventsTopic string) *Postgres {
	return &Postgres{Pool: pool, EventsTopic: eventsTopic}
}

func (s *Postgres) Insert(ctx context.Context, o *domain.Order) error {
	if err := checkInsert(o); err != nil {
		return err
	}
	payer, err := encodePayer(o.Payer)
	if err != nil {
		return err
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO orders(`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		string(o.ID), int64(o.BuyerID), o.BuyerName, string(o.ProductID), o.ProductName,
		o.Quantity, o.UnitPrice, o.TotalPrice,
		string(o.Status), o.ChargeID, o.Presentation.QRCode, o.Presentation.QRCodeBase64, o.Presentation.PaymentURL,
		payer, o.DeliveryAttempts,
		o.CreatedAt.UTC(), o.ExpiresAt.UTC(), o.UpdatedAt.UTC(), o.PaidAt, o.DeliveredAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "orders_pkey" {
				return ErrOrderExists
			}
			return domain.ErrDuplicatePendingOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}

	if err := s.emit(ctx, tx, contracts.EventOrderCreated, o.ID, o.BuyerID, map[string]any{
		"product_id":  string(o.ProductID),
		"quantity":    o.Quantity,
		"total_price": o.TotalPrice,
		"expires_at":  o.ExpiresAt.UTC(),
	}, o.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetByID(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	return scanPostgres(row)
}

func (s *Postgres) GetPendingByBuyerAndProduct(ctx context.Context, buyer domain.BuyerID, product domain.ProductID) (*domain.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1 AND product_id = $2 AND status = 'pending'`, int64(buyer), string(product))
	return scanPostgres(row)
}

func (s *Postgres) ListByBuyer(ctx context.Context, buyer domain.BuyerID, limit int) ([]domain.Order, error) {
	return s.list(ctx, `WHERE buyer_id = $1`, []any{int64(buyer)}, limit)
}

func (s *Postgres) ListByState(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	return s.list(ctx, `WHERE status = $1`, []any{string(status)}, limit)
}

func (s *Postgres) ListAll(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.list(ctx, ``, nil, limit)
}

func (s *Postgres) list(ctx context.Context, where string, args []any, limit int) ([]domain.Order, error) {
	lim, args := limitClause(pgDialect, args, limit)
	rows, err := s.Pool.Query(ctx, `SELECT `+orderColumns+` FROM orders `+where+` ORDER BY created_at DESC, id DESC`+lim, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateState(ctx context.Context, id domain.OrderID, expected domain.OrderStatus, t domain.Transition) (bool, error) {
	if err := checkTransition(expected, t); err != nil {
		return false, err
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q, args := buildUpdate(pgDialect, id, expected, t)
	q += " RETURNING buyer_id"
	var buyerID int64
	err = tx.QueryRow(ctx, q, args...).Scan(&buyerID)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, domain.ErrOrderNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update order %s: %w", id, err)
	}

	payload := map[string]any{"from": string(expected), "to": string(t.Status)}
	if t.ChargeID != "" {
		payload["charge_id"] = t.ChargeID
	}
	if t.DeliveryAttempt > 0 {
		payload["delivery_attempt"] = t.DeliveryAttempt
	}
	if err := s.emit(ctx, tx, contracts.TransitionEvent(string(expected), string(t.Status)), id, domain.BuyerID(buyerID), payload, t.At); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Postgres) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `UPDATE orders SET status = 'expired', updated_at = $1
		WHERE status = 'pending' AND expires_at < $1
		RETURNING id, buyer_id`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire overdue: %w", err)
	}
	type expired struct {
		id    string
		buyer int64
	}
	var done []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.buyer); err != nil {
			rows.Close()
			return 0, err
		}
		done = append(done, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range done {
		payload := map[string]any{"from": "pending", "to": "expired", "reason": "sweep"}
		if err := s.emit(ctx, tx, contracts.EventOrderExpired, domain.OrderID(e.id), domain.BuyerID(e.buyer), payload, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int64(len(done)), nil
}

func (s *Postgres) emit(ctx context.Context, tx pgx.Tx, eventType string, id domain.OrderID, buyer domain.BuyerID, payload map[string]any, at time.Time) error {
	if s.EventsTopic == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	evt := contracts.Event{
		OrderID:   string(id),
		BuyerID:   int64(buyer),
		CreatedAt: at.UTC(),
		Type:      eventType,
		Payload:   payload,
	}
	if _, err := outbox.InsertTx(ctx, tx, s.EventsTopic, string(id), evt); err != nil {
		return fmt.Errorf("outbox %s: %w", eventType, err)
	}
	return nil
}

func scanPostgres(row pgx.Row) (*domain.Order, error) {
	var (
		o                     domain.Order
		id, productID, status string
		buyerID               int64
		payer                 []byte
	)
	err := row.Scan(&id, &buyerID, &o.BuyerName, &productID, &o.ProductName, &o.Quantity, &o.UnitPrice, &o.TotalPrice,
		&status, &o.ChargeID, &o.Presentation.QRCode, &o.Presentation.QRCodeBase64, &o.Presentation.PaymentURL,
		&payer, &o.DeliveryAttempts, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt, &o.PaidAt, &o.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.ID = domain.OrderID(id)
	o.BuyerID = domain.BuyerID(buyerID)
	o.ProductID = domain.ProductID(productID)
	o.Status = domain.OrderStatus(status)
	if o.Payer, err = decodePayer(payer); err != nil {
		return nil, err
	}
	return &o, nil
}
