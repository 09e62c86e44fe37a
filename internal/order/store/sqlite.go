package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeValue:   func(t time.Time) any { return t.UTC().UnixNano() },
}

// SQLite is the single-node backend. The partial unique index on
// (buyer_id, product_id) WHERE status='pending' makes Insert an atomic
// check-and-insert.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Insert(ctx context.Context, o *domain.Order) error {
	if err := checkInsert(o); err != nil {
		return err
	}
	payer, err := encodePayer(o.Payer)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(o.ID), int64(o.BuyerID), o.BuyerName, string(o.ProductID), o.ProductName,
		o.Quantity, o.UnitPrice, o.TotalPrice,
		string(o.Status), o.ChargeID, o.Presentation.QRCode, o.Presentation.QRCodeBase64, o.Presentation.PaymentURL,
		payer, o.DeliveryAttempts,
		nanos(o.CreatedAt), nanos(o.ExpiresAt), nanos(o.UpdatedAt), nullNanos(o.PaidAt), nullNanos(o.DeliveredAt),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			if se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || strings.Contains(se.Error(), "orders.id") {
				return ErrOrderExists
			}
			if se.ExtendedCode == sqlite3.ErrConstraintUnique {
				return domain.ErrDuplicatePendingOrder
			}
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *SQLite) GetByID(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, string(id))
	return scanSQLite(row)
}

func (s *SQLite) GetPendingByBuyerAndProduct(ctx context.Context, buyer domain.BuyerID, product domain.ProductID) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = ? AND product_id = ? AND status = 'pending'`, int64(buyer), string(product))
	return scanSQLite(row)
}

func (s *SQLite) ListByBuyer(ctx context.Context, buyer domain.BuyerID, limit int) ([]domain.Order, error) {
	return s.list(ctx, `WHERE buyer_id = ?`, []any{int64(buyer)}, limit)
}

func (s *SQLite) ListByState(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	return s.list(ctx, `WHERE status = ?`, []any{string(status)}, limit)
}

func (s *SQLite) ListAll(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.list(ctx, ``, nil, limit)
}

func (s *SQLite) list(ctx context.Context, where string, args []any, limit int) ([]domain.Order, error) {
	lim, args := limitClause(sqliteDialect, args, limit)
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+where+` ORDER BY created_at DESC, id DESC`+lim, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateState(ctx context.Context, id domain.OrderID, expected domain.OrderStatus, t domain.Transition) (bool, error) {
	if err := checkTransition(expected, t); err != nil {
		return false, err
	}
	q, args := buildUpdate(sqliteDialect, id, expected, t)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = ?`, string(id)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrOrderNotFound
	}
	return false, err
}

func (s *SQLite) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = 'expired', updated_at = ?
		WHERE status = 'pending' AND expires_at < ?`, nanos(now), nanos(now))
	if err != nil {
		return 0, fmt.Errorf("expire overdue: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*domain.Order, error) {
	var (
		o                         domain.Order
		id, productID, status     string
		buyerID                   int64
		payer                     sql.NullString
		created, expires, updated int64
		paid, delivered           sql.NullInt64
	)
	err := row.Scan(&id, &buyerID, &o.BuyerName, &productID, &o.ProductName, &o.Quantity, &o.UnitPrice, &o.TotalPrice,
		&status, &o.ChargeID, &o.Presentation.QRCode, &o.Presentation.QRCodeBase64, &o.Presentation.PaymentURL,
		&payer, &o.DeliveryAttempts, &created, &expires, &updated, &paid, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.ID = domain.OrderID(id)
	o.BuyerID = domain.BuyerID(buyerID)
	o.ProductID = domain.ProductID(productID)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = fromNanos(created)
	o.ExpiresAt = fromNanos(expires)
	o.UpdatedAt = fromNanos(updated)
	if paid.Valid {
		t := fromNanos(paid.Int64)
		o.PaidAt = &t
	}
	if delivered.Valid {
		t := fromNanos(delivered.Int64)
		o.DeliveredAt = &t
	}
	if payer.Valid {
		if o.Payer, err = decodePayer([]byte(payer.String)); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

