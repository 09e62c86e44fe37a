package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

const orderColumns = `id, buyer_id, buyer_name, product_id, product_name, quantity, unit_price, total_price,
	status, charge_id, qr_code, qr_code_base64, payment_url, payer, delivery_attempts,
	created_at, expires_at, updated_at, paid_at, delivered_at`

// dialect hides the placeholder and timestamp differences between backends.
type dialect struct {
	placeholder func(n int) string
	timeValue   func(time.Time) any
}

func buildUpdate(d dialect, id domain.OrderID, expected domain.OrderStatus, t domain.Transition) (string, []any) {
	var (
		sets []string
		args []any
	)
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, d.placeholder(len(args))))
	}

	set("status = %s", string(t.Status))
	if !t.At.IsZero() {
		set("updated_at = %s", d.timeValue(t.At))
	}
	if t.ChargeID != "" {
		set("charge_id = %s", t.ChargeID)
	}
	if p := t.Presentation; p != nil {
		set("qr_code = %s", p.QRCode)
		set("qr_code_base64 = %s", p.QRCodeBase64)
		set("payment_url = %s", p.PaymentURL)
	}
	if t.PaidAt != nil {
		set("paid_at = COALESCE(paid_at, %s)", d.timeValue(*t.PaidAt))
	}
	if t.DeliveredAt != nil {
		set("delivered_at = COALESCE(delivered_at, %s)", d.timeValue(*t.DeliveredAt))
	}
	if t.DeliveryAttempt > 0 {
		set("delivery_attempts = %s", t.DeliveryAttempt)
	}

	var b strings.Builder
	b.WriteString("UPDATE orders SET ")
	b.WriteString(strings.Join(sets, ", "))

	args = append(args, string(id))
	fmt.Fprintf(&b, " WHERE id = %s", d.placeholder(len(args)))
	args = append(args, string(expected))
	fmt.Fprintf(&b, " AND status = %s", d.placeholder(len(args)))
	if t.DeliveryAttempt > 0 {
		args = append(args, t.DeliveryAttempt-1)
		fmt.Fprintf(&b, " AND delivery_attempts = %s", d.placeholder(len(args)))
	}
	return b.String(), args
}

func limitClause(d dialect, args []any, limit int) (string, []any) {
	if limit <= 0 {
		return "", args
	}
	args = append(args, limit)
	return " LIMIT " + d.placeholder(len(args)), args
}

func encodePayer(p *domain.Payer) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodePayer(data []byte) (*domain.Payer, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p domain.Payer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payer: %w", err)
	}
	return &p, nil
}
