// Package gateway talks to the instant-payment provider. The engine needs
// exactly two calls: create a charge and read its status.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

var (
	// ErrUnavailable is transient: status unknown, retry later.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected is terminal for this charge attempt only.
	ErrRejected = errors.New("payment gateway rejected the request")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

type ChargeRequest struct {
	Amount      int64 // minor units
	Description string
	Payer       domain.Payer
	// Reference is our order id, echoed back by the provider.
	Reference        string
	ExpiresAt        time.Time
	IdempotencyToken string
}

type Charge struct {
	ID           string
	QRCode       string
	QRCodeBase64 string
	PaymentURL   string
}

func (c Charge) Presentation() domain.Presentation {
	return domain.Presentation{QRCode: c.QRCode, QRCodeBase64: c.QRCodeBase64, PaymentURL: c.PaymentURL}
}

type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	GetChargeStatus(ctx context.Context, chargeID string) (Status, error)
}
