// Package delivery hands a purchased asset to the buyer over the chat
// transport. A returned error means the buyer may not have received it.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/pkg/logging"
)

type Delivery struct {
	OrderID     domain.OrderID
	BuyerID     domain.BuyerID
	Attempt     int
	ProductName string
	TotalPrice  int64
	Payload     string
}

type Notifier interface {
	Deliver(ctx context.Context, d Delivery) error
}

type Func func(ctx context.Context, d Delivery) error

func (f Func) Deliver(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// FormatMessage renders the chat message carrying the download link.
func FormatMessage(d Delivery) string {
	var b strings.Builder
	b.WriteString("*Payment confirmed!*\n\n")
	fmt.Fprintf(&b, "*Product:* %s\n", d.ProductName)
	fmt.Fprintf(&b, "*Amount:* R$ %s\n\n", decimal.New(d.TotalPrice, -2).StringFixed(2))
	b.WriteString("*Download link:*\n")
	b.WriteString(d.Payload)
	b.WriteString("\n\nKeep this link safe. Order `")
	b.WriteString(string(d.OrderID))
	b.WriteString("`")
	return b.String()
}

// Log records deliveries instead of sending them. For local runs only.
func Log() Notifier {
	return Func(func(_ context.Context, d Delivery) error {
		logging.Log(logging.Fields{
			Service: "delivery",
			OrderID: string(d.OrderID),
			BuyerID: int64(d.BuyerID),
			Step:    "deliver",
			Status:  "logged",
			Message: d.Payload,
		})
		return nil
	})
}
