package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/nazeru/pix-sales-go/pkg/contracts"
)

type publisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// Kafka hands deliveries to notification-service. Success means the request
// was durably accepted by the broker, not that the buyer has read it.
type Kafka struct {
	Publisher publisher
	clock     func() time.Time
}

func NewKafka(p publisher) *Kafka {
	return &Kafka{Publisher: p, clock: time.Now}
}

func (k *Kafka) Deliver(ctx context.Context, d Delivery) error {
	evt := contracts.DeliveryEvent{
		EventID:     EventID(d),
		Type:        contracts.EventDeliveryRequested,
		CreatedAt:   k.clock().UTC(),
		OrderID:     string(d.OrderID),
		BuyerID:     int64(d.BuyerID),
		Attempt:     d.Attempt,
		ProductName: d.ProductName,
		TotalPrice:  d.TotalPrice,
		Payload:     d.Payload,
	}
	return k.Publisher.Publish(ctx, string(d.OrderID), evt)
}

// EventID is stable for one delivery attempt of one order.
func EventID(d Delivery) string {
	return fmt.Sprintf("%s:delivery:%d", d.OrderID, d.Attempt)
}
