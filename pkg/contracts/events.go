package contracts

import "time"

type Event struct {
	EventID   string         `json:"event_id"`
	OrderID   string         `json:"order_id"`
	BuyerID   int64          `json:"buyer_id"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

const (
	EventOrderCreated           = "order.created"
	EventOrderChargeCreated     = "order.charge_created"
	EventOrderPaid              = "order.paid"
	EventOrderDelivered         = "order.delivered"
	EventOrderExpired           = "order.expired"
	EventOrderCancelled         = "order.cancelled"
	EventOrderRedeliveryClaimed = "order.redelivery_claimed"
	EventDeliveryRequested      = "delivery.requested"
)

// DeliveryEvent asks the notification service to hand an asset to a buyer.
// EventID is stable per delivery attempt so consumers can dedupe on it.
type DeliveryEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	OrderID     string    `json:"order_id"`
	BuyerID     int64     `json:"buyer_id"`
	Attempt     int       `json:"attempt"`
	ProductName string    `json:"product_name"`
	TotalPrice  int64     `json:"total_price"`
	Payload     string    `json:"payload"`
}

// TransitionEvent names the lifecycle event for a from -> to status change.
func TransitionEvent(from, to string) string {
	switch {
	case from == "pending" && to == "pending":
		return EventOrderChargeCreated
	case from == "paid" && to == "paid":
		return EventOrderRedeliveryClaimed
	}
	return "order." + to
}
