package domain

import "time"

// OrderTimeout is how long a pending order waits for payment.
const OrderTimeout = 10 * time.Minute

type OrderID string
type ProductID string

// BuyerID is the chat user id of the buyer.
type BuyerID int64

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusDelivered, OrderStatusExpired, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition can leave s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusExpired || s == OrderStatusCancelled
}

// Self-transitions are field updates: pending->pending attaches the charge,
// paid->paid claims another delivery attempt.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPending, OrderStatusPaid, OrderStatusExpired, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusPaid, OrderStatusDelivered},
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Presentation is what the buyer needs to pay the charge.
type Presentation struct {
	QRCode       string `json:"qr_code,omitempty"`
	QRCodeBase64 string `json:"qr_code_base64,omitempty"`
	PaymentURL   string `json:"payment_url,omitempty"`
}

type Payer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IDType    string `json:"id_type"`
	IDNumber  string `json:"id_number"`
}

type Order struct {
	ID          OrderID   `json:"id"`
	BuyerID     BuyerID   `json:"buyer_id"`
	BuyerName   string    `json:"buyer_name"`
	ProductID   ProductID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Quantity    int32     `json:"quantity"`
	UnitPrice   int64     `json:"unit_price"`  // minor units
	TotalPrice  int64     `json:"total_price"` // minor units

	Status           OrderStatus  `json:"status"`
	ChargeID         string       `json:"charge_id,omitempty"`
	Presentation     Presentation `json:"presentation"`
	Payer            *Payer       `json:"payer,omitempty"`
	DeliveryAttempts int          `json:"delivery_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func (o *Order) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Transition describes a guarded state change. Zero-valued fields are left untouched.
type Transition struct {
	Status       OrderStatus
	ChargeID     string
	Presentation *Presentation
	PaidAt       *time.Time
	DeliveredAt  *time.Time
	// DeliveryAttempt > 0 sets delivery_attempts to this value and requires
	// the stored value to be DeliveryAttempt-1.
	DeliveryAttempt int
	At              time.Time
}

// Apply copies t onto o. Callers check the guard first.
func (t Transition) Apply(o *Order) {
	o.Status = t.Status
	if t.ChargeID != "" {
		o.ChargeID = t.ChargeID
	}
	if t.Presentation != nil {
		o.Presentation = *t.Presentation
	}
	if t.PaidAt != nil && o.PaidAt == nil {
		paid := *t.PaidAt
		o.PaidAt = &paid
	}
	if t.DeliveredAt != nil && o.DeliveredAt == nil {
		delivered := *t.DeliveredAt
		o.DeliveredAt = &delivered
	}
	if t.DeliveryAttempt > 0 {
		o.DeliveryAttempts = t.DeliveryAttempt
	}
	if !t.At.IsZero() {
		o.UpdatedAt = t.At
	}
}

// Product is the catalog view the engine needs.
type Product struct {
	ID              ProductID
	Name            string
	Price           int64 // minor units
	Active          bool
	DeliveryPayload string
}
