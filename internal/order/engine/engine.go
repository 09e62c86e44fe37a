// Package engine owns the order lifecycle: create a purchase intent, attach
// a PIX charge and reconcile it to a terminal state. Every state change is a
// guarded store write, so concurrent callers never apply the same
// transition twice and the buyer is notified at most once per attempt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nazeru/pix-sales-go/internal/order/catalog"
	"github.com/nazeru/pix-sales-go/internal/order/delivery"
	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/internal/order/gateway"
	"github.com/nazeru/pix-sales-go/internal/order/store"
	"github.com/nazeru/pix-sales-go/pkg/idempotency"
	"github.com/nazeru/pix-sales-go/pkg/logging"
	"github.com/nazeru/pix-sales-go/pkg/metrics"
)

const service = "order-engine"

// MaxDeliveryAttempts bounds automatic plus admin-triggered deliveries.
const MaxDeliveryAttempts = 3

// Writes and deliveries that follow a committed step run detached from the
// caller's context, bounded by these timeouts.
const (
	writeTimeout    = 5 * time.Second
	deliveryTimeout = 30 * time.Second
)

const (
	BuyerOrdersLimit = 100
	StatusListLimit  = 50
	AllOrdersLimit   = 50
)

// PayerConfig fills the payer block the gateway requires. Chat buyers have
// no e-mail or tax id, so both are synthesized.
type PayerConfig struct {
	EmailDomain string
	IDType      string
	IDNumber    string
}

func DefaultPayerConfig() PayerConfig {
	return PayerConfig{EmailDomain: "telegram.com", IDType: "CPF", IDNumber: "00000000000"}
}

type Deps struct {
	Store    store.Store
	Catalog  catalog.Catalog
	Gateway  gateway.Gateway
	Notifier delivery.Notifier
	Metrics  *metrics.EngineMetrics
	Payer    PayerConfig
	Clock    func() time.Time
	NewID    func() string
}

type Engine struct {
	store    store.Store
	catalog  catalog.Catalog
	gateway  gateway.Gateway
	notifier delivery.Notifier
	metrics  *metrics.EngineMetrics
	payer    PayerConfig
	clock    func() time.Time
	newID    func() string
}

func New(d Deps) *Engine {
	e := &Engine{
		store:    d.Store,
		catalog:  d.Catalog,
		gateway:  d.Gateway,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		payer:    d.Payer,
		clock:    d.Clock,
		newID:    d.NewID,
	}
	if e.metrics == nil {
		e.metrics = metrics.NewEngineMetrics(prometheus.NewRegistry())
	}
	if e.payer == (PayerConfig{}) {
		e.payer = DefaultPayerConfig()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

type CreateOrderInput struct {
	BuyerID   domain.BuyerID
	BuyerName string
	ProductID domain.ProductID
	Quantity  int32 // 0 means 1
}

// Outcome is the result of a reconcile or redelivery. Transitioned is true
// only for the caller whose guarded write changed the order.
type Outcome struct {
	Order        *domain.Order
	Transitioned bool
	// DeliveryErr wraps domain.ErrDeliveryFailed when the order was paid but
	// the asset could not be handed over. The order stays paid.
	DeliveryErr error
	// Throttled is set when the check was rate limited and Order is the
	// stored state, not a fresh gateway read.
	Throttled bool
}

// CreateOrder persists a pending order and attaches a fresh PIX charge.
func (e *Engine) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	qty := in.Quantity
	if qty == 0 {
		qty = 1
	}
	if qty < 0 {
		return nil, domain.ErrInvalidQuantity
	}

	product, err := e.catalog.Lookup(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, domain.ErrProductInactive
	}
	if product.Price <= 0 || int64(qty) > math.MaxInt64/product.Price {
		return nil, fmt.Errorf("%w: total price overflows", domain.ErrInvalidQuantity)
	}

	now := e.clock()
	existing, err := e.store.GetPendingByBuyerAndProduct(ctx, in.BuyerID, in.ProductID)
	switch {
	case err == nil:
		if !existing.Expired(now) {
			return nil, domain.ErrDuplicatePendingOrder
		}
		// The sweep has not reached it yet; expire it so the new order can take its slot.
		if _, err := e.transition(ctx, existing, domain.Transition{Status: domain.OrderStatusExpired, At: now}); err != nil {
			return nil, err
		}
	case errors.Is(err, domain.ErrOrderNotFound):
	default:
		return nil, err
	}

	o := &domain.Order{
		ID:          domain.OrderID(e.newID()),
		BuyerID:     in.BuyerID,
		BuyerName:   in.BuyerName,
		ProductID:   product.ID,
		ProductName: product.Name,
		Quantity:    qty,
		UnitPrice:   product.Price,
		TotalPrice:  product.Price * int64(qty),
		Status:      domain.OrderStatusPending,
		Payer:       e.payerFor(in.BuyerID, in.BuyerName),
		CreatedAt:   now,
		ExpiresAt:   now.Add(domain.OrderTimeout),
		UpdatedAt:   now,
	}
	if err := e.store.Insert(ctx, o); err != nil {
		return nil, err
	}
	logging.Log(logging.Fields{Service: service, OrderID: string(o.ID), BuyerID: int64(o.BuyerID), Step: "create", Status: string(o.Status)})

	// The order exists now. Cancelling it or attaching its charge must not
	// depend on the caller still waiting.
	wctx, cancel := detach(ctx, writeTimeout)
	defer cancel()

	start := time.Now()
	charge, err := e.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		Amount:           o.TotalPrice,
		Description:      product.Name,
		Payer:            *o.Payer,
		Reference:        string(o.ID),
		ExpiresAt:        o.ExpiresAt,
		IdempotencyToken: idempotency.NewToken(),
	})
	e.metrics.ObserveGateway("create_charge", err, start)
	if err != nil {
		logging.Err(logging.Fields{Service: service, OrderID: string(o.ID), Step: "create_charge", Status: "failed", DurationMS: logging.Since(start)}, err)
		if _, cerr := e.transition(wctx, o, domain.Transition{Status: domain.OrderStatusCancelled, At: e.clock()}); cerr != nil {
			logging.Err(logging.Fields{Service: service, OrderID: string(o.ID), Step: "cancel"}, cerr)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrPaymentInitiationFailed, err)
	}

	presentation := charge.Presentation()
	ok, err := e.transition(wctx, o, domain.Transition{
		Status:       domain.OrderStatusPending,
		ChargeID:     charge.ID,
		Presentation: &presentation,
		At:           e.clock(),
	})
	if err != nil {
		return nil, fmt.Errorf("attach charge %s: %w", charge.ID, err)
	}
	if !ok {
		return e.store.GetByID(wctx, o.ID)
	}
	return o, nil
}

// Reconcile brings a pending order up to date with the gateway. It is safe
// to call from any number of goroutines at once.
func (e *Engine) Reconcile(ctx context.Context, id domain.OrderID) (Outcome, error) {
	o, err := e.store.GetByID(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if o.Status != domain.OrderStatusPending {
		return Outcome{Order: o}, nil
	}

	now := e.clock()
	if o.Expired(now) {
		return e.settle(ctx, o, domain.Transition{Status: domain.OrderStatusExpired, At: now})
	}
	if o.ChargeID == "" {
		return Outcome{Order: o}, nil
	}

	start := time.Now()
	status, err := e.gateway.GetChargeStatus(ctx, o.ChargeID)
	e.metrics.ObserveGateway("get_status", err, start)
	if err != nil {
		logging.Err(logging.Fields{Service: service, OrderID: string(o.ID), ChargeID: o.ChargeID, Step: "get_status", DurationMS: logging.Since(start)}, err)
		return Outcome{Order: o}, nil
	}

	switch status {
	case gateway.StatusApproved:
		now = e.clock()
		out, err := e.settle(ctx, o, domain.Transition{
			Status:          domain.OrderStatusPaid,
			PaidAt:          &now,
			DeliveryAttempt: 1,
			At:              now,
		})
		if err != nil || !out.Transitioned {
			return out, err
		}
		out.DeliveryErr, err = e.deliver(ctx, out.Order)
		return out, err
	case gateway.StatusRejected, gateway.StatusCancelled:
		return e.settle(ctx, o, domain.Transition{Status: domain.OrderStatusCancelled, At: e.clock()})
	default:
		return Outcome{Order: o}, nil
	}
}

// Redeliver retries delivery of a paid order. Each attempt is claimed by a
// guarded write so concurrent callers cannot both send.
func (e *Engine) Redeliver(ctx context.Context, id domain.OrderID) (Outcome, error) {
	o, err := e.store.GetByID(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if o.Status != domain.OrderStatusPaid {
		return Outcome{Order: o}, domain.ErrNotRedeliverable
	}
	if o.DeliveryAttempts >= MaxDeliveryAttempts {
		return Outcome{Order: o}, domain.ErrRedeliveryLimit
	}

	out, err := e.settle(ctx, o, domain.Transition{
		Status:          domain.OrderStatusPaid,
		DeliveryAttempt: o.DeliveryAttempts + 1,
		At:              e.clock(),
	})
	if err != nil || !out.Transitioned {
		return out, err
	}
	out.DeliveryErr, err = e.deliver(ctx, out.Order)
	return out, err
}

// ExpireOverdue moves every overdue pending order to expired.
func (e *Engine) ExpireOverdue(ctx context.Context) (int64, error) {
	n, err := e.store.ExpireOverdue(ctx, e.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.metrics.Transitions.WithLabelValues(string(domain.OrderStatusPending), string(domain.OrderStatusExpired)).Add(float64(n))
		e.metrics.SweptOrders.WithLabelValues("expired").Add(float64(n))
		logging.Log(logging.Fields{Service: service, Step: "expire_overdue", Message: fmt.Sprintf("%d orders expired", n)})
	}
	return n, nil
}

func (e *Engine) Get(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return e.store.GetByID(ctx, id)
}

// PendingOrders lists every pending order, newest first.
func (e *Engine) PendingOrders(ctx context.Context) ([]domain.Order, error) {
	return e.store.ListByState(ctx, domain.OrderStatusPending, 0)
}

func (e *Engine) BuyerOrders(ctx context.Context, buyer domain.BuyerID) ([]domain.Order, error) {
	return e.store.ListByBuyer(ctx, buyer, BuyerOrdersLimit)
}

func (e *Engine) OrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return e.store.ListByState(ctx, status, StatusListLimit)
}

func (e *Engine) AllOrders(ctx context.Context) ([]domain.Order, error) {
	return e.store.ListAll(ctx, AllOrdersLimit)
}

// transition applies t to o when the stored status still equals o.Status.
func (e *Engine) transition(ctx context.Context, o *domain.Order, t domain.Transition) (bool, error) {
	from := o.Status
	ok, err := e.store.UpdateState(ctx, o.ID, from, t)
	if err != nil {
		return false, fmt.Errorf("%s -> %s: %w", from, t.Status, err)
	}
	if !ok {
		logging.Log(logging.Fields{Service: service, OrderID: string(o.ID), Step: "transition", Status: "lost_race", Message: fmt.Sprintf("%s -> %s", from, t.Status)})
		return false, nil
	}
	t.Apply(o)
	e.metrics.Transitions.WithLabelValues(string(from), string(t.Status)).Inc()
	logging.Log(logging.Fields{Service: service, OrderID: string(o.ID), BuyerID: int64(o.BuyerID), ChargeID: o.ChargeID, Step: "transition", Status: string(t.Status)})
	return true, nil
}

// settle is transition plus a reload when another caller got there first.
func (e *Engine) settle(ctx context.Context, o *domain.Order, t domain.Transition) (Outcome, error) {
	ok, err := e.transition(ctx, o, t)
	if err != nil {
		return Outcome{Order: o}, err
	}
	if ok {
		return Outcome{Order: o, Transitioned: true}, nil
	}
	cur, err := e.store.GetByID(ctx, o.ID)
	if err != nil {
		return Outcome{Order: o}, err
	}
	return Outcome{Order: cur}, nil
}

// deliver hands the asset over for the attempt already claimed on o and
// marks the order delivered. deliveryErr is set when the buyer may not have
// received it; err is reserved for store failures.
func (e *Engine) deliver(ctx context.Context, o *domain.Order) (deliveryErr, err error) {
	// The attempt is claimed; its result is recorded even if the caller left.
	ctx, cancel := detach(ctx, deliveryTimeout)
	defer cancel()

	product, err := e.catalog.Lookup(ctx, o.ProductID)
	if err != nil {
		e.metrics.Deliveries.WithLabelValues("failed").Inc()
		logging.Err(logging.Fields{Service: service, OrderID: string(o.ID), Step: "deliver", Status: "no_payload"}, err)
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err), nil
	}

	d := delivery.Delivery{
		OrderID:     o.ID,
		BuyerID:     o.BuyerID,
		Attempt:     o.DeliveryAttempts,
		ProductName: o.ProductName,
		TotalPrice:  o.TotalPrice,
		Payload:     product.DeliveryPayload,
	}
	start := time.Now()
	if err := e.notify(ctx, d); err != nil {
		e.metrics.Deliveries.WithLabelValues("failed").Inc()
		logging.Err(logging.Fields{Service: service, OrderID: string(o.ID), BuyerID: int64(o.BuyerID), Step: "deliver", Status: "failed", DurationMS: logging.Since(start)}, err)
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err), nil
	}
	e.metrics.Deliveries.WithLabelValues("ok").Inc()

	now := e.clock()
	ok, err := e.transition(ctx, o, domain.Transition{Status: domain.OrderStatusDelivered, DeliveredAt: &now, At: now})
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := e.store.GetByID(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		*o = *cur
	}
	return nil, nil
}

func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (e *Engine) notify(ctx context.Context, d delivery.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return e.notifier.Deliver(ctx, d)
}

func (e *Engine) payerFor(buyer domain.BuyerID, name string) *domain.Payer {
	first, last := name, ""
	if parts := strings.Fields(name); len(parts) > 0 {
		first, last = parts[0], strings.Join(parts[1:], " ")
	}
	return &domain.Payer{
		Email:     fmt.Sprintf("user_%d@%s", buyer, e.payer.EmailDomain),
		FirstName: first,
		LastName:  last,
		IDType:    e.payer.IDType,
		IDNumber:  e.payer.IDNumber,
	}
}
