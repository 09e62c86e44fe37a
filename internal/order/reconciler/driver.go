// Package reconciler drives Engine.Reconcile from its three triggers: the
// periodic sweep, the buyer's "check now" request and a one-shot follow-up
// shortly after an order is created.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/internal/order/engine"
	"github.com/nazeru/pix-sales-go/pkg/logging"
	"github.com/nazeru/pix-sales-go/pkg/metrics"
)

const service = "reconciler"

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultFollowUpDelay = 30 * time.Second
	// followUpTimeout bounds one deferred reconcile.
	followUpTimeout = 30 * time.Second
)

type Engine interface {
	Reconcile(ctx context.Context, id domain.OrderID) (engine.Outcome, error)
	ExpireOverdue(ctx context.Context) (int64, error)
	PendingOrders(ctx context.Context) ([]domain.Order, error)
	Get(ctx context.Context, id domain.OrderID) (*domain.Order, error)
}

type Options struct {
	SweepInterval time.Duration
	FollowUpDelay time.Duration
	// Throttle limits CheckNow per order. Nil disables throttling.
	Throttle Throttle
	Metrics  *metrics.EngineMetrics
}

type Driver struct {
	engine        Engine
	sweepInterval time.Duration
	followUpDelay time.Duration
	throttle      Throttle
	metrics       *metrics.EngineMetrics

	mu      sync.Mutex
	timers  map[domain.OrderID]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func New(e Engine, opts Options) *Driver {
	d := &Driver{
		engine:        e,
		sweepInterval: opts.SweepInterval,
		followUpDelay: opts.FollowUpDelay,
		throttle:      opts.Throttle,
		metrics:       opts.Metrics,
		timers:        make(map[domain.OrderID]*time.Timer),
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = DefaultSweepInterval
	}
	if d.followUpDelay <= 0 {
		d.followUpDelay = DefaultFollowUpDelay
	}
	if d.metrics == nil {
		d.metrics = metrics.NewEngineMetrics(prometheus.NewRegistry())
	}
	return d
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired     int64
	Checked     int
	Transitions map[domain.OrderStatus]int
	Errors      int
}

// Run sweeps every SweepInterval until ctx is done, then cancels pending
// follow-ups and waits for running ones.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	defer d.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
			logging.Err(logging.Fields{Service: service, Step: "sweep", Status: "error"}, err)
		}
	}
}

// Sweep expires overdue orders in bulk, then reconciles every order that is
// still pending. A failure on one order does not stop the sweep.
func (d *Driver) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	res := SweepResult{Transitions: make(map[domain.OrderStatus]int)}
	defer func() { d.metrics.SweepDurationMS.Observe(float64(time.Since(start).Milliseconds())) }()

	n, err := d.engine.ExpireOverdue(ctx)
	if err != nil {
		return res, err
	}
	res.Expired = n

	pending, err := d.engine.PendingOrders(ctx)
	if err != nil {
		return res, err
	}
	for _, o := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		out, err := d.engine.Reconcile(ctx, o.ID)
		if err != nil {
			res.Errors++
			d.metrics.SweptOrders.WithLabelValues("error").Inc()
			logging.Err(logging.Fields{Service: service, OrderID: string(o.ID), Step: "sweep"}, err)
			continue
		}
		d.record("sweep", out)
		if out.Transitioned {
			res.Transitions[out.Order.Status]++
			d.metrics.SweptOrders.WithLabelValues(string(out.Order.Status)).Inc()
		} else {
			d.metrics.SweptOrders.WithLabelValues("unchanged").Inc()
		}
	}

	logging.Log(logging.Fields{
		Service:    service,
		Step:       "sweep",
		Status:     "done",
		DurationMS: logging.Since(start),
		Message:    sweepSummary(res),
	})
	return res, nil
}

// CheckNow reconciles on the buyer's request. Throttled requests return the
// stored order with Throttled set, without asking the gateway.
func (d *Driver) CheckNow(ctx context.Context, id domain.OrderID) (engine.Outcome, error) {
	if d.throttle != nil {
		allowed, err := d.throttle.Allow(ctx, id)
		if err != nil {
			logging.Err(logging.Fields{Service: service, OrderID: string(id), Step: "throttle"}, err)
			allowed = true
		}
		if !allowed {
			o, err := d.engine.Get(ctx, id)
			if err != nil {
				return engine.Outcome{}, err
			}
			return engine.Outcome{Order: o, Throttled: true}, nil
		}
	}
	out, err := d.engine.Reconcile(ctx, id)
	if err != nil {
		return out, err
	}
	d.record("check_now", out)
	return out, nil
}

// ScheduleFollowUp reconciles id once after FollowUpDelay. Scheduling the
// same order again replaces the earlier timer.
func (d *Driver) ScheduleFollowUp(id domain.OrderID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[id]; ok && t.Stop() {
		d.wg.Done()
	}
	d.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(d.followUpDelay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if d.timers[id] == timer {
			delete(d.timers, id)
		}
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), followUpTimeout)
		defer cancel()
		out, err := d.engine.Reconcile(ctx, id)
		if err != nil {
			logging.Err(logging.Fields{Service: service, OrderID: string(id), Step: "follow_up"}, err)
			return
		}
		d.record("follow_up", out)
	})
	d.timers[id] = timer
}

// Stop cancels follow-ups that have not fired and waits for running ones.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.stopped = true
	for id, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Driver) pendingFollowUps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *Driver) record(trigger string, out engine.Outcome) {
	if !out.Transitioned || out.Order == nil {
		return
	}
	f := logging.Fields{
		Service:  service,
		OrderID:  string(out.Order.ID),
		BuyerID:  int64(out.Order.BuyerID),
		ChargeID: out.Order.ChargeID,
		Step:     trigger,
		Status:   string(out.Order.Status),
	}
	if out.DeliveryErr != nil {
		logging.Err(f, out.DeliveryErr)
		return
	}
	logging.Log(f)
}

func sweepSummary(r SweepResult) string {
	return fmt.Sprintf("expired=%d checked=%d paid=%d delivered=%d cancelled=%d errors=%d",
		r.Expired+int64(r.Transitions[domain.OrderStatusExpired]), r.Checked,
		r.Transitions[domain.OrderStatusPaid], r.Transitions[domain.OrderStatusDelivered],
		r.Transitions[domain.OrderStatusCancelled], r.Errors)
}
