package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/pix-sales-go/internal/order/delivery"
	"github.com/nazeru/pix-sales-go/pkg/contracts"
)

type memInbox struct {
	mu       sync.Mutex
	seen     map[string]bool
	recorded map[string]string
	claimErr error
}

func newMemInbox() *memInbox {
	return &memInbox{seen: map[string]bool{}, recorded: map[string]string{}}
}

func (m *memInbox) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

func (m *memInbox) Record(_ context.Context, evt contracts.DeliveryEvent, status, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded[evt.EventID] = status
	return nil
}

func newConsumer(n delivery.Notifier) (*consumer, *memInbox) {
	in := newMemInbox()
	return &consumer{
		inbox:    in,
		notifier: n,
		handled:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "handled"}, []string{"result"}),
	}, in
}

func event(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(contracts.DeliveryEvent{
		EventID:     "order-1:delivery:1",
		Type:        contracts.EventDeliveryRequested,
		OrderID:     "order-1",
		BuyerID:     42,
		Attempt:     1,
		ProductName: "Go e-book",
		TotalPrice:  2990,
		Payload:     "https://files.example/go.pdf",
	})
	require.NoError(t, err)
	return data
}

func TestHandleDeliversOncePerEvent(t *testing.T) {
	var got []delivery.Delivery
	c, in := newConsumer(delivery.Func(func(_ context.Context, d delivery.Delivery) error {
		got = append(got, d)
		return nil
	}))

	require.NoError(t, c.handle(context.Background(), event(t)))
	require.NoError(t, c.handle(context.Background(), event(t)))

	require.Len(t, got, 1)
	assert.Equal(t, "https://files.example/go.pdf", got[0].Payload)
	assert.Equal(t, "sent", in.recorded["order-1:delivery:1"])
	assert.Equal(t, float64(1), testutil.ToFloat64(c.handled.WithLabelValues("duplicate")))
}

func TestHandleRecordsFailedSend(t *testing.T) {
	c, in := newConsumer(delivery.Func(func(context.Context, delivery.Delivery) error {
		return errors.New("bot was blocked by the user")
	}))

	require.NoError(t, c.handle(context.Background(), event(t)))
	assert.Equal(t, "failed", in.recorded["order-1:delivery:1"])
}

func TestHandleSkipsMalformedAndForeignEvents(t *testing.T) {
	calls := 0
	c, _ := newConsumer(delivery.Func(func(context.Context, delivery.Delivery) error {
		calls++
		return nil
	}))

	assert.NoError(t, c.handle(context.Background(), []byte("{not json")))
	assert.NoError(t, c.handle(context.Background(), []byte(`{"event_id":"x","type":"order.paid"}`)))
	assert.Zero(t, calls)
}

func TestHandleRetriesWhenInboxUnavailable(t *testing.T) {
	c, in := newConsumer(delivery.Func(func(context.Context, delivery.Delivery) error { return nil }))
	in.claimErr = errors.New("connection refused")

	assert.Error(t, c.handle(context.Background(), event(t)))
}
