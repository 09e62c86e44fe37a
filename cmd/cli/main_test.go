package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/pix-sales-go/internal/httpapi"
	"github.com/nazeru/pix-sales-go/internal/order/catalog"
	"github.com/nazeru/pix-sales-go/internal/order/delivery"
	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/internal/order/engine"
	"github.com/nazeru/pix-sales-go/internal/order/gateway"
	"github.com/nazeru/pix-sales-go/internal/order/reconciler"
	"github.com/nazeru/pix-sales-go/internal/order/store"
)

const secret = "ops-secret"

// newConsole starts an order-service with one paid order whose first
// delivery failed.
func newConsole(t *testing.T) (model, *engine.Engine, domain.OrderID) {
	t.Helper()
	sandbox := gateway.NewSandbox(0, nil)
	var calls atomic.Int32
	e := engine.New(engine.Deps{
		Store:   store.NewMemory(),
		Catalog: catalog.NewMemory(domain.Product{ID: "ebook", Name: "Go e-book", Price: 2990, Active: true, DeliveryPayload: "https://files.example/go.pdf"}),
		Gateway: sandbox,
		Notifier: delivery.Func(func(context.Context, delivery.Delivery) error {
			if calls.Add(1) == 1 {
				return errors.New("chat unreachable")
			}
			return nil
		}),
	})
	driver := reconciler.New(e, reconciler.Options{})
	t.Cleanup(driver.Stop)
	srv := httptest.NewServer(httpapi.New(httpapi.Options{Orders: e, Checker: driver, AdminSecret: secret}).Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	o, err := e.CreateOrder(ctx, engine.CreateOrderInput{BuyerID: 7, BuyerName: "Ana Souza", ProductID: "ebook"})
	require.NoError(t, err)
	require.NoError(t, sandbox.Settle(o.ChargeID, gateway.StatusApproved))
	out, err := e.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	require.Error(t, out.DeliveryErr)

	return initialModel(&adminClient{baseURL: srv.URL, secret: secret}), e, o.ID
}

// step feeds msg to m and runs the returned command once.
func step(t *testing.T, m model, msg tea.Msg) (model, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(msg)
	if cmd == nil {
		return next.(model), nil
	}
	return next.(model), cmd()
}

func TestConsoleFiltersAndRedelivers(t *testing.T) {
	m, e, id := newConsole(t)

	m, _ = step(t, m, m.Init()())
	require.Len(t, m.orders, 1)
	assert.Equal(t, "1 orders", m.status)

	// all -> pending -> paid
	m, msg := step(t, m, tea.KeyMsg{Type: tea.KeyRight})
	m, _ = step(t, m, msg)
	assert.Empty(t, m.orders)
	m, msg = step(t, m, tea.KeyMsg{Type: tea.KeyRight})
	m, _ = step(t, m, msg)
	require.Len(t, m.orders, 1)
	assert.Equal(t, "paid", filters[m.filter])
	assert.Contains(t, m.View(), "[paid]")

	m, msg = step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.True(t, m.busy)
	require.IsType(t, redelivered{}, msg)
	m, msg = step(t, m, msg)
	assert.Equal(t, "Order "+string(id)+" is delivered", m.status)
	m, _ = step(t, m, msg)
	assert.Empty(t, m.orders)

	o, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, o.Status)
	assert.Equal(t, 2, o.DeliveryAttempts)
}

func TestConsoleRefusesNonPaidRedelivery(t *testing.T) {
	m, _, _ := newConsole(t)
	m.orders = []domain.Order{{ID: "o-1", Status: domain.OrderStatusExpired}}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Contains(t, next.(model).status, "only paid orders")
}

func TestConsoleFilterWrapsLeft(t *testing.T) {
	m := model{api: &adminClient{baseURL: "http://127.0.0.1:1", secret: secret}}
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyLeft})
	require.NotNil(t, cmd)
	assert.Equal(t, "cancelled", filters[next.(model).filter])
}

func TestAdminClientRejectedWithWrongSecret(t *testing.T) {
	m, _, _ := newConsole(t)
	api := &adminClient{baseURL: m.api.baseURL, secret: "wrong"}
	_, err := api.List(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
