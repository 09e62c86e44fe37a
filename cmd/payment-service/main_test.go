package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/internal/order/gateway"
)

func newEmulatorServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newEmulator(gateway.NewSandbox(0, nil), token, nil).routes())
	t.Cleanup(srv.Close)
	return srv
}

func settle(t *testing.T, srv *httptest.Server, id, status string) int {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/payments/"+id+"/settle", "application/json", bytes.NewBufferString(`{"status":"`+status+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestMercadoPagoClientAgainstEmulator(t *testing.T) {
	ctx := context.Background()
	srv := newEmulatorServer(t, "TEST-token")
	mp := gateway.NewMercadoPago(srv.URL, "TEST-token", time.Second)

	req := gateway.ChargeRequest{
		Amount:           2990,
		Description:      "Go e-book",
		Payer:            domain.Payer{Email: "user_42@telegram.com"},
		Reference:        "order-1",
		ExpiresAt:        time.Now().Add(domain.OrderTimeout),
		IdempotencyToken: "tok-1",
	}
	charge, err := mp.CreateCharge(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, charge.QRCode)
	assert.NotEmpty(t, charge.QRCodeBase64)

	replay, err := mp.CreateCharge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, charge.ID, replay.ID)

	req.IdempotencyToken = "tok-2"
	other, err := mp.CreateCharge(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, charge.ID, other.ID)

	status, err := mp.GetChargeStatus(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusPending, status)

	assert.Equal(t, http.StatusOK, settle(t, srv, charge.ID, "approved"))
	status, err = mp.GetChargeStatus(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusApproved, status)

	assert.Equal(t, http.StatusOK, settle(t, srv, other.ID, "rejected"))
	status, err = mp.GetChargeStatus(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusRejected, status)
}

func TestEmulatorRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	srv := newEmulatorServer(t, "TEST-token")

	_, err := gateway.NewMercadoPago(srv.URL, "wrong", time.Second).CreateCharge(ctx, gateway.ChargeRequest{Amount: 100})
	assert.ErrorIs(t, err, gateway.ErrRejected)

	_, err = gateway.NewMercadoPago(srv.URL, "TEST-token", time.Second).CreateCharge(ctx, gateway.ChargeRequest{Amount: 0})
	assert.ErrorIs(t, err, gateway.ErrRejected)

	_, err = gateway.NewMercadoPago(srv.URL, "TEST-token", time.Second).GetChargeStatus(ctx, "999")
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	assert.Equal(t, http.StatusNotFound, settle(t, srv, "999", "approved"))
}
