package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/pkg/idempotency"
)

func newTestMercadoPago(t *testing.T, h http.HandlerFunc) *MercadoPago {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewMercadoPago(srv.URL, "test-token", 2*time.Second)
}

func TestMercadoPagoCreateCharge(t *testing.T) {
	var (
		got       map[string]any
		gotToken  string
		gotBearer string
	)
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payments", r.URL.Path)
		gotToken = r.Header.Get(idempotency.Header)
		gotBearer = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 123456789, "status": "pending",
			"point_of_interaction": {"transaction_data": {"qr_code": "00020126pix", "qr_code_base64": "iVBOR", "ticket_url": "https://mp.example/ticket"}}}`))
	})

	charge, err := mp.CreateCharge(context.Background(), ChargeRequest{
		Amount:           2990,
		Description:      "Compra: Go e-book",
		Reference:        "order-1",
		Payer:            domain.Payer{Email: "user_42@telegram.com", FirstName: "Ana", LastName: "Souza", IDType: "CPF", IDNumber: "00000000000"},
		IdempotencyToken: "tok-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "123456789", charge.ID)
	assert.Equal(t, "00020126pix", charge.QRCode)
	assert.Equal(t, "iVBOR", charge.QRCodeBase64)
	assert.Equal(t, "https://mp.example/ticket", charge.PaymentURL)
	assert.Equal(t, "tok-1", gotToken)
	assert.Equal(t, "Bearer test-token", gotBearer)
	assert.Equal(t, 29.9, got["transaction_amount"])
	assert.Equal(t, "pix", got["payment_method_id"])
	assert.Equal(t, "order-1", got["external_reference"])
	payer := got["payer"].(map[string]any)
	assert.Equal(t, "user_42@telegram.com", payer["email"])
	assert.Equal(t, "CPF", payer["identification"].(map[string]any)["type"])
}

func TestMercadoPagoCreateChargeErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"bad payer", http.StatusBadRequest, `{"message":"invalid payer.email"}`, ErrRejected},
		{"server error", http.StatusBadGateway, `oops`, ErrUnavailable},
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrUnavailable},
		{"no qr code", http.StatusCreated, `{"id": 1, "status": "pending"}`, ErrRejected},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				_, _ = w.Write([]byte(c.body))
			})
			_, err := mp.CreateCharge(context.Background(), ChargeRequest{Amount: 100, IdempotencyToken: "t"})
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestMercadoPagoTimeoutIsUnavailable(t *testing.T) {
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	mp.Client.Timeout = 20 * time.Millisecond

	_, err := mp.CreateCharge(context.Background(), ChargeRequest{Amount: 100})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMercadoPagoGetChargeStatus(t *testing.T) {
	statuses := map[string]Status{
		"approved":     StatusApproved,
		"pending":      StatusPending,
		"in_process":   StatusPending,
		"rejected":     StatusRejected,
		"cancelled":    StatusCancelled,
		"refunded":     StatusCancelled,
		"charged_back": StatusCancelled,
	}
	for remote, want := range statuses {
		mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/payments/77", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 77, "status": remote})
		})
		got, err := mp.GetChargeStatus(context.Background(), "77")
		require.NoError(t, err, remote)
		assert.Equal(t, want, got, remote)
	}
}

func TestMercadoPagoGetChargeStatusFailuresAreUnavailable(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError} {
		mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})
		_, err := mp.GetChargeStatus(context.Background(), "77")
		assert.ErrorIs(t, err, ErrUnavailable, code)
		assert.NotErrorIs(t, err, ErrRejected, code)
	}
}
