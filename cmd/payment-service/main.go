// payment-service emulates the PIX provider's /v1/payments API on top of
// gateway.Sandbox, so order-service can run with GATEWAY=mercadopago against
// a local endpoint.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/nazeru/pix-sales-go/internal/config"
	"github.com/nazeru/pix-sales-go/internal/order/gateway"
	"github.com/nazeru/pix-sales-go/pkg/idempotency"
	"github.com/nazeru/pix-sales-go/pkg/logging"
	"github.com/nazeru/pix-sales-go/pkg/metrics"
)

const service = "payment-service"

func main() {
	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	reg := prometheus.NewRegistry()
	em := newEmulator(gateway.NewSandbox(cfg.SandboxApproveAfter, nil), cfg.MercadoPagoAccessToken, metrics.NewServerMetrics(reg, "payments"))
	mux := em.routes()
	mux.Handle("GET /metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("payment-service listening on :%s", cfg.Port)
	log.Fatal(srv.ListenAndServe())
}

type paymentRequest struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	PaymentMethodID   string      `json:"payment_method_id"`
	Description       string      `json:"description"`
	ExternalReference string      `json:"external_reference"`
	DateOfExpiration  string      `json:"date_of_expiration"`
	Payer             struct {
		Email string `json:"email"`
	} `json:"payer"`
}

type transactionData struct {
	QRCode       string `json:"qr_code"`
	QRCodeBase64 string `json:"qr_code_base64"`
	TicketURL    string `json:"ticket_url"`
}

type paymentResponse struct {
	ID                 int64  `json:"id"`
	Status             string `json:"status"`
	ExternalReference  string `json:"external_reference,omitempty"`
	PointOfInteraction struct {
		TransactionData transactionData `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// emulator maps the provider's numeric payment ids onto sandbox charges.
type emulator struct {
	sandbox *gateway.Sandbox
	token   string
	metrics *metrics.ServerMetrics

	mu       sync.Mutex
	nextID   int64
	byID     map[int64]string
	byCharge map[string]int64
}

func newEmulator(sb *gateway.Sandbox, token string, m *metrics.ServerMetrics) *emulator {
	if m == nil {
		m = metrics.NewServerMetrics(prometheus.NewRegistry(), "payments")
	}
	return &emulator{
		sandbox:  sb,
		token:    token,
		metrics:  m,
		nextID:   1000000,
		byID:     make(map[int64]string),
		byCharge: make(map[string]int64),
	}
}

func (e *emulator) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/payments", e.observe("create_payment", e.authorized(e.createPayment)))
	mux.HandleFunc("GET /v1/payments/{id}", e.observe("get_payment", e.authorized(e.getPayment)))
	mux.HandleFunc("POST /v1/payments/{id}/settle", e.observe("settle_payment", e.settlePayment))
	return mux
}

func (e *emulator) observe(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		e.metrics.Observe(name, rec.status, start)
	}
}

func (e *emulator) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.token != "" && r.Header.Get("Authorization") != "Bearer "+e.token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "invalid access token", "error": "unauthorized"})
			return
		}
		h(w, r)
	}
}

func (e *emulator) createPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid json", "error": "bad_request"})
		return
	}
	if req.PaymentMethodID != "pix" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "only pix is supported", "error": "bad_request"})
		return
	}
	amount, err := decimal.NewFromString(req.TransactionAmount.String())
	if err != nil || !amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "transaction_amount must be positive", "error": "bad_request"})
		return
	}

	charge, err := e.sandbox.CreateCharge(r.Context(), gateway.ChargeRequest{
		Amount:           amount.Shift(2).IntPart(),
		Description:      req.Description,
		Reference:        req.ExternalReference,
		IdempotencyToken: idempotency.Key(r),
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error(), "error": "bad_request"})
		return
	}

	id := e.paymentID(charge.ID)
	logging.Log(logging.Fields{Service: service, OrderID: req.ExternalReference, ChargeID: strconv.FormatInt(id, 10), Step: "create_payment", Status: "pending"})
	resp := paymentResponse{ID: id, Status: "pending", ExternalReference: req.ExternalReference}
	resp.PointOfInteraction.TransactionData = transactionData{QRCode: charge.QRCode, QRCodeBase64: charge.QRCodeBase64, TicketURL: charge.PaymentURL}
	writeJSON(w, http.StatusCreated, resp)
}

func (e *emulator) getPayment(w http.ResponseWriter, r *http.Request) {
	chargeID, ok := e.lookup(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "payment not found", "error": "not_found"})
		return
	}
	status, err := e.sandbox.GetChargeStatus(r.Context(), chargeID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error(), "error": "internal_error"})
		return
	}
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	writeJSON(w, http.StatusOK, paymentResponse{ID: id, Status: string(status)})
}

// settlePayment is emulator-only: it lets a test or an operator decide the
// outcome of a pending payment.
func (e *emulator) settlePayment(w http.ResponseWriter, r *http.Request) {
	chargeID, ok := e.lookup(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "payment not found", "error": "not_found"})
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid json", "error": "bad_request"})
		return
	}
	status := gateway.Status(strings.ToLower(req.Status))
	switch status {
	case gateway.StatusPending, gateway.StatusApproved, gateway.StatusRejected, gateway.StatusCancelled:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "unknown status", "error": "bad_request"})
		return
	}
	if err := e.sandbox.Settle(chargeID, status); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": err.Error(), "error": "not_found"})
		return
	}
	logging.Log(logging.Fields{Service: service, ChargeID: r.PathValue("id"), Step: "settle_payment", Status: string(status)})
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": status})
}

func (e *emulator) paymentID(chargeID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byCharge[chargeID]; ok {
		return id
	}
	e.nextID++
	e.byID[e.nextID] = chargeID
	e.byCharge[chargeID] = e.nextID
	return e.nextID
}

func (e *emulator) lookup(raw string) (string, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	chargeID, ok := e.byID[id]
	return chargeID, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

