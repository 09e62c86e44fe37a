// Package httpapi exposes the order engine over HTTP: buyer-facing order
// routes, admin routes behind an HS256 bearer token, /health and /metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/internal/order/engine"
	"github.com/nazeru/pix-sales-go/internal/order/gateway"
	"github.com/nazeru/pix-sales-go/pkg/logging"
	"github.com/nazeru/pix-sales-go/pkg/metrics"
)

const service = "order-service"

type Orders interface {
	CreateOrder(ctx context.Context, in engine.CreateOrderInput) (*domain.Order, error)
	Get(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	BuyerOrders(ctx context.Context, buyer domain.BuyerID) ([]domain.Order, error)
	OrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
	AllOrders(ctx context.Context) ([]domain.Order, error)
	Redeliver(ctx context.Context, id domain.OrderID) (engine.Outcome, error)
}

type Checker interface {
	CheckNow(ctx context.Context, id domain.OrderID) (engine.Outcome, error)
	ScheduleFollowUp(id domain.OrderID)
}

type Options struct {
	Orders  Orders
	Checker Checker
	// AdminSecret signs admin bearer tokens. Empty disables admin routes.
	AdminSecret    string
	RequestTimeout time.Duration
	Ping           func(ctx context.Context) error
	Metrics        *metrics.ServerMetrics
	Gatherer       prometheus.Gatherer
}

type Server struct {
	orders      Orders
	checker     Checker
	adminSecret []byte
	timeout     time.Duration
	ping        func(ctx context.Context) error
	metrics     *metrics.ServerMetrics
	gatherer    prometheus.Gatherer
}

func New(opts Options) *Server {
	s := &Server{
		orders:      opts.Orders,
		checker:     opts.Checker,
		adminSecret: []byte(opts.AdminSecret),
		timeout:     opts.RequestTimeout,
		ping:        opts.Ping,
		metrics:     opts.Metrics,
		gatherer:    opts.Gatherer,
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	if s.metrics == nil {
		reg := prometheus.NewRegistry()
		s.metrics = metrics.NewServerMetrics(reg, "orders")
		if s.gatherer == nil {
			s.gatherer = reg
		}
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", metrics.Handler(s.gatherer))

	s.handle(mux, "POST /orders", "create_order", s.createOrder)
	s.handle(mux, "GET /orders", "buyer_orders", s.buyerOrders)
	s.handle(mux, "GET /orders/{id}", "get_order", s.getOrder)
	s.handle(mux, "POST /orders/{id}/check", "check_order", s.checkOrder)

	if len(s.adminSecret) > 0 {
		s.handle(mux, "GET /admin/orders", "admin_orders", s.admin(s.listOrders))
		s.handle(mux, "POST /admin/orders/{id}/redeliver", "admin_redeliver", s.admin(s.redeliver))
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))
		s.metrics.Observe(name, rec.status, start)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createOrderRequest struct {
	BuyerID   int64  `json:"buyer_id"`
	BuyerName string `json:"buyer_name"`
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if req.BuyerID == 0 || strings.TrimSpace(req.ProductID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "buyer_id and product_id are required"})
		return
	}

	o, err := s.orders.CreateOrder(r.Context(), engine.CreateOrderInput{
		BuyerID:   domain.BuyerID(req.BuyerID),
		BuyerName: req.BuyerName,
		ProductID: domain.ProductID(req.ProductID),
		Quantity:  req.Quantity,
	})
	if err != nil {
		s.fail(w, "create_order", err)
		return
	}
	if s.checker != nil {
		s.checker.ScheduleFollowUp(o.ID)
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), domain.OrderID(r.PathValue("id")))
	if err != nil {
		s.fail(w, "get_order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type outcomeResponse struct {
	Order         *domain.Order `json:"order"`
	Transitioned  bool          `json:"transitioned"`
	DeliveryError string        `json:"delivery_error,omitempty"`
	Throttled     bool          `json:"throttled,omitempty"`
}

func toOutcome(out engine.Outcome) outcomeResponse {
	resp := outcomeResponse{Order: out.Order, Transitioned: out.Transitioned, Throttled: out.Throttled}
	if out.DeliveryErr != nil {
		resp.DeliveryError = out.DeliveryErr.Error()
	}
	return resp
}

func (s *Server) checkOrder(w http.ResponseWriter, r *http.Request) {
	out, err := s.checker.CheckNow(r.Context(), domain.OrderID(r.PathValue("id")))
	if err != nil {
		s.fail(w, "check_order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(out))
}

func (s *Server) buyerOrders(w http.ResponseWriter, r *http.Request) {
	buyer, err := strconv.ParseInt(r.URL.Query().Get("buyer_id"), 10, 64)
	if err != nil || buyer == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "buyer_id query parameter is required"})
		return
	}
	orders, err := s.orders.BuyerOrders(r.Context(), domain.BuyerID(buyer))
	if err != nil {
		s.fail(w, "buyer_orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": nonNil(orders)})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	var (
		orders []domain.Order
		err    error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		if !domain.OrderStatus(status).Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown status"})
			return
		}
		orders, err = s.orders.OrdersByStatus(r.Context(), domain.OrderStatus(status))
	} else {
		orders, err = s.orders.AllOrders(r.Context())
	}
	if err != nil {
		s.fail(w, "admin_orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": nonNil(orders)})
}

func (s *Server) redeliver(w http.ResponseWriter, r *http.Request) {
	out, err := s.orders.Redeliver(r.Context(), domain.OrderID(r.PathValue("id")))
	if err != nil {
		s.fail(w, "admin_redeliver", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(out))
}

// admin requires a bearer token signed with AdminSecret carrying role=admin.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing auth"})
			return
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.adminSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
			return
		}
		next(w, r)
	}
}

func (s *Server) fail(w http.ResponseWriter, step string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.Err(logging.Fields{Service: service, Step: step, Status: strconv.Itoa(code)}, err)
	}
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrProductInactive),
		errors.Is(err, domain.ErrDuplicatePendingOrder),
		errors.Is(err, domain.ErrNotRedeliverable),
		errors.Is(err, domain.ErrRedeliveryLimit):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPaymentInitiationFailed), errors.Is(err, gateway.ErrUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func nonNil(orders []domain.Order) []domain.Order {
	if orders == nil {
		return []domain.Order{}
	}
	return orders
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
