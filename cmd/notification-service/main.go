package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/nazeru/pix-sales-go/internal/config"
	"github.com/nazeru/pix-sales-go/internal/order/delivery"
	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/pkg/contracts"
	"github.com/nazeru/pix-sales-go/pkg/kafka"
	"github.com/nazeru/pix-sales-go/pkg/logging"
	"github.com/nazeru/pix-sales-go/pkg/metrics"
)

const service = "notification-service"

func main() {
	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.ValidateNotification(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	srvMetrics := metrics.NewServerMetrics(reg, "notifications")
	handled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixsales",
		Subsystem: "notifications",
		Name:      "deliveries_total",
		Help:      "Delivery events handled, by result.",
	}, []string{"result"})
	reg.MustRegister(handled)

	c := &consumer{
		inbox:    pgInbox{Pool: pool},
		notifier: delivery.NewTelegram(cfg.TelegramBaseURL, cfg.TelegramToken, cfg.GatewayTimeout),
		handled:  handled,
	}
	reader := kafka.NewClient(cfg.KafkaBrokers).NewReader(cfg.KafkaDeliveryTopic, cfg.KafkaGroupID)
	defer reader.Close()
	go c.run(ctx, reader)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			srvMetrics.Observe("health", http.StatusServiceUnavailable, start)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		srvMetrics.Observe("health", http.StatusOK, start)
	})
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("notification-service listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// inbox makes each delivery event act at most once.
type inbox interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, evt contracts.DeliveryEvent, status, errText string) error
}

type consumer struct {
	inbox    inbox
	notifier delivery.Notifier
	handled  *prometheus.CounterVec
}

func (c *consumer) run(ctx context.Context, r messageReader) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Err(logging.Fields{Service: service, Step: "kafka_read"}, err)
			time.Sleep(2 * time.Second)
			continue
		}
		if err := c.handle(ctx, msg.Value); err != nil {
			// Inbox unavailable: leave the offset so the event is redelivered.
			logging.Err(logging.Fields{Service: service, Step: "handle", Status: "retry"}, err)
			time.Sleep(2 * time.Second)
			continue
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logging.Err(logging.Fields{Service: service, Step: "kafka_commit"}, err)
		}
	}
}

// handle returns an error only when the event must be read again.
func (c *consumer) handle(ctx context.Context, data []byte) error {
	var evt contracts.DeliveryEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		c.handled.WithLabelValues("malformed").Inc()
		logging.Err(logging.Fields{Service: service, Step: "decode", Status: "skipped"}, err)
		return nil
	}
	if evt.EventID == "" || evt.Type != contracts.EventDeliveryRequested {
		c.handled.WithLabelValues("ignored").Inc()
		return nil
	}

	fresh, err := c.inbox.Claim(ctx, evt.EventID)
	if err != nil {
		return fmt.Errorf("claim %s: %w", evt.EventID, err)
	}
	if !fresh {
		c.handled.WithLabelValues("duplicate").Inc()
		logging.Log(logging.Fields{Service: service, OrderID: evt.OrderID, EventID: evt.EventID, Step: "deliver", Status: "duplicate"})
		return nil
	}

	status, errText := "sent", ""
	if err := c.notifier.Deliver(ctx, delivery.Delivery{
		OrderID:     domain.OrderID(evt.OrderID),
		BuyerID:     domain.BuyerID(evt.BuyerID),
		Attempt:     evt.Attempt,
		ProductName: evt.ProductName,
		TotalPrice:  evt.TotalPrice,
		Payload:     evt.Payload,
	}); err != nil {
		status, errText = "failed", err.Error()
		logging.Err(logging.Fields{Service: service, OrderID: evt.OrderID, BuyerID: evt.BuyerID, EventID: evt.EventID, Step: "deliver", Status: status}, err)
	} else {
		logging.Log(logging.Fields{Service: service, OrderID: evt.OrderID, BuyerID: evt.BuyerID, EventID: evt.EventID, Step: "deliver", Status: status})
	}
	c.handled.WithLabelValues(status).Inc()

	if err := c.inbox.Record(ctx, evt, status, errText); err != nil {
		logging.Err(logging.Fields{Service: service, EventID: evt.EventID, Step: "record"}, err)
	}
	return nil
}

type pgInbox struct {
	Pool *pgxpool.Pool
}

func (p pgInbox) Claim(ctx context.Context, eventID string) (bool, error) {
	tag, err := p.Pool.Exec(ctx, `INSERT INTO inbox(event_id, received_at)
		VALUES ($1, now()) ON CONFLICT (event_id) DO NOTHING`, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p pgInbox) Record(ctx context.Context, evt contracts.DeliveryEvent, status, errText string) error {
	_, err := p.Pool.Exec(ctx, `INSERT INTO deliveries(event_id, order_id, buyer_id, status, error)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.OrderID, evt.BuyerID, status, errText)
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
