package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nazeru/pix-sales-go/internal/config"
	"github.com/nazeru/pix-sales-go/internal/order/catalog"
	"github.com/nazeru/pix-sales-go/internal/order/delivery"
	"github.com/nazeru/pix-sales-go/internal/order/engine"
	"github.com/nazeru/pix-sales-go/internal/order/gateway"
	"github.com/nazeru/pix-sales-go/internal/order/reconciler"
	"github.com/nazeru/pix-sales-go/internal/order/store"
	"github.com/nazeru/pix-sales-go/pkg/kafka"
	"github.com/nazeru/pix-sales-go/pkg/metrics"
	"github.com/nazeru/pix-sales-go/pkg/outbox"
)

// app is every long-lived component, built once at startup.
type app struct {
	engine        *engine.Engine
	driver        *reconciler.Driver
	relay         *outbox.Relay
	registry      *prometheus.Registry
	serverMetrics *metrics.ServerMetrics
	ping          func(ctx context.Context) error
	closers       []func()
}

func (a *app) Close() {
	if a.driver != nil {
		a.driver.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.serverMetrics = metrics.NewServerMetrics(a.registry, "orders")
	engineMetrics := metrics.NewEngineMetrics(a.registry)
	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)

	var (
		orders store.Store
		cat    catalog.Catalog
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.ping = pool.Ping

		eventsTopic := ""
		if kafkaClient.Enabled() {
			eventsTopic = cfg.KafkaEventsTopic
			pub, err := kafkaClient.NewPublisher(cfg.KafkaEventsTopic)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func() { _ = pub.Close() })
			a.relay = &outbox.Relay{
				Store:    outbox.PgStore{Pool: pool},
				Publish:  func(ctx context.Context, rec outbox.Record) error { return pub.PublishRaw(ctx, rec.Key, rec.Payload) },
				Interval: cfg.OutboxInterval,
			}
		}
		orders = store.NewPostgres(pool, eventsTopic)
		cat = catalog.Postgres{Pool: pool}
	case config.BackendSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.ping = s.Ping
		orders = s
		cat = catalog.NewMemory(products(cfg)...)
	default:
		orders = store.NewMemory()
		cat = catalog.NewMemory(products(cfg)...)
	}

	var gw gateway.Gateway
	switch cfg.Gateway {
	case config.GatewayMercadoPago:
		gw = gateway.NewMercadoPago(cfg.MercadoPagoBaseURL, cfg.MercadoPagoAccessToken, cfg.GatewayTimeout)
	default:
		gw = gateway.NewSandbox(cfg.SandboxApproveAfter, nil)
	}

	var notifier delivery.Notifier
	switch cfg.DeliveryMode {
	case config.DeliveryTelegram:
		notifier = delivery.NewTelegram(cfg.TelegramBaseURL, cfg.TelegramToken, cfg.GatewayTimeout)
	case config.DeliveryKafka:
		pub, err := kafkaClient.NewPublisher(cfg.KafkaDeliveryTopic)
		if err != nil {
			return nil, fmt.Errorf("delivery publisher: %w", err)
		}
		a.closers = append(a.closers, func() { _ = pub.Close() })
		notifier = delivery.NewKafka(pub)
	default:
		notifier = delivery.Log()
	}

	var throttle reconciler.Throttle = reconciler.NewMemoryThrottle(cfg.CheckThrottle, nil)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		throttle = reconciler.NewRedisThrottle(rdb, cfg.CheckThrottle)
	}

	a.engine = engine.New(engine.Deps{
		Store:    orders,
		Catalog:  cat,
		Gateway:  gw,
		Notifier: notifier,
		Metrics:  engineMetrics,
		Payer: engine.PayerConfig{
			EmailDomain: cfg.PayerEmailDomain,
			IDType:      cfg.PayerIDType,
			IDNumber:    cfg.PayerIDNumber,
		},
	})
	a.driver = reconciler.New(a.engine, reconciler.Options{
		SweepInterval: cfg.SweepInterval,
		FollowUpDelay: cfg.FollowUpDelay,
		Throttle:      throttle,
		Metrics:       engineMetrics,
	})
	return a, nil
}

func openPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("db connect error: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}
