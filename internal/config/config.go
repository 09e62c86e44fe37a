// Package config loads order-service settings from defaults, an optional
// YAML file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	GatewaySandbox     = "sandbox"
	GatewayMercadoPago = "mercadopago"

	DeliveryLog      = "log"
	DeliveryTelegram = "telegram"
	DeliveryKafka    = "kafka"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	StoreBackend string `mapstructure:"store_backend"`
	DatabaseURL  string `mapstructure:"database_url"`
	SQLitePath   string `mapstructure:"sqlite_path"`

	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	FollowUpDelay time.Duration `mapstructure:"follow_up_delay"`
	CheckThrottle time.Duration `mapstructure:"check_throttle"`
	RedisAddr     string        `mapstructure:"redis_addr"`

	KafkaBrokers       string        `mapstructure:"kafka_brokers"`
	KafkaDeliveryTopic string        `mapstructure:"kafka_delivery_topic"`
	KafkaEventsTopic   string        `mapstructure:"kafka_events_topic"`
	KafkaGroupID       string        `mapstructure:"kafka_group_id"`
	OutboxInterval     time.Duration `mapstructure:"outbox_interval"`

	Gateway                string        `mapstructure:"gateway"`
	MercadoPagoAccessToken string        `mapstructure:"mercado_pago_access_token"`
	MercadoPagoBaseURL     string        `mapstructure:"mercado_pago_base_url"`
	GatewayTimeout         time.Duration `mapstructure:"gateway_timeout"`
	SandboxApproveAfter    time.Duration `mapstructure:"sandbox_approve_after"`

	DeliveryMode    string `mapstructure:"delivery_mode"`
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramBaseURL string `mapstructure:"telegram_base_url"`

	AdminJWTSecret string `mapstructure:"admin_jwt_secret"`

	PayerEmailDomain string `mapstructure:"payer_email_domain"`
	PayerIDType      string `mapstructure:"payer_id_type"`
	PayerIDNumber    string `mapstructure:"payer_id_number"`

	// Products seeds the catalog; only settable from the config file.
	Products []Product `mapstructure:"products"`
}

type Product struct {
	ID              string `mapstructure:"id"`
	Name            string `mapstructure:"name"`
	Price           int64  `mapstructure:"price"`
	Active          bool   `mapstructure:"active"`
	DeliveryPayload string `mapstructure:"delivery_payload"`
}

func (p Product) Domain() domain.Product {
	return domain.Product{
		ID:              domain.ProductID(p.ID),
		Name:            p.Name,
		Price:           p.Price,
		Active:          p.Active,
		DeliveryPayload: p.DeliveryPayload,
	}
}

var defaults = map[string]any{
	"port":                      "8080",
	"request_timeout":           10 * time.Second,
	"store_backend":             BackendSQLite,
	"database_url":              "",
	"sqlite_path":               "data/orders.db",
	"sweep_interval":            30 * time.Second,
	"follow_up_delay":           30 * time.Second,
	"check_throttle":            5 * time.Second,
	"redis_addr":                "",
	"kafka_brokers":             "",
	"kafka_delivery_topic":      "pixsales.delivery",
	"kafka_events_topic":        "pixsales.order-events",
	"kafka_group_id":            "notification-service",
	"outbox_interval":           time.Second,
	"gateway":                   GatewaySandbox,
	"mercado_pago_access_token": "",
	"mercado_pago_base_url":     "https://api.mercadopago.com",
	"gateway_timeout":           5 * time.Second,
	"sandbox_approve_after":     time.Duration(0),
	"delivery_mode":             DeliveryLog,
	"telegram_token":            "",
	"telegram_base_url":         "https://api.telegram.org",
	"admin_jwt_secret":          "",
	"payer_email_domain":        "telegram.com",
	"payer_id_type":             "CPF",
	"payer_id_number":           "00000000000",
}

// Load reads path (when non-empty) and overlays the environment. Every key
// maps to its upper-case environment variable, e.g. sweep_interval to
// SWEEP_INTERVAL.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.Gateway = strings.ToLower(strings.TrimSpace(cfg.Gateway))
	cfg.DeliveryMode = strings.ToLower(strings.TrimSpace(cfg.DeliveryMode))
	cfg.MercadoPagoBaseURL = strings.TrimRight(cfg.MercadoPagoBaseURL, "/")
	cfg.TelegramBaseURL = strings.TrimRight(cfg.TelegramBaseURL, "/")
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not one of memory, sqlite, postgres", c.StoreBackend))
	}

	switch c.Gateway {
	case GatewaySandbox:
	case GatewayMercadoPago:
		if c.MercadoPagoAccessToken == "" {
			errs = append(errs, errors.New("MERCADO_PAGO_ACCESS_TOKEN is required for the mercadopago gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("GATEWAY %q is not one of sandbox, mercadopago", c.Gateway))
	}

	switch c.DeliveryMode {
	case DeliveryLog:
	case DeliveryTelegram:
		if c.TelegramToken == "" {
			errs = append(errs, errors.New("TELEGRAM_TOKEN is required for telegram delivery"))
		}
	case DeliveryKafka:
		if c.KafkaBrokers == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for kafka delivery"))
		}
	default:
		errs = append(errs, fmt.Errorf("DELIVERY_MODE %q is not one of log, telegram, kafka", c.DeliveryMode))
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	for i, p := range c.Products {
		if p.ID == "" || p.Price <= 0 {
			errs = append(errs, fmt.Errorf("products[%d]: id and a positive price are required", i))
		}
	}
	return errors.Join(errs...)
}

// ValidateNotification checks the settings notification-service needs.
func (c *Config) ValidateNotification() error {
	var errs []error
	if c.KafkaBrokers == "" {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
	}
	return errors.Join(errs...)
}
