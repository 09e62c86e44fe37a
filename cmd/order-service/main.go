package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nazeru/pix-sales-go/internal/config"
	"github.com/nazeru/pix-sales-go/internal/httpapi"
	"github.com/nazeru/pix-sales-go/internal/order/catalog"
	"github.com/nazeru/pix-sales-go/internal/order/domain"
	"github.com/nazeru/pix-sales-go/internal/order/store"
	"github.com/nazeru/pix-sales-go/pkg/logging"
)

const service = "order-service"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "order-service",
		Short:         "PIX order lifecycle service",
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env vars override it)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation sweep",
		RunE:  runServe,
	}
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
		RunE:  runSweep,
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().Bool("seed", false, "upsert the products listed in the config file")

	root.AddCommand(serveCmd, sweepCmd, migrateCmd)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.driver.Run(ctx)
	if a.relay != nil {
		go a.relay.Run(ctx)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.New(httpapi.Options{
			Orders:         a.engine,
			Checker:        a.driver,
			AdminSecret:    cfg.AdminJWTSecret,
			RequestTimeout: cfg.RequestTimeout,
			Ping:           a.ping,
			Metrics:        a.serverMetrics,
			Gatherer:       a.registry,
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Log(logging.Fields{Service: service, Step: "listen", Message: srv.Addr, Status: cfg.StoreBackend})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logging.Log(logging.Fields{Service: service, Step: "shutdown"})
	return srv.Shutdown(shutdownCtx)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := build(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.driver.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired=%d checked=%d errors=%d\n", res.Expired, res.Checked, res.Errors)
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	seed, _ := cmd.Flags().GetBool("seed")
	ctx := cmd.Context()

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if _, err := pool.Exec(ctx, store.PostgresSchema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		if seed {
			if err := (catalog.Postgres{Pool: pool}).Seed(ctx, products(cfg)); err != nil {
				return err
			}
		}
	case config.BackendSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer s.Close()
	default:
		fmt.Fprintln(cmd.OutOrStdout(), "memory backend has no schema")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", cfg.StoreBackend)
	return nil
}

func products(cfg *config.Config) []domain.Product {
	out := make([]domain.Product, 0, len(cfg.Products))
	for _, p := range cfg.Products {
		out = append(out, p.Domain())
	}
	return out
}
