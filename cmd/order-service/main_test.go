package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/pix-sales-go/internal/config"
	"github.com/nazeru/pix-sales-go/internal/order/engine"
)

func TestBuildSQLiteBackend(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.SQLitePath = filepath.Join(t.TempDir(), "orders.db")
	cfg.Products = []config.Product{{ID: "ebook", Name: "Go e-book", Price: 2990, Active: true, DeliveryPayload: "https://files.example/go.pdf"}}

	a, err := build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.ping(context.Background()))

	o, err := a.engine.CreateOrder(context.Background(), engine.CreateOrderInput{BuyerID: 42, ProductID: "ebook"})
	require.NoError(t, err)
	assert.NotEmpty(t, o.ChargeID)
	assert.Nil(t, a.relay)
}

func TestSweepCommand(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"sweep"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "expired=0 checked=0")
}

func TestMigrateSQLite(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "nested", "orders.db"))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"migrate"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "schema applied (sqlite)")
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	root := newRootCmd()
	root.SetArgs([]string{"sweep"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
