package store

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Runs against a disposable database: TEST_DATABASE_URL=postgres://... go test ./...
func TestPostgresContract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, PostgresSchema)
	require.NoError(t, err)

	runContract(t, func(t *testing.T) Store {
		_, err := pool.Exec(ctx, `TRUNCATE orders, outbox`)
		require.NoError(t, err)
		return NewPostgres(pool, "sales.events")
	})
}
