//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/store/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestContainer starts a PostgreSQL container, applies the embedded
// migrations and returns a connected *postgres.DB. Cleanup is registered on t.
func setupTestContainer(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_mpool_history"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.New(ctx, postgres.Config{
		URL:                connStr,
		MaxOpenConns:       5,
		MaxIdleConns:       2,
		ConnMaxLifetime:    time.Minute,
		StatementTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.RunMigrations(ctx))
	// Second run must be a no-op.
	require.NoError(t, db.RunMigrations(ctx))

	return db
}
