package helpers

import (
	"context"
	"os"
	"testing"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/migrations"
	"github.com/ponder-sh/ponder-core/internal/pgpool"
	"github.com/stretchr/testify/require"
)

// postgresTestURLEnv names the environment variable integration tests read
// to find a scratch Postgres instance. Unset in CI by default, which skips
// every test calling NewTestPool.
const postgresTestURLEnv = "PONDER_TEST_DATABASE_URL"

// SkipIfPostgresNotAvailable skips the test unless PONDER_TEST_DATABASE_URL
// points at a reachable scratch database.
func SkipIfPostgresNotAvailable(t *testing.T) string {
	t.Helper()

	url := os.Getenv(postgresTestURLEnv)
	if url == "" {
		t.Skipf("%s not set, skipping integration test", postgresTestURLEnv)
	}
	return url
}

// NewTestPool runs core migrations against a scratch Postgres database and
// returns a connected pool, closed automatically at test cleanup.
func NewTestPool(t *testing.T) *pgpool.Pool {
	t.Helper()

	url := SkipIfPostgresNotAvailable(t)
	ctx := context.Background()

	require.NoError(t, migrations.Run(ctx, url, "public"))

	pool, err := pgpool.Open(ctx, config.DatabaseConfig{
		Kind:             "postgres",
		ConnectionString: url,
		Schema:           "public",
	})
	require.NoError(t, err)

	t.Cleanup(pool.Close)

	return pool
}
