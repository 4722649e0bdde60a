//go:build integration

// Package pgtest hands integration tests a Postgres pool scoped to a fresh
// schema with the service migrations applied. AIRFLEET_TEST_DATABASE_URL (a
// URL) points at an existing server; otherwise one container is started per
// test binary, and tests are skipped when Docker is unavailable.
package pgtest

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/airfleet/libs/db"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/migrations"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	startOnce sync.Once
	sharedDSN string
	startErr  error
)

func serverDSN(t *testing.T) string {
	t.Helper()
	if dsn := strings.TrimSpace(os.Getenv("AIRFLEET_TEST_DATABASE_URL")); dsn != "" {
		return dsn
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	startOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("airfleet"),
			tcpostgres.WithUsername("airfleet"),
			tcpostgres.WithPassword("airfleet"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			startErr = err
			return
		}
		// The container is reaped with the test process.
		sharedDSN, startErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, startErr)
	return sharedDSN
}

// Open returns a pool whose search_path is a schema private to t.
func Open(t *testing.T) *db.Pool {
	t.Helper()
	ctx := context.Background()
	dsn := serverDSN(t)
	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, admin.Close(ctx))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			t.Logf("drop schema %s: %v", schema, err)
			return
		}
		defer conn.Close(ctx)
		if _, err := conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	pool, err := db.Open(ctx, u.String(), db.Options{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ddl, err := migrations.Init()
	require.NoError(t, err)
	_, err = pool.Exec(ctx, ddl)
	require.NoError(t, err)
	return pool
}
