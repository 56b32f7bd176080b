// Package dbtest spins up disposable PostgreSQL containers with the DIRBS
// schema installed for integration tests.
package dbtest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dirbs/dirbs-core/internal/db"
)

const pgPort = nat.Port("5432/tcp")

// Logger returns a quiet logger for test database plumbing.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// NewPool starts a postgres container, installs the schema with four
// physical shards and returns a connected pool. The container and pool are
// cleaned up with the test.
func NewPool(t *testing.T) *pgxpool.Pool {
	return NewPoolWithShards(t, 4)
}

// NewPoolWithShards is NewPool with an explicit physical shard count.
func NewPoolWithShards(t *testing.T, numShards int) *pgxpool.Pool {
	pool, _ := newPool(t, numShards)
	return pool
}

// NewPoolAndConfig is NewPool but also returns the container's connection
// settings so a test can open further pools against the same database.
func NewPoolAndConfig(t *testing.T) (*pgxpool.Pool, db.Config) {
	return newPool(t, 4)
}

func newPool(t *testing.T, numShards int) (*pgxpool.Pool, db.Config) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("dirbs_test"),
		postgres.WithUsername("dirbs"),
		postgres.WithPassword("dirbs"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort(pgPort).WithStartupTimeout(60*time.Second),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, pgPort)
	require.NoError(t, err)

	dbCfg := db.Config{
		Database: "dirbs_test",
		Host:     host,
		Port:     port.Int(),
		User:     "dirbs",
		Password: "dirbs",
		MaxConns: 8,
	}
	uri := fmt.Sprintf("%s?sslmode=disable", dbCfg.ConnString())
	poolConfig, err := pgxpool.ParseConfig(uri)
	require.NoError(t, err)
	poolConfig.MaxConns = dbCfg.MaxConns

	connectCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Install(ctx, Logger(t), pool, numShards))
	return pool, dbCfg
}

// Exec runs a statement and fails the test on error. Convenience for fixture
// setup.
func Exec(t *testing.T, pool *pgxpool.Pool, sql string, args ...any) {
	t.Helper()
	_, err := pool.Exec(context.Background(), sql, args...)
	require.NoError(t, err)
}

// Count returns the result of a single-value count query.
func Count(t *testing.T, pool *pgxpool.Pool, sql string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), sql, args...).Scan(&n))
	return n
}
