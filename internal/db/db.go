// Package db owns the PostgreSQL connection pool, schema migrations, the
// physical shard layout and the advisory locks that serialize imports. All
// state lives in the database; this package is the only place that knows how
// it is laid out on disk.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config carries the database connection settings.
type Config struct {
	Database string
	Host     string
	Port     int
	User     string
	Password string
	MaxConns int32
}

// ConnString builds a postgres:// connection URI.
func (c Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	return u.String()
}

// Connect opens a pgx pool against the configured database and verifies it
// with a ping.
func Connect(ctx context.Context, log *slog.Logger, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database %s@%s:%d/%s: %w",
			cfg.User, cfg.Host, cfg.Port, cfg.Database, err)
	}

	log.Debug("connected to database",
		"host", cfg.Host, "database", cfg.Database, "max_conns", poolConfig.MaxConns)
	return pool, nil
}
