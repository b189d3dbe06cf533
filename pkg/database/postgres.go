// Package database provides database connection utilities.
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOption configures the connection pool.
type PoolOption func(*pgxpool.Config)

// WithAfterConnect sets a callback run on each new connection.
func WithAfterConnect(fn func(context.Context, *pgx.Conn) error) PoolOption {
	return func(c *pgxpool.Config) {
		c.AfterConnect = fn
	}
}

// WithMaxConns caps the pool size. Values <= 0 keep the pgxpool default.
func WithMaxConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithSearchPath sets the search_path of every connection so unqualified table
// names resolve in the given schema. An empty schema leaves the server default.
func WithSearchPath(schema string) PoolOption {
	return func(c *pgxpool.Config) {
		if schema == "" {
			return
		}

		if c.ConnConfig.RuntimeParams == nil {
			c.ConnConfig.RuntimeParams = make(map[string]string)
		}

		c.ConnConfig.RuntimeParams["search_path"] = schema
	}
}

// NewPostgresPool creates a new PostgreSQL connection pool and verifies connectivity.
func NewPostgresPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	for _, opt := range opts {
		opt(config)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to PostgreSQL",
		"max_conns", config.MaxConns,
		"search_path", config.ConnConfig.RuntimeParams["search_path"],
	)

	return pool, nil
}
