// Package postgres provides the PostgreSQL connection pool used by the
// pgvector index.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/kart-io/sentinel-rag/pkg/component/storage"
	options "github.com/kart-io/sentinel-rag/pkg/options/postgres"
)

// Options is re-exported from pkg/options/postgres for convenience.
type Options = options.Options

// NewOptions is re-exported from pkg/options/postgres for convenience.
var NewOptions = options.NewOptions

// Client wraps a pgxpool.Pool and implements storage.Client.
type Client struct {
	pool *pgxpool.Pool
	opts *Options
}

var _ storage.Client = (*Client)(nil)

// NewWithContext creates a connection pool and verifies connectivity.
func NewWithContext(ctx context.Context, opts *Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("postgres options cannot be nil")
	}
	if errs := opts.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid postgres options: %w", utilerrors.NewAggregate(errs))
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	cfg, err := pgxpool.ParseConfig(BuildURI(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if opts.MaxOpenConnections > 0 {
		cfg.MaxConns = int32(opts.MaxOpenConnections)
	}
	if opts.MaxIdleConnections > 0 {
		cfg.MinConns = int32(min(opts.MaxIdleConnections, int(cfg.MaxConns)))
	}
	if opts.MaxConnectionLifeTime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnectionLifeTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	c := &Client{pool: pool, opts: opts}
	if err := c.Ping(ctx); err != nil {
		c.pool.Close()
		return nil, err
	}
	return c, nil
}

// Pool returns the underlying pgx pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Name returns the name of the storage client.
func (c *Client) Name() string {
	return "postgres"
}

// Ping verifies the connection to the PostgreSQL database.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// Close closes every connection in the pool.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

