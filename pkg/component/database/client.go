// Package database opens the GORM connection used by the document catalogue.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	pgcomponent "github.com/kart-io/sentinel-rag/pkg/component/postgres"
	"github.com/kart-io/sentinel-rag/pkg/component/storage"
	options "github.com/kart-io/sentinel-rag/pkg/options/database"
)

// Client wraps gorm.DB and implements storage.Client.
type Client struct {
	db     *gorm.DB
	driver string
}

var _ storage.Client = (*Client)(nil)

// NewWithContext opens the database selected by opts.Driver and verifies connectivity.
func NewWithContext(ctx context.Context, opts *options.Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("database options cannot be nil")
	}
	if errs := opts.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid database options: %w", utilerrors.NewAggregate(errs))
	}

	dialector, err := Dialector(opts)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(gormLevel(opts.LogLevel), opts.SlowThreshold, true),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", opts.Driver, err)
	}

	c := &Client{db: db, driver: opts.Driver}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Dialector returns the GORM dialector for the configured driver.
func Dialector(opts *options.Options) (gorm.Dialector, error) {
	switch opts.Driver {
	case options.DriverSQLite:
		if dir := filepath.Dir(opts.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		return sqlite.Open(opts.DSN), nil
	case options.DriverPostgres:
		dsn := opts.DSN
		if dsn == "" {
			dsn = pgcomponent.BuildDSN(opts.Postgres)
		}
		return postgres.Open(dsn), nil
	case options.DriverMySQL:
		return mysql.Open(opts.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

func gormLevel(level int) gormlogger.LogLevel {
	switch level {
	case 2:
		return gormlogger.Error
	case 3:
		return gormlogger.Warn
	case 4:
		return gormlogger.Info
	default:
		return gormlogger.Silent
	}
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	return c.db
}

// Name returns the name of the storage client.
func (c *Client) Name() string {
	return c.driver
}

// Ping verifies the database connection.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.sqlDB()
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%s ping failed: %w", c.driver, err)
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	sqlDB, err := c.sqlDB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *Client) sqlDB() (*sql.DB, error) {
	if c.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB, nil
}
