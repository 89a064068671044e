// Package database provides relational database options for the document
// catalogue.
package database

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-rag/pkg/options"
	pgopts "github.com/kart-io/sentinel-rag/pkg/options/postgres"
)

var _ options.IOptions = (*Options)(nil)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options 文档目录数据库配置。
type Options struct {
	// Driver 数据库驱动（sqlite, postgres, mysql）。
	Driver string `json:"driver" mapstructure:"driver"`

	// DSN 连接串。sqlite 下为文件路径；postgres 为空时由 Postgres 配置生成。
	DSN string `json:"dsn" mapstructure:"dsn"`

	// AutoMigrate 启动时自动建表。
	AutoMigrate bool `json:"auto-migrate" mapstructure:"auto-migrate"`

	// SlowThreshold 慢查询阈值。
	SlowThreshold time.Duration `json:"slow-threshold" mapstructure:"slow-threshold"`

	// LogLevel gorm 日志级别（1 silent, 2 error, 3 warn, 4 info）。
	LogLevel int `json:"log-level" mapstructure:"log-level"`

	// Postgres postgres 驱动使用的连接配置。
	Postgres *pgopts.Options `json:"postgres" mapstructure:"postgres"`
}

// NewOptions 创建默认数据库配置。
func NewOptions() *Options {
	return &Options{
		Driver:        DriverSQLite,
		DSN:           "_output/sentinel-rag.db",
		AutoMigrate:   true,
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      2,
		Postgres:      pgopts.NewOptions(),
	}
}

// AddFlags adds flags for database options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Section("database", prefixes...)
	fs.StringVar(&o.Driver, p+"driver", o.Driver, "Document database driver (sqlite, postgres, mysql).")
	fs.StringVar(&o.DSN, p+"dsn", o.DSN, "Database DSN; sqlite file path for the sqlite driver.")
	fs.BoolVar(&o.AutoMigrate, p+"auto-migrate", o.AutoMigrate, "Create tables on startup.")
	fs.DurationVar(&o.SlowThreshold, p+"slow-threshold", o.SlowThreshold, "Slow query log threshold.")
	fs.IntVar(&o.LogLevel, p+"log-level", o.LogLevel, "GORM log level (1 silent, 2 error, 3 warn, 4 info).")

	if o.Postgres == nil {
		o.Postgres = pgopts.NewOptions()
	}
	o.Postgres.AddFlags(fs, append(prefixes, "database")...)
}

// Validate validates the database options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	switch o.Driver {
	case DriverSQLite, DriverMySQL:
		if o.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", o.Driver))
		}
	case DriverPostgres:
		if o.DSN == "" && o.Postgres != nil {
			errs = append(errs, o.Postgres.Validate()...)
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", o.Driver))
	}
	return errs
}

// Complete completes the database options with defaults.
func (o *Options) Complete() error {
	if o.Postgres == nil {
		o.Postgres = pgopts.NewOptions()
	}
	return o.Postgres.Complete()
}
