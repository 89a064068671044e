// Package options contains flags and options for initializing the RAG server.
package options

import (
	"fmt"
	"slices"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	ragsvc "github.com/kart-io/sentinel-rag/internal/rag"
	cacheopts "github.com/kart-io/sentinel-rag/pkg/options/cache"
	dbopts "github.com/kart-io/sentinel-rag/pkg/options/database"
	llmopts "github.com/kart-io/sentinel-rag/pkg/options/llm"
	logopts "github.com/kart-io/sentinel-rag/pkg/options/logger"
	middlewareopts "github.com/kart-io/sentinel-rag/pkg/options/middleware"
	milvusopts "github.com/kart-io/sentinel-rag/pkg/options/milvus"
	pgopts "github.com/kart-io/sentinel-rag/pkg/options/postgres"
	ragopts "github.com/kart-io/sentinel-rag/pkg/options/rag"
	httpopts "github.com/kart-io/sentinel-rag/pkg/options/server/http"
	tracingopts "github.com/kart-io/sentinel-rag/pkg/options/tracing"
)

// uploadPath is exempt from the global body limit.
const uploadPath = "/v1/rag/documents"

// ServerOptions contains the configuration options for the server.
type ServerOptions struct {
	// HTTPOptions contains HTTP server configuration.
	HTTPOptions *httpopts.Options `json:"http" mapstructure:"http"`

	// LogOptions contains logger configuration.
	LogOptions *logopts.Options `json:"log" mapstructure:"log"`

	// TracingOptions contains OpenTelemetry tracing configuration.
	TracingOptions *tracingopts.Options `json:"tracing" mapstructure:"tracing"`

	// MiddlewareOptions contains HTTP middleware configuration.
	MiddlewareOptions *middlewareopts.Options `json:"middleware" mapstructure:"middleware"`

	// DatabaseOptions contains the document catalogue database configuration.
	DatabaseOptions *dbopts.Options `json:"database" mapstructure:"database"`

	// CacheOptions contains query cache configuration, including its Redis connection.
	CacheOptions *cacheopts.Options `json:"cache" mapstructure:"cache"`

	// MilvusOptions is used when rag.backend is milvus.
	MilvusOptions *milvusopts.Options `json:"milvus" mapstructure:"milvus"`

	// PostgresOptions is used when rag.backend is pgvector.
	PostgresOptions *pgopts.Options `json:"postgres" mapstructure:"postgres"`

	// EmbeddingOptions contains embedding provider configuration.
	EmbeddingOptions *llmopts.ProviderOptions `json:"embedding" mapstructure:"embedding"`

	// ChatOptions contains chat provider configuration.
	ChatOptions *llmopts.ProviderOptions `json:"chat" mapstructure:"chat"`

	// RAGOptions contains RAG-specific configuration.
	RAGOptions *ragopts.Options `json:"rag" mapstructure:"rag"`

	// ShutdownTimeout is the timeout for graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewServerOptions creates a ServerOptions instance with default values.
func NewServerOptions() *ServerOptions {
	httpOpts := httpopts.NewOptions()
	// 查询超时 60s，写超时需要留出余量
	httpOpts.WriteTimeout = 90 * time.Second

	return &ServerOptions{
		HTTPOptions:       httpOpts,
		LogOptions:        logopts.NewOptions(),
		TracingOptions:    tracingopts.NewOptions(),
		MiddlewareOptions: middlewareopts.NewOptions(),
		DatabaseOptions:   dbopts.NewOptions(),
		CacheOptions:      cacheopts.NewOptions(),
		MilvusOptions:     milvusopts.NewOptions(),
		PostgresOptions:   pgopts.NewOptions(),
		EmbeddingOptions:  llmopts.NewEmbeddingOptions(),
		ChatOptions:       llmopts.NewChatOptions(),
		RAGOptions:        ragopts.NewOptions(),
		ShutdownTimeout:   30 * time.Second,
	}
}

// Flags returns flags for a specific server by section name.
func (o *ServerOptions) Flags() (fss cliflag.NamedFlagSets) {
	o.HTTPOptions.AddFlags(fss.FlagSet("http"))
	o.LogOptions.AddFlags(fss.FlagSet("log"))
	o.TracingOptions.AddFlags(fss.FlagSet("tracing"))
	o.MiddlewareOptions.AddFlags(fss.FlagSet("middleware"))
	o.DatabaseOptions.AddFlags(fss.FlagSet("database"))
	o.CacheOptions.AddFlags(fss.FlagSet("cache"))
	o.MilvusOptions.AddFlags(fss.FlagSet("milvus"))
	o.PostgresOptions.AddFlags(fss.FlagSet("postgres"))
	o.EmbeddingOptions.AddFlags(fss.FlagSet("embedding"), "embedding")
	o.ChatOptions.AddFlags(fss.FlagSet("chat"), "chat")
	o.RAGOptions.AddFlags(fss.FlagSet("rag"))

	// misc flags
	fs := fss.FlagSet("misc")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "Graceful shutdown timeout")

	return fss
}

// Complete completes all the required options.
func (o *ServerOptions) Complete() error {
	if err := o.HTTPOptions.Complete(); err != nil {
		return err
	}
	if err := o.MiddlewareOptions.Complete(); err != nil {
		return fmt.Errorf("middleware: %w", err)
	}
	// 上传接口由 handler 按 rag.max-upload-bytes 限制
	if bl := o.MiddlewareOptions.BodyLimit; bl != nil && !slices.Contains(bl.SkipPaths, uploadPath) {
		bl.SkipPaths = append(bl.SkipPaths, uploadPath)
	}
	if err := o.TracingOptions.Complete(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := o.DatabaseOptions.Complete(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := o.CacheOptions.Complete(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := o.PostgresOptions.Complete(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := o.EmbeddingOptions.Complete(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := o.ChatOptions.Complete(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := o.RAGOptions.Complete(); err != nil {
		return fmt.Errorf("rag: %w", err)
	}
	return nil
}

// Validate checks whether the options in ServerOptions are valid.
// Backend specific sections are only validated when selected.
func (o *ServerOptions) Validate() error {
	errs := []error{}

	errs = append(errs, o.HTTPOptions.Validate()...)
	errs = append(errs, o.LogOptions.Validate()...)
	errs = append(errs, o.TracingOptions.Validate()...)
	errs = append(errs, o.MiddlewareOptions.Validate()...)
	errs = append(errs, o.DatabaseOptions.Validate()...)
	errs = append(errs, o.CacheOptions.Validate()...)
	errs = append(errs, o.EmbeddingOptions.Validate()...)
	errs = append(errs, o.ChatOptions.Validate()...)
	errs = append(errs, o.RAGOptions.Validate()...)

	switch o.RAGOptions.Backend {
	case ragopts.BackendMilvus:
		errs = append(errs, o.MilvusOptions.Validate()...)
	case ragopts.BackendPGVector:
		errs = append(errs, o.PostgresOptions.Validate()...)
	}

	if o.RAGOptions.QueryTimeout > 0 && o.HTTPOptions.WriteTimeout <= o.RAGOptions.QueryTimeout {
		errs = append(errs, fmt.Errorf("http.write-timeout (%s) must exceed rag.query-timeout (%s)",
			o.HTTPOptions.WriteTimeout, o.RAGOptions.QueryTimeout))
	}
	if o.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown-timeout must be positive"))
	}

	return utilerrors.NewAggregate(errs)
}

// Config builds a ragsvc.Config based on ServerOptions.
func (o *ServerOptions) Config() (*ragsvc.Config, error) {
	return &ragsvc.Config{
		HTTPOptions:       o.HTTPOptions,
		LogOptions:        o.LogOptions,
		TracingOptions:    o.TracingOptions,
		MiddlewareOptions: o.MiddlewareOptions,
		DatabaseOptions:   o.DatabaseOptions,
		CacheOptions:      o.CacheOptions,
		MilvusOptions:     o.MilvusOptions,
		PostgresOptions:   o.PostgresOptions,
		EmbeddingOptions:  o.EmbeddingOptions,
		ChatOptions:       o.ChatOptions,
		RAGOptions:        o.RAGOptions,
		ShutdownTimeout:   o.ShutdownTimeout,
	}, nil
}
