// Package ragsvc provides the RAG Service server implementation.
package ragsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/kart-io/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/internal/rag/handler"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/router"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/component/database"
	"github.com/kart-io/sentinel-rag/pkg/component/milvus"
	"github.com/kart-io/sentinel-rag/pkg/component/postgres"
	"github.com/kart-io/sentinel-rag/pkg/component/redis"
	"github.com/kart-io/sentinel-rag/pkg/component/storage"
	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/infra/app"
	"github.com/kart-io/sentinel-rag/pkg/infra/middleware"
	"github.com/kart-io/sentinel-rag/pkg/infra/pool"
	"github.com/kart-io/sentinel-rag/pkg/infra/server"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	httpserver "github.com/kart-io/sentinel-rag/pkg/infra/server/http"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	// 导入 LLM 供应商以自动注册
	_ "github.com/kart-io/sentinel-rag/pkg/llm/ollama"
	_ "github.com/kart-io/sentinel-rag/pkg/llm/openai"
	"github.com/kart-io/sentinel-rag/pkg/llm/resilience"
	"github.com/kart-io/sentinel-rag/pkg/llm/tokenizer"
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

// Name is the name of the application.
const Name = "sentinel-rag"

// metricsNamespace prefixes every exported Prometheus metric.
const metricsNamespace = "sentinel_rag"

// startupTimeout bounds connecting to stores and probing the embedding model.
const startupTimeout = 60 * time.Second

// Config contains application-related configurations.
type Config struct {
	HTTPOptions       *httpopts.Options
	LogOptions        *logopts.Options
	TracingOptions    *tracingopts.Options
	MiddlewareOptions *middlewareopts.Options
	DatabaseOptions   *dbopts.Options
	CacheOptions      *cacheopts.Options
	MilvusOptions     *milvusopts.Options
	PostgresOptions   *pgopts.Options
	EmbeddingOptions  *llmopts.ProviderOptions
	ChatOptions       *llmopts.ProviderOptions
	RAGOptions        *ragopts.Options
	ShutdownTimeout   time.Duration
}

// Server represents the RAG server.
type Server struct {
	srv     *server.Manager
	closers []func() error
}

// NewServer initializes and returns a new Server instance.
// Any failure releases what was already opened.
func (cfg *Config) NewServer(ctx context.Context) (_ *Server, err error) {
	printBanner(cfg)

	s := &Server{}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	// 1. 初始化日志
	if err := cfg.LogOptions.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Infow("Starting RAG service...", "service.name", Name, "service.version", app.GetVersion())

	// 初始化链路追踪，最后关闭以便导出其余组件关闭时产生的 span
	tracer, err := tracing.NewProvider(cfg.TracingOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return tracer.Shutdown(shutdownCtx)
	})
	if tracer.Enabled() {
		logger.Infow("Tracing enabled",
			"exporter", cfg.TracingOptions.ExporterType,
			"endpoint", cfg.TracingOptions.Endpoint,
			"sampler", cfg.TracingOptions.SamplerType,
		)
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// 2. 初始化工作池
	pools := pool.NewManager()
	s.onClose(pools.Close)
	if err := pools.RegisterWithType(pool.IngestionPool, pool.IngestionPoolConfig(cfg.RAGOptions.IngestWorkers)); err != nil {
		return nil, fmt.Errorf("failed to create ingestion pool: %w", err)
	}
	if err := pools.RegisterWithType(pool.HealthCheckPool, pool.HealthCheckPoolConfig()); err != nil {
		return nil, fmt.Errorf("failed to create health check pool: %w", err)
	}
	ingestPool, _ := pools.GetByType(pool.IngestionPool)
	healthPool, _ := pools.GetByType(pool.HealthCheckPool)

	storageMgr := storage.NewManager(healthPool)
	s.onClose(storageMgr.CloseAll)

	// 3. 初始化文档数据库
	dbClient, err := database.NewWithContext(startCtx, cfg.DatabaseOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	storageMgr.MustRegister("document-db", dbClient)
	docs, err := store.NewDocumentStore(dbClient.DB(), cfg.DatabaseOptions.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize document store: %w", err)
	}
	logger.Infow("Document store initialized", "driver", cfg.DatabaseOptions.Driver)

	// 4. 初始化 Redis（可选，不可达时禁用缓存）
	var redisClient *redis.Client
	if cfg.CacheOptions.Enabled {
		redisClient, err = redis.NewWithContext(startCtx, cfg.CacheOptions.Redis)
		if err != nil {
			logger.Warnw("failed to connect to redis, cache will be disabled", "error", err.Error())
			redisClient = nil
		} else {
			storageMgr.MustRegister("query-cache", redisClient)
			logger.Infow("Redis cache initialized", "addr", cfg.CacheOptions.Redis.Addr(), "ttl", cfg.CacheOptions.TTL.String())
		}
	} else {
		logger.Info("Cache is disabled")
	}

	// 5. 初始化 LLM 供应商
	tracker := metrics.NewTracker(metricsNamespace)
	embedProvider, err := cfg.newEmbeddingProvider(redisClient, tracker)
	if err != nil {
		return nil, err
	}
	chatProvider, err := cfg.newChatProvider(tracker)
	if err != nil {
		return nil, err
	}

	// 6. 校验向量维度
	ragOpts := cfg.RAGOptions
	embedder := biz.NewEmbedder(embedProvider, biz.EmbedderConfig{
		Dimension:     ragOpts.EmbeddingDim,
		BatchSize:     ragOpts.EmbeddingBatchSize,
		MaxTextLength: ragOpts.MaxTextLength,
	})
	measured, err := embedder.MeasureDimension(startCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to measure embedding dimension: %w", err)
	}
	if measured != ragOpts.EmbeddingDim {
		return nil, errors.ErrDimensionMismatch.WithMessagef(
			"embedding model %s produces %d dimensions, rag.embedding-dim is %d",
			cfg.EmbeddingOptions.Model, measured, ragOpts.EmbeddingDim)
	}
	logger.Infow("Embedding dimension verified", "dimension", measured)

	// 7. 初始化向量索引
	index, err := cfg.newIndex(startCtx, storageMgr)
	if err != nil {
		return nil, err
	}
	s.onClose(index.Close)

	// 8. 初始化 Biz 层
	var spanner biz.TokenSpanner
	if ragOpts.ChunkUnit == ragopts.UnitTokens {
		tk, err := tokenizer.New(tokenizer.DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
		spanner = tk
	}
	chunker, err := biz.NewChunker(biz.ChunkerConfig{
		ChunkSize:    ragOpts.ChunkSize,
		ChunkOverlap: ragOpts.ChunkOverlap,
		Unit:         ragOpts.ChunkUnit,
	}, spanner)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunker: %w", err)
	}

	var queryCache *biz.QueryCache
	if redisClient != nil {
		queryCache = biz.NewQueryCache(redisClient.Client(), &biz.QueryCacheConfig{
			Enabled:       true,
			TTL:           cfg.CacheOptions.TTL,
			KeyPrefix:     cfg.CacheOptions.KeyPrefix,
			MaxEntryBytes: cfg.CacheOptions.MaxEntryBytes,
		})
	}

	coordinator := biz.NewIngestionCoordinator(chunker, embedder, index, docs, ingestPool, tracker, biz.IngestionConfig{
		MaxUploadBytes: ragOpts.MaxUploadBytes,
		DataDir:        ragOpts.DataDir,
	})
	s.onClose(func() error { coordinator.Close(); return nil })
	coordinator.OnIndexChange(func(ctx context.Context) {
		if err := queryCache.Clear(ctx); err != nil {
			logger.Warnw("failed to clear query cache", "error", err.Error())
		}
	})
	if err := coordinator.Recover(startCtx); err != nil {
		return nil, fmt.Errorf("failed to recover unfinished documents: %w", err)
	}

	orchestrator := biz.NewQueryOrchestrator(embedder, index, chatProvider, queryCache, tracker, biz.QueryConfig{
		DefaultTopK:             ragOpts.TopK,
		DefaultMaxContextLength: ragOpts.MaxContextLength,
		Timeout:                 ragOpts.QueryTimeout,
		SystemPrompt:            ragOpts.SystemPrompt,
		PromptTemplate:          ragOpts.PromptTemplate,
		GenerationRetry: resilience.RetryConfig{
			MaxAttempts:  ragOpts.GenerationRetries,
			InitialDelay: ragOpts.GenerationBackoff,
		},
	})
	logger.Infow("RAG pipeline initialized",
		"backend", ragOpts.Backend,
		"chunk.size", ragOpts.ChunkSize,
		"chunk.unit", ragOpts.ChunkUnit,
		"cache.enabled", queryCache.Enabled(),
	)

	// 9. 初始化指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		pool.NewCollector(metricsNamespace, pools),
		tracker,
	)
	httpMetrics, err := middleware.NewHTTPMetrics(metricsNamespace, registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register http metrics: %w", err)
	}

	// 10. 初始化服务器并注册路由
	httpServer := httpserver.NewServer(cfg.HTTPOptions, cfg.MiddlewareOptions, middleware.Tracing(), httpMetrics.Handler())
	router.Register(httpServer.Engine(), router.Handlers{
		RAG: handler.NewRAGHandler(coordinator, orchestrator, tracker, queryCache, handler.Config{
			MaxUploadBytes: ragOpts.MaxUploadBytes,
			ScoreThreshold: ragOpts.ScoreThreshold,
		}),
		Health:  handler.NewHealthHandler(ragOpts.Backend, index, storageMgr),
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})

	s.srv = server.NewManager(cfg.ShutdownTimeout)
	s.srv.AddServer(httpServer)

	// 11. 目录监听（可选）
	if ragOpts.WatchDir != "" {
		s.srv.AddServer(biz.NewDirectoryWatcher(biz.WatcherConfig{
			Dir:      ragOpts.WatchDir,
			Debounce: ragOpts.WatchDebounce,
		}, coordinator, docs))
	}

	logger.Infow("RAG service is ready", "addr", cfg.HTTPOptions.Addr)
	return s, nil
}

// newEmbeddingProvider 创建 embedding 供应商，按配置叠加 Redis 向量缓存和熔断。
func (cfg *Config) newEmbeddingProvider(redisClient *redis.Client, tracker *metrics.Tracker) (llm.EmbeddingProvider, error) {
	opts := cfg.EmbeddingOptions
	provider, err := llm.NewEmbeddingProvider(opts.Provider, opts.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	logger.Infow("Embedding provider initialized", "provider", opts.Provider, "model", opts.Model)

	if opts.CircuitBreaker {
		resilient := resilience.NewResilientEmbeddingProvider(provider, nil, resilience.DefaultCircuitBreakerConfig())
		tracker.RegisterState("embedding_circuit_breaker", func() string { return resilient.CircuitBreaker().State().String() })
		provider = resilient
	}
	if redisClient != nil {
		provider = llm.NewCachedEmbeddingProvider(provider, redisClient.Client(), llm.DefaultEmbeddingCacheConfig())
	}
	return provider, nil
}

// newChatProvider 创建 chat 供应商。生成重试由 QueryOrchestrator 负责，这里只叠加熔断。
func (cfg *Config) newChatProvider(tracker *metrics.Tracker) (llm.ChatProvider, error) {
	opts := cfg.ChatOptions
	provider, err := llm.NewChatProvider(opts.Provider, opts.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat provider: %w", err)
	}
	logger.Infow("Chat provider initialized", "provider", opts.Provider, "model", opts.Model)

	if opts.CircuitBreaker {
		noRetry := &resilience.RetryConfig{MaxAttempts: 1}
		resilient := resilience.NewResilientChatProvider(provider, noRetry, resilience.DefaultCircuitBreakerConfig())
		tracker.RegisterState("chat_circuit_breaker", func() string { return resilient.CircuitBreaker().State().String() })
		provider = resilient
	}
	return provider, nil
}

// newIndex 按 rag.backend 创建向量索引。已有集合或表的维度不一致时启动失败。
func (cfg *Config) newIndex(ctx context.Context, storageMgr *storage.Manager) (store.VectorIndex, error) {
	ragOpts := cfg.RAGOptions
	switch ragOpts.Backend {
	case ragopts.BackendMilvus:
		client, err := milvus.New(ctx, cfg.MilvusOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize milvus: %w", err)
		}
		storageMgr.MustRegister("vector-index", client)
		return store.NewMilvusIndex(ctx, client, ragOpts.Collection, ragOpts.EmbeddingDim)

	case ragopts.BackendPGVector:
		client, err := postgres.NewWithContext(ctx, cfg.PostgresOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		storageMgr.MustRegister("vector-index", client)
		return store.NewPGVectorIndex(ctx, client.Pool(), ragOpts.Collection, ragOpts.EmbeddingDim)

	default:
		logger.Warn("Using in-memory vector index, chunks are lost on restart")
		return store.NewMemoryIndex(ragOpts.EmbeddingDim), nil
	}
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()
	return s.srv.Run(ctx)
}

func (s *Server) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// close 逆序释放资源。
func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warnw("failed to release resource", "error", err.Error())
		}
	}
	s.closers = nil
}

func printBanner(cfg *Config) {
	fmt.Printf("Starting %s...\n", Name)
	fmt.Printf("  Embedding: %s (%s)\n", cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.Model)
	fmt.Printf("  Chat: %s (%s)\n", cfg.ChatOptions.Provider, cfg.ChatOptions.Model)
	fmt.Printf("  Vector index: %s (dim %d)\n", cfg.RAGOptions.Backend, cfg.RAGOptions.EmbeddingDim)
}
