package biz

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/llm/resilience"
	"github.com/kart-io/sentinel-rag/pkg/utils/validator"
)

const (
	// NoResultsAnswer 没有分块达到阈值时返回的答案。
	NoResultsAnswer = "No relevant information was found in the indexed documents for this question."
	// UnableToAnswer 生成重试耗尽后返回的答案，来源仍然保留。
	UnableToAnswer = "Unable to answer right now: the language model is temporarily unavailable. The retrieved sources are listed below."
	// ContextTooSmallAnswer 所有检索结果都超出上下文长度时返回的答案。
	ContextTooSmallAnswer = "Relevant passages were found but none fit within the context length limit."
)

// DefaultPromptTemplate 默认的用户提示词模板。
const DefaultPromptTemplate = `Answer the question using only the context below. Cite sources as [n].
If the context does not contain the answer, say so.

Context:
{{context}}

Question: {{question}}

Answer:`

// QueryConfig 查询配置。
type QueryConfig struct {
	// DefaultTopK 请求未指定 top_k 时使用。
	DefaultTopK int
	// DefaultMaxContextLength 请求未指定 max_context_length 时使用，单位字符。
	DefaultMaxContextLength int
	// Timeout 单次查询的超时时间，0 表示不限制。
	Timeout time.Duration
	// SystemPrompt 系统提示词。
	SystemPrompt string
	// PromptTemplate 用户提示词模板，包含 {{context}} 和 {{question}} 占位符。
	PromptTemplate string
	// GenerationRetry 生成失败时的重试策略。
	GenerationRetry resilience.RetryConfig
	// PreviewLength 来源预览的最大字符数。
	PreviewLength int
}

// QueryOrchestrator 检索相关分块、组装上下文并生成带引用的答案。
type QueryOrchestrator struct {
	embedder *Embedder
	index    store.VectorIndex
	chat     llm.ChatProvider
	cache    *QueryCache
	metrics  *metrics.Tracker
	config   QueryConfig
}

// NewQueryOrchestrator 创建查询编排器。cache 可以为 nil。
func NewQueryOrchestrator(
	embedder *Embedder,
	index store.VectorIndex,
	chat llm.ChatProvider,
	cache *QueryCache,
	tracker *metrics.Tracker,
	cfg QueryConfig,
) *QueryOrchestrator {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.DefaultMaxContextLength <= 0 {
		cfg.DefaultMaxContextLength = 4000
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = DefaultPromptTemplate
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = 200
	}
	if cfg.GenerationRetry.MaxAttempts <= 0 {
		cfg.GenerationRetry.MaxAttempts = 3
	}
	if cfg.GenerationRetry.Multiplier <= 0 {
		cfg.GenerationRetry.Multiplier = 2
	}
	if cfg.GenerationRetry.MaxDelay <= 0 {
		cfg.GenerationRetry.MaxDelay = 10 * time.Second
	}
	return &QueryOrchestrator{
		embedder: embedder,
		index:    index,
		chat:     chat,
		cache:    cache,
		metrics:  tracker,
		config:   cfg,
	}
}

// ApplyDefaults 为未设置的 top_k 和 max_context_length 填充默认值。
func (o *QueryOrchestrator) ApplyDefaults(q *model.RAGQuery) {
	if q.TopK == 0 {
		q.TopK = o.config.DefaultTopK
	}
	if q.MaxContextLength == 0 {
		q.MaxContextLength = o.config.DefaultMaxContextLength
	}
}

// ValidateQuery 校验查询参数，失败时返回 ErrValidation。
func ValidateQuery(q *model.RAGQuery) error {
	if strings.TrimSpace(q.Query) == "" {
		return errors.ErrValidation.WithMessage("query must not be empty")
	}
	if errs := validator.StructWithLang(q, validator.LangEN); errs.HasErrors() {
		return errors.ErrValidation.WithMessage(strings.Join(errs.Messages(), "; "))
	}
	return nil
}

// Process 执行一次问答。未达到阈值的检索返回 NoResults 响应而不是错误；
// 生成重试耗尽时返回 Degraded 响应并保留来源。
func (o *QueryOrchestrator) Process(ctx context.Context, q model.RAGQuery) (resp *model.RAGResponse, err error) {
	start := time.Now()
	outcome := metrics.OutcomeFailed
	ctx, span := tracing.StartSpan(ctx, "rag.query")
	defer func() {
		elapsed := time.Since(start)
		o.metrics.RecordQuery(outcome, elapsed)
		if resp != nil {
			resp.ResponseTime = elapsed.Seconds()
		}
		span.SetAttributes(attribute.String("rag.outcome", outcome.String()))
		tracing.End(span, err)
	}()

	o.ApplyDefaults(&q)
	if err := ValidateQuery(&q); err != nil {
		return nil, err
	}

	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	// 1. 查询缓存
	if cached, cerr := o.cache.Get(ctx, &q); cerr == nil && cached != nil {
		cached.Cached = true
		outcome = metrics.OutcomeCached
		return cached, nil
	}

	// 2. 嵌入查询
	embedCtx, embedSpan := tracing.StartSpan(ctx, "rag.embed")
	vector, err := o.embedder.EncodeQuery(embedCtx, q.Query)
	tracing.End(embedSpan, err)
	if err != nil {
		if cerr := contextError(ctx); cerr != nil {
			return nil, cerr
		}
		logger.Warnw("query embedding failed", "error", err.Error())
		return nil, errors.ErrEmbedding.WithMessage("embedding service is temporarily unavailable").WithCause(err)
	}

	// 3. 检索
	searchCtx, searchSpan := tracing.StartSpan(ctx, "rag.search")
	searchSpan.SetAttributes(
		attribute.Int("rag.top_k", q.TopK),
		attribute.Float64("rag.score_threshold", q.ScoreThreshold),
		attribute.Int("rag.document_filter", len(q.DocumentIDs)),
	)
	results, err := o.index.Search(searchCtx, vector, q.TopK, q.ScoreThreshold, store.Filter{DocumentIDs: q.DocumentIDs})
	searchSpan.SetAttributes(attribute.Int("rag.results", len(results)))
	tracing.End(searchSpan, err)
	if err != nil {
		if cerr := contextError(ctx); cerr != nil {
			return nil, cerr
		}
		logger.Errorw("vector search failed", "error", err.Error())
		if errors.Is(err, errors.ErrStore) {
			return nil, err
		}
		return nil, errors.ErrStore.WithCause(err)
	}

	// 4. 没有达到阈值的结果，不调用生成模型
	if len(results) == 0 {
		resp = &model.RAGResponse{
			Answer:    NoResultsAnswer,
			Sources:   []model.Source{},
			NoResults: true,
		}
		outcome = metrics.OutcomeNoResults
		o.store(ctx, &q, resp)
		return resp, nil
	}

	// 5. 组装上下文
	sources, contextText, used := o.assembleContext(results, q.MaxContextLength)
	if used == 0 {
		resp = &model.RAGResponse{
			Answer:    ContextTooSmallAnswer,
			Sources:   sources,
			NoResults: true,
		}
		outcome = metrics.OutcomeNoResults
		o.store(ctx, &q, resp)
		return resp, nil
	}

	// 6. 生成答案
	genCtx, genSpan := tracing.StartSpan(ctx, "rag.generate")
	genSpan.SetAttributes(attribute.String("rag.provider", o.chat.Name()), attribute.Int("rag.context_used", used))
	answer, err := o.generate(genCtx, q.Query, contextText)
	tracing.End(genSpan, err)
	if err != nil {
		if cerr := contextError(ctx); cerr != nil {
			return nil, cerr
		}
		logger.Warnw("answer generation failed, returning sources only",
			"provider", o.chat.Name(),
			"error", err.Error(),
		)
		outcome = metrics.OutcomeDegraded
		return &model.RAGResponse{
			Answer:      UnableToAnswer,
			Sources:     sources,
			ContextUsed: used,
			Degraded:    true,
		}, nil
	}

	resp = &model.RAGResponse{
		Answer:      answer,
		Sources:     sources,
		ContextUsed: used,
	}
	outcome = metrics.OutcomeAnswered
	o.store(ctx, &q, resp)

	logger.Infow("query answered",
		"sources", len(sources),
		"context_used", used,
		"top_score", results[0].Score,
		"elapsed", time.Since(start).String(),
	)
	return resp, nil
}

// assembleContext 按排名依次放入分块，放不下的分块跳过而不截断。
// 返回全部来源、上下文文本和实际放入的分块数。
func (o *QueryOrchestrator) assembleContext(results []store.SearchResult, maxLen int) ([]model.Source, string, int) {
	sources := make([]model.Source, 0, len(results))
	var b strings.Builder
	length, used := 0, 0

	for _, r := range results {
		src := model.Source{
			ChunkID:        r.ChunkID,
			DocumentID:     r.DocumentID,
			Filename:       r.SourceFile,
			ChunkIndex:     r.ChunkIndex,
			RelevanceScore: r.Score,
			ContentPreview: preview(r.Text, o.config.PreviewLength),
		}
		n := utf8.RuneCountInString(r.Text)
		if length+n <= maxLen {
			used++
			length += n
			src.InContext = true
			fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", used, r.SourceFile, r.Text)
		}
		sources = append(sources, src)
	}
	return sources, strings.TrimRight(b.String(), "\n"), used
}

func (o *QueryOrchestrator) generate(ctx context.Context, question, contextText string) (string, error) {
	prompt := strings.NewReplacer("{{context}}", contextText, "{{question}}", question).Replace(o.config.PromptTemplate)

	retry := o.config.GenerationRetry
	retry.RetryableErrors = func(err error) bool {
		if errors.Is(err, errEmptyAnswer) {
			return true
		}
		return resilience.IsRetryableError(err)
	}
	retry.OnRetry = func(attempt int, err error) {
		o.metrics.RecordGenerationRetry()
		logger.Debugw("retrying generation", "attempt", attempt, "error", err.Error())
	}

	var answer string
	err := resilience.RetryWithBackoff(ctx, &retry, func() error {
		out, err := o.chat.Generate(ctx, prompt, o.config.SystemPrompt)
		if err != nil {
			return err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return errEmptyAnswer
		}
		answer = out
		return nil
	})
	if err != nil {
		return "", errors.ErrGeneration.WithCause(err)
	}
	return answer, nil
}

var errEmptyAnswer = fmt.Errorf("language model returned an empty answer")

// store 写入缓存。已取消或超时的查询不写缓存。
func (o *QueryOrchestrator) store(ctx context.Context, q *model.RAGQuery, resp *model.RAGResponse) {
	if ctx.Err() != nil {
		return
	}
	_ = o.cache.Set(ctx, q, resp)
}

// contextError 把上下文取消或超时转换为对应的错误码。
func contextError(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return errors.ErrQueryTimeout.WithCause(ctx.Err())
	default:
		return errors.ErrContextCanceled.WithCause(ctx.Err())
	}
}

func preview(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "..."
}
