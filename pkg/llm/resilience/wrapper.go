// Package resilience 提供 LLM 调用的韧性包装器。
package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/pkg/llm"
)

var (
	_ llm.EmbeddingProvider = (*ResilientEmbeddingProvider)(nil)
	_ llm.ChatProvider      = (*ResilientChatProvider)(nil)
)

// ResilientEmbeddingProvider 带韧性功能的 Embedding Provider 包装器。
type ResilientEmbeddingProvider struct {
	provider llm.EmbeddingProvider
	retry    *RetryConfig
	cb       *CircuitBreaker
}

// NewResilientEmbeddingProvider 创建带韧性功能的 Embedding Provider。
func NewResilientEmbeddingProvider(
	provider llm.EmbeddingProvider,
	retryConfig *RetryConfig,
	cbConfig *CircuitBreakerConfig,
) *ResilientEmbeddingProvider {
	return &ResilientEmbeddingProvider{
		provider: provider,
		retry:    withRetryableDefault(retryConfig),
		cb:       NewCircuitBreaker(named(cbConfig, "embedding/"+provider.Name())),
	}
}

// Embed 为多个文本生成向量嵌入（带重试和熔断）。
func (r *ResilientEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32
	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var err error
		result, err = r.provider.Embed(ctx, texts)
		return err
	})
	return result, err
}

// EmbedSingle 为单个文本生成向量嵌入（带重试和熔断）。
func (r *ResilientEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var err error
		result, err = r.provider.EmbedSingle(ctx, text)
		return err
	})
	return result, err
}

// Name 返回底层供应商名称。
func (r *ResilientEmbeddingProvider) Name() string {
	return r.provider.Name()
}

// CircuitBreaker 获取熔断器实例（用于监控）。
func (r *ResilientEmbeddingProvider) CircuitBreaker() *CircuitBreaker {
	return r.cb
}

// ResilientChatProvider 带韧性功能的 Chat Provider 包装器。
type ResilientChatProvider struct {
	provider llm.ChatProvider
	retry    *RetryConfig
	cb       *CircuitBreaker
}

// NewResilientChatProvider 创建带韧性功能的 Chat Provider。
func NewResilientChatProvider(
	provider llm.ChatProvider,
	retryConfig *RetryConfig,
	cbConfig *CircuitBreakerConfig,
) *ResilientChatProvider {
	return &ResilientChatProvider{
		provider: provider,
		retry:    withRetryableDefault(retryConfig),
		cb:       NewCircuitBreaker(named(cbConfig, "chat/"+provider.Name())),
	}
}

// Chat 进行多轮对话（带重试和熔断）。
func (r *ResilientChatProvider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	var result string
	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var err error
		result, err = r.provider.Chat(ctx, messages)
		return err
	})
	return result, err
}

// Generate 根据提示生成文本（带重试和熔断）。
func (r *ResilientChatProvider) Generate(ctx context.Context, prompt string, systemPrompt string) (string, error) {
	var result string
	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var err error
		result, err = r.provider.Generate(ctx, prompt, systemPrompt)
		return err
	})
	return result, err
}

// Name 返回底层供应商名称。
func (r *ResilientChatProvider) Name() string {
	return r.provider.Name()
}

// CircuitBreaker 获取熔断器实例（用于监控）。
func (r *ResilientChatProvider) CircuitBreaker() *CircuitBreaker {
	return r.cb
}

// named 在未指定名称时用供应商名命名熔断器。
func named(cfg *CircuitBreakerConfig, name string) *CircuitBreakerConfig {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig()
	}
	c := *cfg
	if c.Name == "" {
		c.Name = name
	}
	return &c
}

func withRetryableDefault(cfg *RetryConfig) *RetryConfig {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	c := *cfg
	c.RetryableErrors = IsRetryableError
	if cfg.RetryableErrors != nil {
		c.RetryableErrors = cfg.RetryableErrors
	}
	return &c
}

// IsRetryableError 判断错误是否可重试。
// 网络错误、408/429/5xx 状态码和连接中断可重试，调用方取消、熔断和 4xx 不重试。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitBreakerOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *llm.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Debugw("network timeout, retryable", "error", err.Error())
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		logger.Debugw("network operation error, retryable", "error", err.Error())
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "connection reset") {
		return true
	}

	return false
}
