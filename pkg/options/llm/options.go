// Package llm provides LLM provider configuration options.
package llm

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-rag/pkg/options"
)

var _ options.IOptions = (*ProviderOptions)(nil)

// ProviderOptions 定义 LLM 供应商配置。
type ProviderOptions struct {
	// Provider 供应商名称（ollama, openai）。
	Provider string `json:"provider" mapstructure:"provider"`

	// BaseURL API 基础地址。
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// APIKey API 密钥（OpenAI 等需要）。
	APIKey string `json:"api-key" mapstructure:"api-key"`

	// Model 使用的模型名称。
	Model string `json:"model" mapstructure:"model"`

	// Timeout 请求超时时间。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries 最大重试次数。
	MaxRetries int `json:"max-retries" mapstructure:"max-retries"`

	// RetryBackoff 重试退避步长（Ollama HTTP 客户端使用）。
	RetryBackoff time.Duration `json:"retry-backoff" mapstructure:"retry-backoff"`

	// Organization 组织 ID（OpenAI 可选）。
	Organization string `json:"organization" mapstructure:"organization"`

	// Dimensions 请求的向量维度（仅 embedding，OpenAI 支持，0 表示模型默认）。
	Dimensions int `json:"dimensions" mapstructure:"dimensions"`

	// CircuitBreaker 是否启用熔断。
	CircuitBreaker bool `json:"circuit-breaker" mapstructure:"circuit-breaker"`
}

// NewProviderOptions 创建默认 LLM 供应商配置。
func NewProviderOptions() *ProviderOptions {
	return &ProviderOptions{
		Provider:       "ollama",
		BaseURL:        "http://localhost:11434",
		Timeout:        120 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   500 * time.Millisecond,
		CircuitBreaker: true,
	}
}

// NewEmbeddingOptions 创建默认 Embedding 供应商配置。
func NewEmbeddingOptions() *ProviderOptions {
	opts := NewProviderOptions()
	opts.Model = "nomic-embed-text"
	return opts
}

// NewChatOptions 创建默认 Chat 供应商配置。
func NewChatOptions() *ProviderOptions {
	opts := NewProviderOptions()
	opts.Model = "llama3.2"
	return opts
}

// ToConfigMap 转换为配置 map，用于供应商工厂。
func (o *ProviderOptions) ToConfigMap() map[string]any {
	return map[string]any{
		"base_url":      o.BaseURL,
		"api_key":       o.APIKey,
		"embed_model":   o.Model,
		"chat_model":    o.Model,
		"timeout":       o.Timeout,
		"max_retries":   o.MaxRetries,
		"retry_backoff": o.RetryBackoff,
		"organization":  o.Organization,
		"dimensions":    o.Dimensions,
	}
}

// AddFlags adds flags for LLM provider options to the specified FlagSet.
// Embedding and chat providers are distinguished by prefix, e.g. "embedding" or "chat".
func (o *ProviderOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...)
	fs.StringVar(&o.Provider, p+"provider", o.Provider, "LLM provider (ollama, openai).")
	fs.StringVar(&o.BaseURL, p+"base-url", o.BaseURL, "LLM API base URL.")
	fs.StringVar(&o.APIKey, p+"api-key", o.APIKey, "LLM API key.")
	fs.StringVar(&o.Model, p+"model", o.Model, "LLM model name.")
	fs.DurationVar(&o.Timeout, p+"timeout", o.Timeout, "LLM request timeout.")
	fs.IntVar(&o.MaxRetries, p+"max-retries", o.MaxRetries, "LLM maximum number of retries.")
	fs.DurationVar(&o.RetryBackoff, p+"retry-backoff", o.RetryBackoff, "Linear backoff step between LLM HTTP retries.")
	fs.StringVar(&o.Organization, p+"organization", o.Organization, "LLM organization ID (optional).")
	fs.IntVar(&o.Dimensions, p+"dimensions", o.Dimensions, "Requested embedding dimensions (0 keeps the model default).")
	fs.BoolVar(&o.CircuitBreaker, p+"circuit-breaker", o.CircuitBreaker, "Wrap the provider with a circuit breaker.")
}

// Validate validates the LLM provider options.
func (o *ProviderOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.Provider == "" {
		errs = append(errs, fmt.Errorf("provider is required"))
	}
	if o.BaseURL == "" {
		errs = append(errs, fmt.Errorf("base-url is required"))
	}
	if o.Model == "" {
		errs = append(errs, fmt.Errorf("model is required"))
	}
	// OpenAI 供应商需要 API key
	if o.Provider == "openai" && o.APIKey == "" {
		errs = append(errs, fmt.Errorf("api-key is required for openai provider"))
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive"))
	}
	if o.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry-backoff must not be negative"))
	}
	return errs
}

// Complete completes the LLM provider options with defaults.
func (o *ProviderOptions) Complete() error {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.APIKey == "" && o.Provider == "openai" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return nil
}
