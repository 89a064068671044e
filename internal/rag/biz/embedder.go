package biz

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/llm"
)

// EmbedderConfig 向量化配置。
type EmbedderConfig struct {
	// Dimension 部署固定的向量维度。
	Dimension int
	// BatchSize 单次请求的文本数，只影响吞吐，不影响结果。
	BatchSize int
	// MaxTextLength 单个文本的最大字符数。
	MaxTextLength int
}

// Embedder 调用嵌入模型并校验返回的向量。
// 任何不合法的输出都以 ErrEmbedding 失败，从不用零向量代替。
type Embedder struct {
	provider llm.EmbeddingProvider
	config   EmbedderConfig
}

// NewEmbedder 创建向量化组件。
func NewEmbedder(provider llm.EmbeddingProvider, cfg EmbedderConfig) *Embedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Embedder{provider: provider, config: cfg}
}

// Dimension 返回向量维度 D。
func (e *Embedder) Dimension() int {
	return e.config.Dimension
}

// BatchSize 返回批大小。
func (e *Embedder) BatchSize() int {
	return e.config.BatchSize
}

// MeasureDimension 嵌入一段固定文本并返回模型实际输出的维度，启动时用于校验配置。
func (e *Embedder) MeasureDimension(ctx context.Context) (int, error) {
	vec, err := e.provider.EmbedSingle(ctx, "dimension check")
	if err != nil {
		return 0, errors.ErrEmbedding.WithCause(err)
	}
	return len(vec), nil
}

// Encode 按输入顺序返回向量，结果数量与输入一致。
func (e *Embedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if e.config.MaxTextLength > 0 && utf8.RuneCountInString(t) > e.config.MaxTextLength {
			return nil, errors.ErrEmbedding.WithMessagef("text %d exceeds the %d character limit", i, e.config.MaxTextLength)
		}
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))
		batch, err := e.provider.Embed(ctx, texts[start:end])
		if err != nil {
			logger.Warnw("embedding request failed",
				"provider", e.provider.Name(),
				"batch_start", start,
				"batch_size", end-start,
				"error", err.Error(),
			)
			return nil, errors.ErrEmbedding.WithCause(err)
		}
		if len(batch) != end-start {
			return nil, errors.ErrEmbedding.WithMessagef("provider returned %d vectors for %d texts", len(batch), end-start)
		}
		for i, vec := range batch {
			if err := e.check(vec); err != nil {
				return nil, errors.ErrEmbedding.WithMessagef("vector %d: %s", start+i, err.Error())
			}
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// EncodeQuery 嵌入单个查询文本。
func (e *Embedder) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) check(vec []float32) error {
	if len(vec) != e.config.Dimension {
		return fmt.Errorf("dimension %d does not match %d", len(vec), e.config.Dimension)
	}
	zero := true
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("contains non-finite values")
		}
		if v != 0 {
			zero = false
		}
	}
	if zero {
		return fmt.Errorf("all components are zero")
	}
	return nil
}
