package llm

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	name  string
	calls [][]string
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.calls = append(c.calls, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (c *countingEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	v, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (c *countingEmbedder) Name() string { return c.name }

func TestCachedEmbeddingProviderWithoutRedis(t *testing.T) {
	inner := &countingEmbedder{name: "inner"}
	p := NewCachedEmbeddingProvider(inner, nil, nil)

	_, err := p.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)

	assert.Len(t, inner.calls, 2)
	assert.Equal(t, "inner", p.Name())
}

func TestCacheKeyScopedByProvider(t *testing.T) {
	a := NewCachedEmbeddingProvider(&countingEmbedder{name: "ollama"}, nil, nil)
	b := NewCachedEmbeddingProvider(&countingEmbedder{name: "openai"}, nil, nil)

	assert.NotEqual(t, a.cacheKey("same text"), b.cacheKey("same text"))
	assert.Equal(t, a.cacheKey("same text"), a.cacheKey("same text"))
}

func TestCachedEmbeddingProviderWithRedis(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	inner := &countingEmbedder{name: "test-" + time.Now().Format("150405.000000")}
	p := NewCachedEmbeddingProvider(inner, client, &EmbeddingCacheConfig{TTL: time.Minute, KeyPrefix: "test:emb:"})

	first, err := p.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)

	// 第二次只有新文本会发给 provider，且顺序保持
	second, err := p.Embed(context.Background(), []string{"ccc", "a", "bb"})
	require.NoError(t, err)

	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"ccc"}, inner.calls[1])
	assert.Equal(t, first[0], second[1])
	assert.Equal(t, first[1], second[2])
	assert.Equal(t, []float32{3, 1}, second[0])
}
