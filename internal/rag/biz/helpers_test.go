package biz

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/llm"
)

// topics 是 keywordEmbedder 的向量维度，每个维度统计一个关键词出现的次数。
var topics = []string{"cat", "dog", "car", "engine", "tree", "river", "bread", "piano"}

const testDim = 9 // len(topics) + 1 个常量维度，避免零向量

// keywordEmbedder 按关键词计数生成向量，相同主题的文本余弦相似度高。
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
	// failAfter 大于 0 时，第 failAfter 次调用之后返回 fail
	failAfter int
	dim       int
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{dim: testDim}
}

func (e *keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls++
	calls, fail, failAfter := e.calls, e.fail, e.failAfter
	e.mu.Unlock()
	if fail != nil && calls > failAfter {
		return nil, fail
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = keywordVector(t, e.dim)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *keywordEmbedder) Name() string { return "keyword" }

// setFail 之后的调用都返回 err，nil 恢复正常。
func (e *keywordEmbedder) setFail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = err
	e.failAfter = 0
}

func (e *keywordEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func keywordVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		for i, topic := range topics {
			if i < dim && strings.TrimSuffix(w, "s") == topic {
				vec[i]++
			}
		}
	}
	vec[dim-1] = 0.01
	return vec
}

// scriptedChat 按顺序返回预设的结果，用完后重复最后一个。
type scriptedChat struct {
	mu      sync.Mutex
	replies []chatReply
	calls   atomic.Int32
	prompts []string
}

type chatReply struct {
	text string
	err  error
}

func (c *scriptedChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	var prompt string
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	return c.Generate(ctx, prompt, "")
}

func (c *scriptedChat) Generate(ctx context.Context, prompt string, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := int(c.calls.Add(1)) - 1

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if len(c.replies) == 0 {
		return "ok", nil
	}
	r := c.replies[min(n, len(c.replies)-1)]
	return r.text, r.err
}

func (c *scriptedChat) Name() string { return "scripted" }

func (c *scriptedChat) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

// blockingChat 阻塞直到上下文结束。
type blockingChat struct{}

func (blockingChat) Chat(ctx context.Context, _ []llm.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingChat) Generate(ctx context.Context, _ string, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingChat) Name() string { return "blocking" }

func newTestDocuments(t *testing.T) *store.GormDocumentStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rag.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	docs, err := store.NewDocumentStore(db, true)
	require.NoError(t, err)
	return docs
}

// sentences 生成 n 个词的文本，每 12 个词以句号结尾。
func sentences(n int) string {
	words := make([]string, n)
	for i := range words {
		w := "w" + strconv.Itoa(i)
		if i%12 == 11 {
			w += "."
		}
		words[i] = w
	}
	return strings.Join(words, " ")
}
