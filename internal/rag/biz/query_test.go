package biz

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/llm/resilience"
)

type queryFixture struct {
	orch     *QueryOrchestrator
	index    *store.MemoryIndex
	provider *keywordEmbedder
	tracker  *metrics.Tracker
}

func newQueryFixture(t *testing.T, chat llm.ChatProvider, cfg QueryConfig) *queryFixture {
	t.Helper()
	f := &queryFixture{
		index:    store.NewMemoryIndex(testDim),
		provider: newKeywordEmbedder(),
		tracker:  metrics.NewTracker("test"),
	}
	if cfg.GenerationRetry.InitialDelay == 0 {
		cfg.GenerationRetry = resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	}
	embedder := NewEmbedder(f.provider, EmbedderConfig{Dimension: testDim})
	f.orch = NewQueryOrchestrator(embedder, f.index, chat, nil, f.tracker, cfg)
	return f
}

// add 写入一个分块，向量由文本的关键词决定。
func (f *queryFixture) add(t *testing.T, docID string, index int, text string) {
	t.Helper()
	f.addVector(t, docID, index, text, keywordVector(text, testDim))
}

func (f *queryFixture) addVector(t *testing.T, docID string, index int, text string, vec []float32) {
	t.Helper()
	_, err := f.index.Upsert(context.Background(), []store.IndexEntry{{
		ID:     ChunkID(docID, index),
		Vector: vec,
		Payload: store.Payload{
			DocumentID: docID,
			SourceFile: docID + ".txt",
			ChunkIndex: index,
			Text:       text,
		},
	}})
	require.NoError(t, err)
}

func (f *queryFixture) seed(t *testing.T) {
	f.add(t, "pets", 0, "The cat sleeps all day.")
	f.add(t, "pets", 1, "A dog needs a long walk.")
	f.add(t, "garage", 0, "The car engine was rebuilt.")
}

func query(text string) model.RAGQuery {
	return model.RAGQuery{Query: text, TopK: 5, ScoreThreshold: 0.5, MaxContextLength: 4000}
}

func TestQueryAnswered(t *testing.T) {
	chat := &scriptedChat{replies: []chatReply{{text: "  Cats sleep a lot [1].  "}}}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.seed(t)

	resp, err := f.orch.Process(context.Background(), query("What does the cat do?"))
	require.NoError(t, err)

	assert.Equal(t, "Cats sleep a lot [1].", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "pets", resp.Sources[0].DocumentID)
	assert.Equal(t, "pets.txt", resp.Sources[0].Filename)
	assert.Equal(t, ChunkID("pets", 0), resp.Sources[0].ChunkID)
	assert.True(t, resp.Sources[0].InContext)
	assert.InDelta(t, 1.0, resp.Sources[0].RelevanceScore, 1e-6)
	assert.Equal(t, 1, resp.ContextUsed)
	assert.False(t, resp.NoResults)
	assert.False(t, resp.Degraded)
	assert.Greater(t, resp.ResponseTime, 0.0)

	prompt := chat.lastPrompt()
	assert.Contains(t, prompt, "The cat sleeps all day.")
	assert.Contains(t, prompt, "What does the cat do?")
	assert.NotContains(t, prompt, "{{context}}")

	snap := f.tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalQueries)
	assert.Equal(t, uint64(1), snap.QueriesByOutcome["answered"])
	assert.Equal(t, 1.0, f.tracker.SuccessRate())
}

func TestQueryNoRelevantResults(t *testing.T) {
	chat := &scriptedChat{}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.seed(t)

	q := query("piano lessons")
	q.ScoreThreshold = 0.9
	q.DocumentIDs = []string{"pets"}

	resp, err := f.orch.Process(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, resp.NoResults)
	assert.Empty(t, resp.Sources)
	assert.NotNil(t, resp.Sources)
	assert.Equal(t, NoResultsAnswer, resp.Answer)
	assert.Zero(t, chat.calls.Load(), "generation is skipped")
	assert.Equal(t, 1.0, f.tracker.SuccessRate(), "no results is a normal outcome")
}

func TestQueryFilterRestrictsDocuments(t *testing.T) {
	f := newQueryFixture(t, &scriptedChat{}, QueryConfig{})
	f.seed(t)
	f.add(t, "zoo", 0, "The cat at the zoo is a lion.")

	q := query("cat")
	q.DocumentIDs = []string{"zoo"}
	resp, err := f.orch.Process(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "zoo", resp.Sources[0].DocumentID)

	q.DocumentIDs = []string{"does-not-exist"}
	resp, err = f.orch.Process(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, resp.NoResults)
}

func TestQueryValidation(t *testing.T) {
	f := newQueryFixture(t, &scriptedChat{}, QueryConfig{})

	tests := []struct {
		name string
		edit func(*model.RAGQuery)
	}{
		{"blank query", func(q *model.RAGQuery) { q.Query = "  \n\t" }},
		{"top_k too large", func(q *model.RAGQuery) { q.TopK = 101 }},
		{"negative top_k", func(q *model.RAGQuery) { q.TopK = -1 }},
		{"threshold above one", func(q *model.RAGQuery) { q.ScoreThreshold = 1.5 }},
		{"negative threshold", func(q *model.RAGQuery) { q.ScoreThreshold = -0.1 }},
		{"bad document id", func(q *model.RAGQuery) { q.DocumentIDs = []string{"a/b"} }},
		{"query too long", func(q *model.RAGQuery) { q.Query = strings.Repeat("a", 4097) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := query("cat")
			tt.edit(&q)
			_, err := f.orch.Process(context.Background(), q)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
	assert.Zero(t, f.provider.Calls(), "invalid queries are never embedded")
}

func TestQueryDefaultsApplied(t *testing.T) {
	f := newQueryFixture(t, &scriptedChat{}, QueryConfig{DefaultTopK: 1})
	f.seed(t)
	f.add(t, "pets", 2, "Another cat story.")

	resp, err := f.orch.Process(context.Background(), model.RAGQuery{Query: "cat"})
	require.NoError(t, err)
	assert.Len(t, resp.Sources, 1)
}

func TestQueryContextSkipsOversizedChunks(t *testing.T) {
	chat := &scriptedChat{}
	f := newQueryFixture(t, chat, QueryConfig{})

	long := "cat " + strings.Repeat("filler ", 40)
	f.addVector(t, "a", 0, long, keywordVector("cat", testDim))
	short := "A small cat."
	f.addVector(t, "b", 0, short, []float32{1, 0.3, 0, 0, 0, 0, 0, 0, 0.01})

	q := query("cat")
	q.MaxContextLength = 50
	resp, err := f.orch.Process(context.Background(), q)
	require.NoError(t, err)

	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "a", resp.Sources[0].DocumentID, "rank order is kept")
	assert.False(t, resp.Sources[0].InContext)
	assert.True(t, resp.Sources[1].InContext)
	assert.Equal(t, 1, resp.ContextUsed)
	assert.True(t, strings.HasSuffix(resp.Sources[0].ContentPreview, "..."), "long previews are shortened")

	prompt := chat.lastPrompt()
	assert.Contains(t, prompt, short)
	assert.NotContains(t, prompt, "filler", "oversized chunks are skipped, not truncated")
}

func TestQueryNothingFitsInContext(t *testing.T) {
	chat := &scriptedChat{}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.add(t, "a", 0, "The cat "+strings.Repeat("purrs ", 20))

	q := query("cat")
	q.MaxContextLength = 10
	resp, err := f.orch.Process(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, ContextTooSmallAnswer, resp.Answer)
	assert.Len(t, resp.Sources, 1)
	assert.Zero(t, chat.calls.Load())
}

func TestQueryGenerationRetriesTransientErrors(t *testing.T) {
	chat := &scriptedChat{replies: []chatReply{
		{err: &llm.StatusError{Provider: "test", StatusCode: http.StatusServiceUnavailable}},
		{text: ""},
		{text: "The cat sleeps."},
	}}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.seed(t)

	resp, err := f.orch.Process(context.Background(), query("cat"))
	require.NoError(t, err)
	assert.Equal(t, "The cat sleeps.", resp.Answer)
	assert.Equal(t, int32(3), chat.calls.Load())
	assert.Equal(t, uint64(2), f.tracker.Snapshot().GenerationRetries)
}

func TestQueryGenerationExhaustedIsDegraded(t *testing.T) {
	chat := &scriptedChat{replies: []chatReply{
		{err: &llm.StatusError{Provider: "test", StatusCode: http.StatusBadGateway}},
	}}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.seed(t)

	resp, err := f.orch.Process(context.Background(), query("cat"))
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, UnableToAnswer, resp.Answer)
	require.Len(t, resp.Sources, 1, "sources survive a failed generation")
	assert.Equal(t, int32(3), chat.calls.Load())

	snap := f.tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.QueriesByOutcome["degraded"])
	assert.Zero(t, f.tracker.SuccessRate())
}

func TestQueryGenerationClientErrorNotRetried(t *testing.T) {
	chat := &scriptedChat{replies: []chatReply{
		{err: &llm.StatusError{Provider: "test", StatusCode: http.StatusBadRequest}},
	}}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.seed(t)

	resp, err := f.orch.Process(context.Background(), query("cat"))
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, int32(1), chat.calls.Load())
}

func TestQueryEmbeddingUnavailable(t *testing.T) {
	f := newQueryFixture(t, &scriptedChat{}, QueryConfig{})
	f.seed(t)
	f.provider.fail = fmt.Errorf("dial tcp: connection refused")

	_, err := f.orch.Process(context.Background(), query("cat"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEmbedding))
	assert.Contains(t, errors.FromError(err).MessageEN, "temporarily unavailable")
	assert.Equal(t, uint64(1), f.tracker.Snapshot().QueriesByOutcome["failed"])
}

func TestQueryTimeout(t *testing.T) {
	f := newQueryFixture(t, blockingChat{}, QueryConfig{Timeout: 20 * time.Millisecond})
	f.seed(t)

	_, err := f.orch.Process(context.Background(), query("cat"))
	assert.True(t, errors.Is(err, errors.ErrQueryTimeout), "got %v", err)
}

func TestQueryCancelled(t *testing.T) {
	f := newQueryFixture(t, blockingChat{}, QueryConfig{})
	f.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := f.orch.Process(ctx, query("cat"))
	assert.True(t, errors.Is(err, errors.ErrContextCanceled), "got %v", err)
	assert.Zero(t, f.tracker.SuccessRate())
}

func TestQuerySuccessRate(t *testing.T) {
	chat := &scriptedChat{replies: []chatReply{
		{text: "fine"},
		{err: &llm.StatusError{Provider: "test", StatusCode: http.StatusBadRequest}},
	}}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.seed(t)

	_, err := f.orch.Process(context.Background(), query("cat"))
	require.NoError(t, err)
	_, err = f.orch.Process(context.Background(), query("dog"))
	require.NoError(t, err)

	assert.Equal(t, 0.5, f.tracker.SuccessRate())
	assert.Greater(t, f.tracker.AvgResponseTime(), time.Duration(0))
}

func sourceIDs(resp *model.RAGResponse) []string {
	ids := make([]string, len(resp.Sources))
	for i, s := range resp.Sources {
		ids[i] = s.ChunkID
	}
	return ids
}

func TestQueryRaisingThresholdNeverAddsSources(t *testing.T) {
	f := newQueryFixture(t, &scriptedChat{}, QueryConfig{})
	f.seed(t)
	f.add(t, "pets", 2, "The cat and the dog share a bed.")
	f.add(t, "park", 0, "A dog swims in the river near the tree.")

	var previous map[string]bool
	for _, threshold := range []float64{0, 0.2, 0.4, 0.6, 0.8, 0.95, 1} {
		q := query("Where does the dog sleep with the cat?")
		q.ScoreThreshold = threshold

		resp, err := f.orch.Process(context.Background(), q)
		require.NoError(t, err)

		current := make(map[string]bool, len(resp.Sources))
		for _, s := range resp.Sources {
			assert.GreaterOrEqual(t, s.RelevanceScore, threshold-1e-9)
			current[s.ChunkID] = true
			if previous != nil {
				assert.True(t, previous[s.ChunkID], "threshold %.2f added %s", threshold, s.ChunkID)
			}
		}
		previous = current
	}
}

func TestQueryEmptyDocumentIDsSearchesWholeIndex(t *testing.T) {
	f := newQueryFixture(t, &scriptedChat{}, QueryConfig{})
	f.seed(t)

	omitted := query("cat dog car")
	omitted.ScoreThreshold = 0
	empty := omitted
	empty.DocumentIDs = []string{}

	a, err := f.orch.Process(context.Background(), omitted)
	require.NoError(t, err)
	b, err := f.orch.Process(context.Background(), empty)
	require.NoError(t, err)

	assert.Len(t, a.Sources, 3)
	assert.Equal(t, sourceIDs(a), sourceIDs(b))
}
