package biz

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kart-io/sentinel-rag/pkg/llm"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func spansByName(spans []sdktrace.ReadOnlySpan) map[string]sdktrace.ReadOnlySpan {
	out := make(map[string]sdktrace.ReadOnlySpan, len(spans))
	for _, s := range spans {
		out[s.Name()] = s
	}
	return out
}

func stringAttr(s sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range s.Attributes() {
		if kv.Key == attribute.Key(key) {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestQuerySpansCoverEachStage(t *testing.T) {
	rec := recordSpans(t)
	chat := &scriptedChat{replies: []chatReply{{text: "Cats sleep [1]."}}}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.seed(t)

	_, err := f.orch.Process(context.Background(), query("What does the cat do?"))
	require.NoError(t, err)

	spans := spansByName(rec.Ended())
	root, ok := spans["rag.query"]
	require.True(t, ok)
	assert.Equal(t, "answered", stringAttr(root, "rag.outcome"))

	for _, name := range []string{"rag.embed", "rag.search", "rag.generate"} {
		s, ok := spans[name]
		require.True(t, ok, name)
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID(), name)
		assert.Equal(t, root.SpanContext().TraceID(), s.SpanContext().TraceID(), name)
	}
	assert.Equal(t, "1", stringAttr(spans["rag.search"], "rag.results"))
}

func TestQuerySpansRecordDegradedGeneration(t *testing.T) {
	rec := recordSpans(t)
	chat := &scriptedChat{replies: []chatReply{
		{err: &llm.StatusError{Provider: "test", StatusCode: http.StatusBadGateway}},
	}}
	f := newQueryFixture(t, chat, QueryConfig{})
	f.seed(t)

	resp, err := f.orch.Process(context.Background(), query("cat"))
	require.NoError(t, err)
	require.True(t, resp.Degraded)

	spans := spansByName(rec.Ended())
	assert.Equal(t, codes.Error, spans["rag.generate"].Status().Code)
	assert.NotEqual(t, codes.Error, spans["rag.query"].Status().Code)
	assert.Equal(t, "degraded", stringAttr(spans["rag.query"], "rag.outcome"))
}

func TestQuerySpanSkipsGenerationWithoutResults(t *testing.T) {
	rec := recordSpans(t)
	f := newQueryFixture(t, &scriptedChat{}, QueryConfig{})
	f.seed(t)

	q := query("piano lessons")
	q.ScoreThreshold = 0.9
	_, err := f.orch.Process(context.Background(), q)
	require.NoError(t, err)

	spans := spansByName(rec.Ended())
	assert.Contains(t, spans, "rag.search")
	assert.NotContains(t, spans, "rag.generate")
	assert.Equal(t, "no_results", stringAttr(spans["rag.query"], "rag.outcome"))
}

func TestIngestionSpans(t *testing.T) {
	rec := recordSpans(t)
	f := newIngestionFixture(t, nil, IngestionConfig{})

	id := f.ingest(t, "animals.txt", sentences(120))

	var root sdktrace.ReadOnlySpan
	counts := map[string]int{}
	for _, s := range rec.Ended() {
		counts[s.Name()]++
		if s.Name() == "rag.ingest" {
			root = s
		}
	}
	require.NotNil(t, root)
	assert.Equal(t, id, stringAttr(root, "rag.document_id"))
	assert.Equal(t, 1, counts["rag.chunk"])
	assert.Positive(t, counts["rag.embed"])
	assert.Equal(t, counts["rag.embed"], counts["rag.upsert"])
}

func TestIngestionSpanRecordsFailure(t *testing.T) {
	rec := recordSpans(t)
	f := newIngestionFixture(t, nil, IngestionConfig{})
	f.provider.setFail(assert.AnError)

	f.ingest(t, "animals.txt", sentences(10))

	spans := spansByName(rec.Ended())
	require.Contains(t, spans, "rag.ingest")
	assert.Equal(t, codes.Error, spans["rag.ingest"].Status().Code)
	assert.Equal(t, codes.Error, spans["rag.embed"].Status().Code)
	assert.NotContains(t, spans, "rag.upsert")
}
