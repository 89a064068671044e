package handler

import (
	"bytes"
	"context"
	stderrors "errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/pkg/component/storage"
	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeIngestion struct {
	mu        sync.Mutex
	uploaded  map[string][]byte
	deleted   []string
	listLimit int
	uploadErr error
}

func newFakeIngestion() *fakeIngestion {
	return &fakeIngestion{uploaded: make(map[string][]byte)}
}

func (f *fakeIngestion) Upload(_ context.Context, content []byte, filename string) (*biz.UploadResult, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded[filename] = content
	return &biz.UploadResult{DocumentID: "doc-1", Filename: filename, Status: model.StatusPending}, nil
}

func (f *fakeIngestion) GetProgress(_ context.Context, documentID string) (*biz.Progress, error) {
	if documentID != "doc-1" {
		return nil, errors.ErrDocumentNotFound
	}
	return &biz.Progress{DocumentID: documentID, Status: model.StatusProcessing, ChunksProcessed: 2, ChunksTotal: 4, ProgressPercent: 50}, nil
}

func (f *fakeIngestion) ListDocuments(_ context.Context, limit int) ([]biz.DocumentInfo, int, error) {
	f.listLimit = limit
	return []biz.DocumentInfo{{DocumentID: "doc-1", Filename: "a.txt", ChunksCount: 3, Status: model.StatusCompleted}}, 12, nil
}

func (f *fakeIngestion) DeleteDocument(_ context.Context, documentID string) error {
	f.deleted = append(f.deleted, documentID)
	return nil
}

type fakeQuerier struct {
	got model.RAGQuery
	err error
}

func (f *fakeQuerier) ApplyDefaults(q *model.RAGQuery) {
	if q.TopK == 0 {
		q.TopK = 5
	}
	if q.MaxContextLength == 0 {
		q.MaxContextLength = 4000
	}
}

func (f *fakeQuerier) Process(_ context.Context, q model.RAGQuery) (*model.RAGResponse, error) {
	f.got = q
	if f.err != nil {
		return nil, f.err
	}
	return &model.RAGResponse{Answer: "Cats purr [1].", Sources: []model.Source{{DocumentID: "doc-1", InContext: true}}, ContextUsed: 1}, nil
}

func setup(cfg Config) (*gin.Engine, *fakeIngestion, *fakeQuerier) {
	ing := newFakeIngestion()
	q := &fakeQuerier{}
	h := NewRAGHandler(ing, q, metrics.NewTracker("test"), nil, cfg)

	r := gin.New()
	v1 := r.Group("/v1/rag")
	v1.POST("/documents", h.Upload)
	v1.GET("/documents", h.ListDocuments)
	v1.GET("/documents/:id/progress", h.GetProgress)
	v1.DELETE("/documents/:id", h.DeleteDocument)
	v1.POST("/query", h.Query)
	v1.GET("/stats", h.Stats)
	return r, ing, q
}

func do(r http.Handler, req *http.Request) (*httptest.ResponseRecorder, response.Response) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func multipartRequest(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/rag/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	r, ing, _ := setup(Config{MaxUploadBytes: 16})

	tests := []struct {
		name     string
		field    string
		content  string
		wantHTTP int
		wantCode int
	}{
		{"accepted", "file", "cats purr", http.StatusOK, 0},
		{"missing field", "other", "cats purr", http.StatusBadRequest, errors.ErrValidation.Code},
		{"too large", "file", strings.Repeat("x", 17), http.StatusRequestEntityTooLarge, errors.ErrRequestTooLarge.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(r, multipartRequest(t, tt.field, "notes.txt", tt.content))
			assert.Equal(t, tt.wantHTTP, w.Code)
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
	assert.Equal(t, []byte("cats purr"), ing.uploaded["notes.txt"])
}

func TestUploadPropagatesCoordinatorErrors(t *testing.T) {
	r, ing, _ := setup(Config{})
	ing.uploadErr = errors.ErrUnsupportedFormat.WithMessage(`unsupported extension ".pdf"`)

	w, body := do(r, multipartRequest(t, "file", "a.pdf", "x"))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, errors.ErrUnsupportedFormat.Code, body.Code)
	assert.Contains(t, body.Message, ".pdf")
}

func TestListDocuments(t *testing.T) {
	r, ing, _ := setup(Config{})

	w, body := do(r, httptest.NewRequest(http.MethodGet, "/v1/rag/documents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultListLimit, ing.listLimit)
	data := body.Data.(map[string]any)
	assert.EqualValues(t, 12, data["total"], "total counts documents beyond the limit")
	assert.Len(t, data["documents"], 1)

	do(r, httptest.NewRequest(http.MethodGet, "/v1/rag/documents?limit=7", nil))
	assert.Equal(t, 7, ing.listLimit)

	for _, bad := range []string{"0", "-1", "abc", "100000"} {
		w, body := do(r, httptest.NewRequest(http.MethodGet, "/v1/rag/documents?limit="+bad, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
		assert.Equal(t, errors.ErrValidation.Code, body.Code, bad)
	}
}

func TestGetProgress(t *testing.T) {
	r, _, _ := setup(Config{})

	w, body := do(r, httptest.NewRequest(http.MethodGet, "/v1/rag/documents/doc-1/progress", nil))
	require.Equal(t, http.StatusOK, w.Code)
	data := body.Data.(map[string]any)
	assert.Equal(t, "processing", data["status"])
	assert.EqualValues(t, 50, data["progress_percent"])

	w, body = do(r, httptest.NewRequest(http.MethodGet, "/v1/rag/documents/missing/progress", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrDocumentNotFound.Code, body.Code)
}

func TestDeleteDocument(t *testing.T) {
	r, ing, _ := setup(Config{})

	w, _ := do(r, httptest.NewRequest(http.MethodDelete, "/v1/rag/documents/doc-9", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"doc-9"}, ing.deleted)
}

func TestQuery(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		r, _, q := setup(Config{ScoreThreshold: 0.3})
		req := httptest.NewRequest(http.MethodPost, "/v1/rag/query", strings.NewReader(`{"query":"do cats purr?"}`))
		w, body := do(r, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, model.RAGQuery{Query: "do cats purr?", TopK: 5, ScoreThreshold: 0.3, MaxContextLength: 4000}, q.got)
		assert.Equal(t, "Cats purr [1].", body.Data.(map[string]any)["answer"])
	})

	t.Run("explicit zero threshold kept", func(t *testing.T) {
		r, _, q := setup(Config{ScoreThreshold: 0.3})
		req := httptest.NewRequest(http.MethodPost, "/v1/rag/query",
			strings.NewReader(`{"query":"q","top_k":2,"score_threshold":0,"document_ids":["d1"]}`))
		w, _ := do(r, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, q.got.ScoreThreshold)
		assert.Equal(t, 2, q.got.TopK)
		assert.Equal(t, []string{"d1"}, q.got.DocumentIDs)
	})

	t.Run("malformed body", func(t *testing.T) {
		r, _, _ := setup(Config{})
		w, body := do(r, httptest.NewRequest(http.MethodPost, "/v1/rag/query", strings.NewReader(`{`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, errors.ErrBadRequest.Code, body.Code)
	})

	t.Run("errors mapped", func(t *testing.T) {
		tests := []struct {
			err  error
			http int
		}{
			{errors.ErrValidation.WithMessage("query must not be empty"), http.StatusBadRequest},
			{errors.ErrEmbedding, http.StatusServiceUnavailable},
			{errors.ErrQueryTimeout, http.StatusGatewayTimeout},
			{stderrors.New("boom"), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			r, _, q := setup(Config{})
			q.err = tt.err
			w, _ := do(r, httptest.NewRequest(http.MethodPost, "/v1/rag/query", strings.NewReader(`{"query":"q"}`)))
			assert.Equal(t, tt.http, w.Code, tt.err.Error())
		}
	})
}

func TestStats(t *testing.T) {
	r, _, _ := setup(Config{})

	w, body := do(r, httptest.NewRequest(http.MethodGet, "/v1/rag/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	data := body.Data.(map[string]any)
	assert.Contains(t, data, "metrics")
	assert.Equal(t, false, data["cache"].(map[string]any)["enabled"])
}

type fakeIndex struct {
	count int64
	err   error
}

func (f fakeIndex) Count(context.Context) (int64, error) { return f.count, f.err }
func (f fakeIndex) Dimension() int { return 9 }

type fakeClient struct{ err error }

func (f fakeClient) Name() string { return "fake" }
func (f fakeClient) Ping(context.Context) error { return f.err }
func (f fakeClient) Close() error { return nil }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name      string
		index     fakeIndex
		clientErr error
		code      int
		status    string
	}{
		{"healthy", fakeIndex{count: 12}, nil, http.StatusOK, StatusOK},
		{"index down", fakeIndex{err: stderrors.New("connection refused")}, nil, http.StatusServiceUnavailable, StatusDegraded},
		{"cache down", fakeIndex{count: 1}, stderrors.New("redis down"), http.StatusServiceUnavailable, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := storage.NewManager(nil)
			require.NoError(t, mgr.Register("query-cache", fakeClient{err: tt.clientErr}))

			r := gin.New()
			r.GET("/healthz", NewHealthHandler("memory", tt.index, mgr).Healthz)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.code, w.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, "memory", resp.Backend)
			assert.Equal(t, 9, resp.Dimension)
			assert.Contains(t, resp.Components, "index")
			assert.Contains(t, resp.Components, "query-cache")
		})
	}
}
