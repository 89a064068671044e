// Package handler provides HTTP handlers for the RAG service.
package handler

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	// multipartOverhead 为 multipart 边界和头部预留的字节数。
	multipartOverhead = 64 << 10
)

// Ingestion 是 handler 依赖的摄取能力，由 biz.IngestionCoordinator 实现。
type Ingestion interface {
	Upload(ctx context.Context, content []byte, filename string) (*biz.UploadResult, error)
	GetProgress(ctx context.Context, documentID string) (*biz.Progress, error)
	ListDocuments(ctx context.Context, limit int) ([]biz.DocumentInfo, int, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// Querier 是 handler 依赖的问答能力，由 biz.QueryOrchestrator 实现。
type Querier interface {
	ApplyDefaults(q *model.RAGQuery)
	Process(ctx context.Context, q model.RAGQuery) (*model.RAGResponse, error)
}

// CacheStatser 返回查询缓存统计。
type CacheStatser interface {
	GetStats(ctx context.Context) (*biz.CacheStats, error)
}

var (
	_ Ingestion    = (*biz.IngestionCoordinator)(nil)
	_ Querier      = (*biz.QueryOrchestrator)(nil)
	_ CacheStatser = (*biz.QueryCache)(nil)
)

// Config handler 配置。
type Config struct {
	// MaxUploadBytes 单个上传文件的最大字节数。
	MaxUploadBytes int64
	// ScoreThreshold 请求未指定 score_threshold 时使用。
	ScoreThreshold float64
}

// RAGHandler handles RAG HTTP requests.
type RAGHandler struct {
	ingestion Ingestion
	querier   Querier
	tracker   *metrics.Tracker
	cache     CacheStatser
	config    Config
}

// NewRAGHandler creates a new RAGHandler. cache may be nil.
func NewRAGHandler(ingestion Ingestion, querier Querier, tracker *metrics.Tracker, cache CacheStatser, cfg Config) *RAGHandler {
	return &RAGHandler{
		ingestion: ingestion,
		querier:   querier,
		tracker:   tracker,
		cache:     cache,
		config:    cfg,
	}
}

// Upload accepts a multipart "file" field and queues it for ingestion.
func (h *RAGHandler) Upload(c *gin.Context) {
	if h.config.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.config.MaxUploadBytes+multipartOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			response.Fail(c, h.tooLarge())
			return
		}
		response.Fail(c, errors.ErrValidation.WithMessage(`multipart field "file" is required`).WithCause(err))
		return
	}
	if h.config.MaxUploadBytes > 0 && fh.Size > h.config.MaxUploadBytes {
		response.Fail(c, h.tooLarge())
		return
	}

	f, err := fh.Open()
	if err != nil {
		response.Fail(c, errors.ErrBadRequest.WithCause(err))
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		response.Fail(c, errors.ErrBadRequest.WithCause(err))
		return
	}

	result, err := h.ingestion.Upload(c.Request.Context(), content, fh.Filename)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

func (h *RAGHandler) tooLarge() *errors.Errno {
	return errors.ErrRequestTooLarge.WithMessagef("file exceeds the %d byte upload limit", h.config.MaxUploadBytes)
}

// ListDocumentsResponse 文档列表。
type ListDocumentsResponse struct {
	Documents []biz.DocumentInfo `json:"documents"`
	Total     int                `json:"total"`
}

// ListDocuments lists indexed and pending documents.
func (h *RAGHandler) ListDocuments(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			response.Fail(c, errors.ErrValidation.WithMessagef("limit must be an integer in [1, %d]", maxListLimit))
			return
		}
		limit = n
	}

	docs, total, err := h.ingestion.ListDocuments(c.Request.Context(), limit)
	if err != nil {
		response.Fail(c, err)
		return
	}
	if docs == nil {
		docs = []biz.DocumentInfo{}
	}
	response.OK(c, ListDocumentsResponse{Documents: docs, Total: total})
}

// GetProgress returns the ingestion progress of one document.
func (h *RAGHandler) GetProgress(c *gin.Context) {
	progress, err := h.ingestion.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, progress)
}

// DeleteDocumentResponse 删除结果。
type DeleteDocumentResponse struct {
	DocumentID string `json:"document_id"`
	Deleted    bool   `json:"deleted"`
}

// DeleteDocument removes a document and its chunks. Unknown ids succeed.
func (h *RAGHandler) DeleteDocument(c *gin.Context) {
	documentID := c.Param("id")
	if err := h.ingestion.DeleteDocument(c.Request.Context(), documentID); err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, DeleteDocumentResponse{DocumentID: documentID, Deleted: true})
}

// QueryRequest is the body of POST /v1/rag/query.
// ScoreThreshold 为指针，区分未设置和显式的 0。
type QueryRequest struct {
	Query            string   `json:"query"`
	TopK             int      `json:"top_k,omitempty"`
	ScoreThreshold   *float64 `json:"score_threshold,omitempty"`
	DocumentIDs      []string `json:"document_ids,omitempty"`
	MaxContextLength int      `json:"max_context_length,omitempty"`
}

func (r *QueryRequest) toQuery(defaultThreshold float64) model.RAGQuery {
	q := model.RAGQuery{
		Query:            r.Query,
		TopK:             r.TopK,
		ScoreThreshold:   defaultThreshold,
		DocumentIDs:      r.DocumentIDs,
		MaxContextLength: r.MaxContextLength,
	}
	if r.ScoreThreshold != nil {
		q.ScoreThreshold = *r.ScoreThreshold
	}
	return q
}

// Query answers a question from the indexed documents.
func (h *RAGHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			response.Fail(c, errors.ErrRequestTooLarge.WithCause(err))
			return
		}
		response.Fail(c, errors.ErrBadRequest.WithMessage("request body must be a JSON query object").WithCause(err))
		return
	}

	q := req.toQuery(h.config.ScoreThreshold)
	h.querier.ApplyDefaults(&q)

	resp, err := h.querier.Process(c.Request.Context(), q)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, resp)
}

// StatsResponse 服务统计。
type StatsResponse struct {
	Metrics metrics.Snapshot `json:"metrics"`
	Cache   *biz.CacheStats  `json:"cache"`
}

// Stats returns the metrics snapshot and cache statistics.
func (h *RAGHandler) Stats(c *gin.Context) {
	out := StatsResponse{
		Metrics: h.tracker.Snapshot(),
		Cache:   &biz.CacheStats{},
	}
	if h.cache != nil {
		stats, err := h.cache.GetStats(c.Request.Context())
		if err != nil {
			response.Fail(c, errors.ErrCache.WithCause(err))
			return
		}
		out.Cache = stats
	}
	response.OK(c, out)
}
