package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	"github.com/kart-io/sentinel-rag/pkg/infra/pool"
	"github.com/kart-io/sentinel-rag/pkg/utils/id"
)

// Submitter 异步执行摄取任务，池满时返回 pool.ErrPoolOverload。
type Submitter interface {
	Submit(task func()) error
}

// IngestionConfig 摄取配置。
type IngestionConfig struct {
	// MaxUploadBytes 单个文件的最大字节数。
	MaxUploadBytes int64
	// DataDir 原始文件的保存目录，为空时不保存。
	DataDir string
}

// UploadResult 上传结果。
type UploadResult struct {
	DocumentID string               `json:"document_id"`
	Filename   string               `json:"filename"`
	Status     model.DocumentStatus `json:"status"`
}

// Progress 文档摄取进度。
type Progress struct {
	DocumentID      string               `json:"document_id"`
	Filename        string               `json:"filename"`
	Status          model.DocumentStatus `json:"status"`
	ProgressPercent float64              `json:"progress_percent"`
	ChunksProcessed int                  `json:"chunks_processed"`
	ChunksTotal     int                  `json:"chunks_total"`
	ErrorMessage    string               `json:"error_message,omitempty"`
}

// DocumentInfo 文档列表项，合并了索引中的分块统计和文档记录。
type DocumentInfo struct {
	DocumentID  string               `json:"document_id"`
	Filename    string               `json:"filename"`
	ChunksCount int                  `json:"chunks_count"`
	Status      model.DocumentStatus `json:"status"`
	ContentType model.Format         `json:"content_type,omitempty"`
	SizeBytes   int64                `json:"size_bytes,omitempty"`
	CreatedAt   string               `json:"created_at,omitempty"`
}

// IngestionCoordinator 驱动文档 pending -> processing -> completed | failed。
// 不同文档在工作池中并发摄取，同一文档的分块、嵌入、写入按顺序执行。
type IngestionCoordinator struct {
	chunker  *Chunker
	embedder *Embedder
	index    store.VectorIndex
	docs     store.DocumentStore
	workers  Submitter
	metrics  *metrics.Tracker
	config   IngestionConfig

	// onChange 在索引内容变化后调用，用于清理查询缓存。
	onChange func(ctx context.Context)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIngestionCoordinator 创建摄取协调器。
func NewIngestionCoordinator(
	chunker *Chunker,
	embedder *Embedder,
	index store.VectorIndex,
	docs store.DocumentStore,
	workers Submitter,
	tracker *metrics.Tracker,
	cfg IngestionConfig,
) *IngestionCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &IngestionCoordinator{
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		docs:     docs,
		workers:  workers,
		metrics:  tracker,
		config:   cfg,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// OnIndexChange 注册索引变化回调。
func (c *IngestionCoordinator) OnIndexChange(fn func(ctx context.Context)) {
	c.onChange = fn
}

// Upload 校验并登记文档，然后提交到工作池异步摄取。
// 工作池已满时删除登记记录并返回 ErrIngestionBusy。
func (c *IngestionCoordinator) Upload(ctx context.Context, content []byte, filename string) (*UploadResult, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, errors.ErrValidation.WithMessage("filename must not be empty")
	}
	if c.config.MaxUploadBytes > 0 && int64(len(content)) > c.config.MaxUploadBytes {
		return nil, errors.ErrRequestTooLarge.WithMessagef("file exceeds the %d byte upload limit", c.config.MaxUploadBytes)
	}
	format, err := DetectFormat(name)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(content) {
		return nil, errors.ErrValidation.WithMessage("file is not valid UTF-8 text")
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, errors.ErrEmptyDocument.WithMessagef("document %q is empty", name)
	}

	doc := &model.Document{
		ID:          id.NewULID(),
		Filename:    name,
		SizeBytes:   int64(len(content)),
		ContentType: format,
		Hash:        sha256Hex(content),
		Status:      model.StatusPending,
	}

	if c.config.DataDir != "" {
		path, err := c.saveRaw(doc, content)
		if err != nil {
			return nil, err
		}
		doc.SourcePath = path
	}

	if err := c.docs.Create(ctx, doc); err != nil {
		c.removeRaw(doc)
		return nil, err
	}

	// 摄取在请求返回后才执行，用 link 关联上传请求的 trace
	uploadSpan := trace.SpanContextFromContext(ctx)
	c.wg.Add(1)
	err = c.workers.Submit(func() {
		defer c.wg.Done()
		c.process(doc, content, uploadSpan)
	})
	if err != nil {
		c.wg.Done()
		c.removeRaw(doc)
		if derr := c.docs.Delete(context.WithoutCancel(ctx), doc.ID); derr != nil {
			logger.Errorw("failed to roll back rejected upload", "document_id", doc.ID, "error", derr.Error())
		}
		if errors.Is(err, pool.ErrPoolOverload) {
			return nil, errors.ErrIngestionBusy
		}
		return nil, errors.ErrServiceUnavailable.WithCause(err)
	}

	logger.Infow("document accepted for ingestion",
		"document_id", doc.ID,
		"filename", doc.Filename,
		"size_bytes", doc.SizeBytes,
		"format", doc.ContentType,
	)
	return &UploadResult{DocumentID: doc.ID, Filename: doc.Filename, Status: doc.Status}, nil
}

// process 在工作池中执行一个文档的摄取，失败时清理该文档的全部索引记录。
func (c *IngestionCoordinator) process(doc *model.Document, content []byte, link trace.SpanContext) {
	ctx, span := tracing.StartSpan(c.baseCtx, "rag.ingest",
		trace.WithNewRoot(),
		trace.WithLinks(trace.Link{SpanContext: link}),
		trace.WithAttributes(
			attribute.String("rag.document_id", doc.ID),
			attribute.String("rag.filename", doc.Filename),
		),
	)
	chunks, err := c.ingest(ctx, doc, content)
	span.SetAttributes(attribute.Int("rag.chunks", chunks))
	defer tracing.End(span, err)
	c.metrics.RecordIngestion(chunks, err)
	if err == nil {
		logger.Infow("document ingested", "document_id", doc.ID, "filename", doc.Filename, "chunks", chunks)
		c.notifyChange(ctx)
		return
	}

	// 内容本身不可用（空文档、格式不支持）属于调用方问题
	if errors.IsValidation(err) {
		logger.Warnw("document rejected during ingestion", "document_id", doc.ID, "filename", doc.Filename, "error", err.Error())
	} else {
		logger.Errorw("document ingestion failed", "document_id", doc.ID, "filename", doc.Filename, "error", err.Error())
	}

	// 关闭过程中 baseCtx 已取消，清理仍需完成
	cleanupCtx := context.WithoutCancel(ctx)
	reason := failureReason(err)
	if derr := c.index.DeleteDocument(cleanupCtx, doc.ID); derr != nil {
		logger.Errorw("failed to remove partial index entries", "document_id", doc.ID, "error", derr.Error())
		reason += "; partial index entries could not be removed"
	}
	if merr := c.docs.MarkFailed(cleanupCtx, doc.ID, reason); merr != nil {
		logger.Errorw("failed to mark document failed", "document_id", doc.ID, "error", merr.Error())
	}
}

func (c *IngestionCoordinator) ingest(ctx context.Context, doc *model.Document, content []byte) (int, error) {
	// 1. pending -> processing
	if err := c.docs.MarkProcessing(ctx, doc.ID); err != nil {
		return 0, err
	}

	// 2. 分块
	_, chunkSpan := tracing.StartSpan(ctx, "rag.chunk")
	chunks, err := c.chunker.Chunk(doc, string(content))
	chunkSpan.SetAttributes(attribute.Int("rag.chunks", len(chunks)))
	tracing.End(chunkSpan, err)
	if err != nil {
		return 0, err
	}
	if err := c.docs.SetTotal(ctx, doc.ID, len(chunks)); err != nil {
		return 0, err
	}

	// 3. 按批嵌入并写入索引，每批完成后推进进度
	batchSize := c.embedder.BatchSize()
	for start := 0; start < len(chunks); start += batchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := min(start+batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}
		embedCtx, embedSpan := tracing.StartSpan(ctx, "rag.embed", trace.WithAttributes(attribute.Int("rag.batch", len(texts))))
		vectors, err := c.embedder.Encode(embedCtx, texts)
		tracing.End(embedSpan, err)
		if err != nil {
			return 0, err
		}

		entries := make([]store.IndexEntry, len(batch))
		for i, ch := range batch {
			entries[i] = store.IndexEntry{
				ID:     ch.ID,
				Vector: vectors[i],
				Payload: store.Payload{
					DocumentID: doc.ID,
					SourceFile: doc.Filename,
					ChunkIndex: ch.Index,
					Text:       ch.Text,
					Metadata:   ch.Metadata,
				},
			}
		}
		upsertCtx, upsertSpan := tracing.StartSpan(ctx, "rag.upsert", trace.WithAttributes(attribute.Int("rag.batch", len(entries))))
		_, err = c.index.Upsert(upsertCtx, entries)
		tracing.End(upsertSpan, err)
		if err != nil {
			return 0, err
		}
		if err := c.docs.UpdateProgress(ctx, doc.ID, end); err != nil {
			return 0, err
		}
		logger.Debugw("ingestion progress", "document_id", doc.ID, "processed", end, "total", len(chunks))
	}

	// 4. processing -> completed
	if err := c.docs.MarkCompleted(ctx, doc.ID, len(chunks)); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// GetProgress 返回文档的摄取进度。
func (c *IngestionCoordinator) GetProgress(ctx context.Context, documentID string) (*Progress, error) {
	doc, err := c.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		DocumentID:      doc.ID,
		Filename:        doc.Filename,
		Status:          doc.Status,
		ProgressPercent: doc.ProgressPercent(),
		ChunksProcessed: doc.ChunksProcessed,
		ChunksTotal:     doc.ChunkCount,
		ErrorMessage:    doc.ErrorMessage,
	}, nil
}

// ListDocuments 以索引的分块统计为准，补充文档记录中的文件名、状态等信息。
// 只存在于文档记录中的文档（摄取中或失败）也会列出，分块数为 0。
// 返回的总数是截断到 limit 之前的文档数。
func (c *IngestionCoordinator) ListDocuments(ctx context.Context, limit int) ([]DocumentInfo, int, error) {
	summaries, err := c.index.ListDocuments(ctx, 0)
	if err != nil {
		return nil, 0, err
	}
	records, _, err := c.docs.List(ctx, 0, 0)
	if err != nil {
		return nil, 0, err
	}

	chunkCounts := make(map[string]store.DocumentSummary, len(summaries))
	for _, s := range summaries {
		chunkCounts[s.DocumentID] = s
	}

	infos := make([]DocumentInfo, 0, max(len(records), len(summaries)))
	seen := make(map[string]struct{}, len(records))
	for _, doc := range records {
		seen[doc.ID] = struct{}{}
		info := DocumentInfo{
			DocumentID:  doc.ID,
			Filename:    doc.Filename,
			Status:      doc.Status,
			ContentType: doc.ContentType,
			SizeBytes:   doc.SizeBytes,
			CreatedAt:   doc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if s, ok := chunkCounts[doc.ID]; ok {
			info.ChunksCount = s.ChunkCount
		}
		infos = append(infos, info)
	}
	// 索引中有但没有记录的文档（例如外部写入），状态视为 completed
	for _, s := range summaries {
		if _, ok := seen[s.DocumentID]; ok {
			continue
		}
		infos = append(infos, DocumentInfo{
			DocumentID:  s.DocumentID,
			Filename:    s.SourceFile,
			ChunksCount: s.ChunkCount,
			Status:      model.StatusCompleted,
		})
	}

	total := len(infos)
	if limit > 0 && total > limit {
		infos = infos[:limit]
	}
	return infos, total, nil
}

// DeleteDocument 先删除索引中的分块，再删除文档记录。文档不存在时为空操作。
// 摄取中的文档返回 ErrDocumentBusy。
func (c *IngestionCoordinator) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := c.docs.Get(ctx, documentID)
	switch {
	case err == nil:
		if !doc.Status.Terminal() {
			return errors.ErrDocumentBusy.WithMessagef("document %s is %s", documentID, doc.Status)
		}
	case errors.IsNotFound(err):
		doc = nil
	default:
		return err
	}

	if err := c.index.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if doc != nil {
		if err := c.docs.Delete(ctx, documentID); err != nil {
			return err
		}
		c.removeRaw(doc)
	}

	logger.Infow("document deleted", "document_id", documentID)
	c.notifyChange(ctx)
	return nil
}

// Recover 将上次进程退出时未完成的文档标记为失败并清理其索引记录。
func (c *IngestionCoordinator) Recover(ctx context.Context) error {
	docs, err := c.docs.ListByStatus(ctx, model.StatusPending, model.StatusProcessing)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := c.index.DeleteDocument(ctx, doc.ID); err != nil {
			return err
		}
		if err := c.docs.MarkFailed(ctx, doc.ID, "ingestion interrupted by restart"); err != nil {
			return err
		}
		logger.Warnw("marked interrupted ingestion as failed", "document_id", doc.ID, "filename", doc.Filename)
	}
	return nil
}

// Close 取消进行中的摄取并等待工作协程退出。
func (c *IngestionCoordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Wait 等待已提交的摄取任务完成。
func (c *IngestionCoordinator) Wait() {
	c.wg.Wait()
}

func (c *IngestionCoordinator) notifyChange(ctx context.Context) {
	if c.onChange != nil {
		c.onChange(context.WithoutCancel(ctx))
	}
}

func (c *IngestionCoordinator) saveRaw(doc *model.Document, content []byte) (string, error) {
	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return "", errors.ErrInternal.WithCause(fmt.Errorf("create data dir: %w", err))
	}
	path := filepath.Join(c.config.DataDir, doc.ID+filepath.Ext(doc.Filename))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", errors.ErrInternal.WithCause(fmt.Errorf("save upload: %w", err))
	}
	return path, nil
}

func (c *IngestionCoordinator) removeRaw(doc *model.Document) {
	if doc.SourcePath == "" {
		return
	}
	if err := os.Remove(doc.SourcePath); err != nil && !os.IsNotExist(err) {
		logger.Warnw("failed to remove raw document", "path", doc.SourcePath, "error", err.Error())
	}
}

func sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// failureReason 返回可展示给用户的失败原因，不包含内部错误链。
func failureReason(err error) string {
	var errno *errors.Errno
	if errors.As(err, &errno) {
		return errno.MessageEN
	}
	if errors.Is(err, context.Canceled) {
		return "ingestion cancelled by shutdown"
	}
	return "document processing failed"
}
