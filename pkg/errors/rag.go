package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// RAG 服务错误码 (AA = 20)。
// 调用方通过 errors.Is(err, ErrXxx) 按错误类别判断，消息可用 WithMessage 定制。
var (
	// ErrValidation 请求或文档不合法，同步拒绝且不重试。
	ErrValidation = Register(New(MakeCode(ServiceRAG, CategoryRequest, 1), http.StatusBadRequest, codes.InvalidArgument,
		"Validation failed", "参数校验失败"))

	// ErrEmptyDocument 文档为空或只包含空白字符。
	ErrEmptyDocument = Register(New(MakeCode(ServiceRAG, CategoryRequest, 2), http.StatusBadRequest, codes.InvalidArgument,
		"Document is empty", "文档内容为空"))

	// ErrUnsupportedFormat 文件格式不受支持。
	ErrUnsupportedFormat = Register(New(MakeCode(ServiceRAG, CategoryRequest, 3), http.StatusUnsupportedMediaType, codes.InvalidArgument,
		"Unsupported document format", "不支持的文档格式"))

	// ErrDocumentNotFound 文档不存在。过滤和删除场景下不会返回该错误。
	ErrDocumentNotFound = Register(New(MakeCode(ServiceRAG, CategoryResource, 1), http.StatusNotFound, codes.NotFound,
		"Document not found", "文档不存在"))

	// ErrChunkNotFound 分块不存在。
	ErrChunkNotFound = Register(New(MakeCode(ServiceRAG, CategoryResource, 2), http.StatusNotFound, codes.NotFound,
		"Chunk not found", "分块不存在"))

	// ErrDocumentBusy 文档仍在摄取中，暂不可删除。
	ErrDocumentBusy = Register(New(MakeCode(ServiceRAG, CategoryConflict, 1), http.StatusConflict, codes.FailedPrecondition,
		"Document is still being ingested", "文档正在摄取中"))

	// ErrIngestionBusy 摄取任务队列已满。
	ErrIngestionBusy = Register(New(MakeCode(ServiceRAG, CategoryRateLimit, 1), http.StatusTooManyRequests, codes.ResourceExhausted,
		"Ingestion queue is full, retry later", "摄取队列已满，请稍后重试"))

	// ErrProcessing 文档内容无法分块处理。
	ErrProcessing = Register(New(MakeCode(ServiceRAG, CategoryInternal, 1), http.StatusUnprocessableEntity, codes.InvalidArgument,
		"Document processing failed", "文档处理失败"))

	// ErrStore 向量索引不可达或写入冲突。
	ErrStore = Register(New(MakeCode(ServiceRAG, CategoryDatabase, 1), http.StatusServiceUnavailable, codes.Unavailable,
		"Vector index unavailable", "向量索引不可用"))

	// ErrEmbedding 向量模型不可用、超时或返回非法向量。
	ErrEmbedding = Register(New(MakeCode(ServiceRAG, CategoryNetwork, 1), http.StatusServiceUnavailable, codes.Unavailable,
		"Embedding service temporarily unavailable", "向量服务暂时不可用"))

	// ErrGeneration 生成模型不可用或超时。
	ErrGeneration = Register(New(MakeCode(ServiceRAG, CategoryNetwork, 2), http.StatusServiceUnavailable, codes.Unavailable,
		"Generation service temporarily unavailable", "生成服务暂时不可用"))

	// ErrQueryTimeout 查询超时。
	ErrQueryTimeout = Register(New(MakeCode(ServiceRAG, CategoryTimeout, 1), http.StatusGatewayTimeout, codes.DeadlineExceeded,
		"Query timeout", "查询超时"))

	// ErrDimensionMismatch 向量维度与部署配置不一致。
	ErrDimensionMismatch = Register(New(MakeCode(ServiceRAG, CategoryConfig, 1), http.StatusInternalServerError, codes.FailedPrecondition,
		"Embedding dimension mismatch", "向量维度不匹配"))
)

// IsValidation 判断是否为校验类错误（含空文档、格式不支持）。
func IsValidation(err error) bool {
	return Is(err, ErrValidation) || Is(err, ErrEmptyDocument) || Is(err, ErrUnsupportedFormat)
}

// IsNotFound 判断是否为资源不存在错误。
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound) || Is(err, ErrDocumentNotFound) || Is(err, ErrChunkNotFound)
}
