package store

import (
	"context"
	"math"
	"sort"

	"github.com/kart-io/sentinel-rag/internal/model"
)

// Payload 是与向量一同存储的分块内容。
type Payload struct {
	DocumentID string              `json:"document_id"`
	SourceFile string              `json:"source_file"`
	ChunkIndex int                 `json:"chunk_index"`
	Text       string              `json:"text"`
	Metadata   model.ChunkMetadata `json:"metadata"`
}

// IndexEntry 是向量索引中的一条记录，ID 即 chunk_id。
type IndexEntry struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchResult 表示检索结果，Score 归一化到 [0,1]。
type SearchResult struct {
	ChunkID    string              `json:"chunk_id"`
	DocumentID string              `json:"document_id"`
	SourceFile string              `json:"source_file"`
	ChunkIndex int                 `json:"chunk_index"`
	Text       string              `json:"text"`
	Score      float64             `json:"score"`
	Metadata   model.ChunkMetadata `json:"metadata"`
}

// Filter 限定检索范围。DocumentIDs 为空表示检索整个索引。
type Filter struct {
	DocumentIDs []string
}

// Empty 判断过滤条件是否为空。
func (f Filter) Empty() bool {
	return len(f.DocumentIDs) == 0
}

// DocumentSummary 按文档聚合的分块统计。
type DocumentSummary struct {
	DocumentID string `json:"document_id"`
	SourceFile string `json:"source_file"`
	ChunkCount int    `json:"chunk_count"`
}

// VectorIndex 定义向量索引接口。
//
// 实现必须保证：单条记录的 upsert 是原子的，读者只会看到写入前或写入后的状态；
// 非空过滤条件在排序截断之前生效；结果按分数降序、同分按 chunk_id 升序。
type VectorIndex interface {
	// Upsert 按 ID 写入或替换记录，返回后数据可被检索。
	Upsert(ctx context.Context, entries []IndexEntry) (int, error)

	// Search 返回分数不低于 threshold 的前 topK 条结果。
	Search(ctx context.Context, vector []float32, topK int, threshold float64, filter Filter) ([]SearchResult, error)

	// GetByID 按 chunk_id 读取记录，不存在时返回 ErrChunkNotFound。
	GetByID(ctx context.Context, chunkID string) (*SearchResult, error)

	// ListDocuments 按文档聚合分块数量。
	ListDocuments(ctx context.Context, limit int) ([]DocumentSummary, error)

	// DeleteDocument 删除文档的全部分块，文档不存在时为空操作。
	DeleteDocument(ctx context.Context, documentID string) error

	// Count 返回记录总数。
	Count(ctx context.Context) (int64, error)

	// Dimension 返回向量维度。
	Dimension() int

	// Close 释放资源。
	Close() error
}

// normalizeScore 将余弦相似度截断到 [0,1]，负相关视为完全不相关。
func normalizeScore(cosine float64) float64 {
	if math.IsNaN(cosine) || cosine < 0 {
		return 0
	}
	if cosine > 1 {
		return 1
	}
	return cosine
}

// rankResults 按分数降序、chunk_id 升序排序，丢弃低于阈值的结果后截取前 topK 条。
func rankResults(results []SearchResult, topK int, threshold float64) []SearchResult {
	kept := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].ChunkID < kept[j].ChunkID
	})
	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

// groupSummaries 按 document_id 升序输出聚合结果。
func groupSummaries(byDoc map[string]*DocumentSummary, limit int) []DocumentSummary {
	out := make([]DocumentSummary, 0, len(byDoc))
	for _, s := range byDoc {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
