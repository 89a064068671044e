package store

import (
	"context"
	"math"
	"sync"

	"github.com/kart-io/sentinel-rag/pkg/errors"
)

// memoryEntry 写入后不再修改，upsert 通过替换指针完成。
type memoryEntry struct {
	id      string
	vector  []float32
	norm    float64
	payload Payload
}

// MemoryIndex 是进程内的向量索引，适用于测试和单节点部署。
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]*memoryEntry
}

var _ VectorIndex = (*MemoryIndex)(nil)

// NewMemoryIndex 创建指定维度的内存索引。
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		entries:   make(map[string]*memoryEntry),
	}
}

// Upsert 写入或替换记录。先校验整批数据，再一次性加锁替换。
func (m *MemoryIndex) Upsert(ctx context.Context, entries []IndexEntry) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prepared := make([]*memoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return 0, errors.ErrValidation.WithMessage("index entry id must not be empty")
		}
		if len(e.Vector) != m.dimension {
			return 0, errors.ErrDimensionMismatch.WithMessagef("entry %s has dimension %d, index expects %d", e.ID, len(e.Vector), m.dimension)
		}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		prepared = append(prepared, &memoryEntry{
			id:      e.ID,
			vector:  vec,
			norm:    vectorNorm(vec),
			payload: e.Payload,
		})
	}

	m.mu.Lock()
	for _, e := range prepared {
		m.entries[e.id] = e
	}
	m.mu.Unlock()
	return len(prepared), nil
}

// Search 先按文档过滤，再计算相似度并排序。
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, topK int, threshold float64, filter Filter) ([]SearchResult, error) {
	if len(vector) != m.dimension {
		return nil, errors.ErrDimensionMismatch.WithMessagef("query vector has dimension %d, index expects %d", len(vector), m.dimension)
	}
	if topK <= 0 {
		return nil, errors.ErrValidation.WithMessage("top_k must be positive")
	}

	var allowed map[string]struct{}
	if !filter.Empty() {
		allowed = make(map[string]struct{}, len(filter.DocumentIDs))
		for _, id := range filter.DocumentIDs {
			allowed[id] = struct{}{}
		}
	}

	queryNorm := vectorNorm(vector)

	m.mu.RLock()
	candidates := make([]SearchResult, 0, min(len(m.entries), 4*topK))
	for _, e := range m.entries {
		if allowed != nil {
			if _, ok := allowed[e.payload.DocumentID]; !ok {
				continue
			}
		}
		candidates = append(candidates, e.result(cosine(vector, queryNorm, e.vector, e.norm)))
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rankResults(candidates, topK, threshold), nil
}

// GetByID 按 chunk_id 读取记录。
func (m *MemoryIndex) GetByID(_ context.Context, chunkID string) (*SearchResult, error) {
	m.mu.RLock()
	e, ok := m.entries[chunkID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.ErrChunkNotFound.WithMessagef("chunk %s not found", chunkID)
	}
	r := e.result(1)
	return &r, nil
}

// ListDocuments 按文档聚合。
func (m *MemoryIndex) ListDocuments(_ context.Context, limit int) ([]DocumentSummary, error) {
	byDoc := make(map[string]*DocumentSummary)
	m.mu.RLock()
	for _, e := range m.entries {
		s, ok := byDoc[e.payload.DocumentID]
		if !ok {
			s = &DocumentSummary{DocumentID: e.payload.DocumentID, SourceFile: e.payload.SourceFile}
			byDoc[e.payload.DocumentID] = s
		}
		s.ChunkCount++
	}
	m.mu.RUnlock()
	return groupSummaries(byDoc, limit), nil
}

// DeleteDocument 在一次写锁内删除文档的全部分块。
func (m *MemoryIndex) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.payload.DocumentID == documentID {
			delete(m.entries, id)
		}
	}
	return nil
}

// Count 返回记录总数。
func (m *MemoryIndex) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

// Dimension 返回向量维度。
func (m *MemoryIndex) Dimension() int {
	return m.dimension
}

// Close 清空索引。
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.mu.Unlock()
	return nil
}

func (e *memoryEntry) result(score float64) SearchResult {
	return SearchResult{
		ChunkID:    e.id,
		DocumentID: e.payload.DocumentID,
		SourceFile: e.payload.SourceFile,
		ChunkIndex: e.payload.ChunkIndex,
		Text:       e.payload.Text,
		Score:      score,
		Metadata:   e.payload.Metadata,
	}
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, normA float64, b []float32, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return normalizeScore(dot / (normA * normB))
}
