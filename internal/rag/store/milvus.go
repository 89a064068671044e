package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kart-io/logger"
	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/component/milvus"
	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

// Milvus 集合字段。
const (
	milvusFieldID         = "id"
	milvusFieldDocumentID = "document_id"
	milvusFieldSourceFile = "source_file"
	milvusFieldChunkIndex = "chunk_index"
	milvusFieldText       = "text"
	milvusFieldMetadata   = "metadata"

	// milvusListBatch 是 ListDocuments 每页读取的行数。
	milvusListBatch = 4096
	// milvusTieSlack 多取的候选数，使 top_k 边界上的同分结果也按 chunk_id 排序。
	milvusTieSlack = 16
)

var milvusOutputFields = []string{
	milvusFieldID, milvusFieldDocumentID, milvusFieldSourceFile,
	milvusFieldChunkIndex, milvusFieldText, milvusFieldMetadata,
}

// milvusAPI 是 MilvusIndex 用到的 milvus 组件能力。
type milvusAPI interface {
	Upsert(ctx context.Context, collectionName string, columns ...column.Column) (int, error)
	Search(ctx context.Context, req *milvus.SearchRequest) (milvusclient.ResultSet, error)
	Query(ctx context.Context, collectionName, expr string, limit int, outputFields ...string) (milvusclient.ResultSet, error)
	QueryEach(ctx context.Context, collectionName, expr string, batchSize int, fn func(milvusclient.ResultSet) error, outputFields ...string) error
	DeleteByExpr(ctx context.Context, collectionName, expr string) (int64, error)
	Count(ctx context.Context, collectionName string) (int64, error)
}

// MilvusIndex 实现基于 Milvus 的向量索引。
type MilvusIndex struct {
	client     milvusAPI
	collection string
	dimension  int
}

var _ VectorIndex = (*MilvusIndex)(nil)

// NewMilvusIndex 确保集合存在并校验维度。
// 已存在的集合维度与 dimension 不一致时返回 ErrDimensionMismatch。
func NewMilvusIndex(ctx context.Context, client *milvus.Client, collection string, dimension int) (*MilvusIndex, error) {
	schema := &milvus.CollectionSchema{
		Name:        collection,
		Description: "sentinel-rag document chunks",
		PrimaryKey:  milvusFieldID,
		PKMaxLen:    128,
		Dimension:   dimension,
		MetaFields: []milvus.MetaField{
			{Name: milvusFieldDocumentID, DataType: entity.FieldTypeVarChar, MaxLen: 64},
			{Name: milvusFieldSourceFile, DataType: entity.FieldTypeVarChar, MaxLen: 1024},
			{Name: milvusFieldChunkIndex, DataType: entity.FieldTypeInt64},
			{Name: milvusFieldText, DataType: entity.FieldTypeVarChar, MaxLen: 65535},
			{Name: milvusFieldMetadata, DataType: entity.FieldTypeVarChar, MaxLen: 8192},
		},
	}
	if err := client.EnsureCollection(ctx, schema); err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}

	actual, err := client.CollectionDimension(ctx, collection)
	if err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}
	if actual != dimension {
		return nil, errors.ErrDimensionMismatch.WithMessagef(
			"collection %s has dimension %d, embedder produces %d", collection, actual, dimension)
	}

	logger.Infow("milvus vector index ready", "collection", collection, "dimension", dimension)
	return newMilvusIndex(client, collection, dimension), nil
}

func newMilvusIndex(client milvusAPI, collection string, dimension int) *MilvusIndex {
	return &MilvusIndex{client: client, collection: collection, dimension: dimension}
}

// Upsert 以列式数据写入，Milvus 按主键替换整行。
func (s *MilvusIndex) Upsert(ctx context.Context, entries []IndexEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	n := len(entries)
	ids := make([]string, n)
	vectors := make([][]float32, n)
	docIDs := make([]string, n)
	sources := make([]string, n)
	indexes := make([]int64, n)
	texts := make([]string, n)
	metas := make([]string, n)

	for i, e := range entries {
		if len(e.Vector) != s.dimension {
			return 0, errors.ErrDimensionMismatch.WithMessagef("entry %s has dimension %d, index expects %d", e.ID, len(e.Vector), s.dimension)
		}
		meta, err := json.Marshal(e.Payload.Metadata)
		if err != nil {
			return 0, errors.ErrStore.WithCause(fmt.Errorf("marshal metadata of %s: %w", e.ID, err))
		}
		ids[i] = e.ID
		vectors[i] = e.Vector
		docIDs[i] = e.Payload.DocumentID
		sources[i] = e.Payload.SourceFile
		indexes[i] = int64(e.Payload.ChunkIndex)
		texts[i] = e.Payload.Text
		metas[i] = string(meta)
	}

	count, err := s.client.Upsert(ctx, s.collection,
		column.NewColumnVarChar(milvusFieldID, ids),
		column.NewColumnFloatVector(milvus.VectorField, s.dimension, vectors),
		column.NewColumnVarChar(milvusFieldDocumentID, docIDs),
		column.NewColumnVarChar(milvusFieldSourceFile, sources),
		column.NewColumnInt64(milvusFieldChunkIndex, indexes),
		column.NewColumnVarChar(milvusFieldText, texts),
		column.NewColumnVarChar(milvusFieldMetadata, metas),
	)
	if err != nil {
		return 0, errors.ErrStore.WithCause(err)
	}
	return count, nil
}

// Search 将文档过滤作为 Milvus 表达式下推，阈值和同分排序在客户端完成。
func (s *MilvusIndex) Search(ctx context.Context, vector []float32, topK int, threshold float64, filter Filter) ([]SearchResult, error) {
	if len(vector) != s.dimension {
		return nil, errors.ErrDimensionMismatch.WithMessagef("query vector has dimension %d, index expects %d", len(vector), s.dimension)
	}
	if topK <= 0 {
		return nil, errors.ErrValidation.WithMessage("top_k must be positive")
	}

	rs, err := s.client.Search(ctx, &milvus.SearchRequest{
		Collection:   s.collection,
		Vector:       vector,
		TopK:         topK + milvusTieSlack,
		Filter:       documentFilterExpr(filter.DocumentIDs),
		OutputFields: milvusOutputFields,
	})
	if err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}

	results, err := s.decode(rs, func(i int) float64 {
		if i < len(rs.Scores) {
			return normalizeScore(float64(rs.Scores[i]))
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	return rankResults(results, topK, threshold), nil
}

// GetByID 按主键查询。
func (s *MilvusIndex) GetByID(ctx context.Context, chunkID string) (*SearchResult, error) {
	rs, err := s.client.Query(ctx, s.collection, fmt.Sprintf("%s == %s", milvusFieldID, strconv.Quote(chunkID)), 1, milvusOutputFields...)
	if err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}
	results, err := s.decode(rs, func(int) float64 { return 1 })
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.ErrChunkNotFound.WithMessagef("chunk %s not found", chunkID)
	}
	return &results[0], nil
}

// ListDocuments 按主键分页扫描文档字段，在客户端聚合全部分页。
func (s *MilvusIndex) ListDocuments(ctx context.Context, limit int) ([]DocumentSummary, error) {
	byDoc := make(map[string]*DocumentSummary)
	err := s.client.QueryEach(ctx, s.collection, milvusFieldDocumentID+` != ""`, milvusListBatch,
		func(rs milvusclient.ResultSet) error {
			docCol := rs.GetColumn(milvusFieldDocumentID)
			if docCol == nil {
				return nil
			}
			srcCol := rs.GetColumn(milvusFieldSourceFile)
			for i := 0; i < docCol.Len(); i++ {
				docID, err := docCol.GetAsString(i)
				if err != nil {
					return err
				}
				summary, ok := byDoc[docID]
				if !ok {
					summary = &DocumentSummary{DocumentID: docID}
					if srcCol != nil {
						summary.SourceFile, _ = srcCol.GetAsString(i)
					}
					byDoc[docID] = summary
				}
				summary.ChunkCount++
			}
			return nil
		}, milvusFieldDocumentID, milvusFieldSourceFile)
	if err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}
	return groupSummaries(byDoc, limit), nil
}

// DeleteDocument 通过单个删除表达式移除文档全部分块。
func (s *MilvusIndex) DeleteDocument(ctx context.Context, documentID string) error {
	expr := fmt.Sprintf("%s == %s", milvusFieldDocumentID, strconv.Quote(documentID))
	deleted, err := s.client.DeleteByExpr(ctx, s.collection, expr)
	if err != nil {
		return errors.ErrStore.WithCause(err)
	}
	logger.Debugw("deleted document chunks from milvus", "document_id", documentID, "deleted", deleted)
	return nil
}

// Count 使用 count(*) 查询实时行数。
func (s *MilvusIndex) Count(ctx context.Context) (int64, error) {
	n, err := s.client.Count(ctx, s.collection)
	if err != nil {
		return 0, errors.ErrStore.WithCause(err)
	}
	return n, nil
}

// Dimension 返回向量维度。
func (s *MilvusIndex) Dimension() int {
	return s.dimension
}

// Close 连接由 milvus 组件持有，这里不关闭。
func (s *MilvusIndex) Close() error {
	return nil
}

func (s *MilvusIndex) decode(rs milvusclient.ResultSet, score func(i int) float64) ([]SearchResult, error) {
	idCol := rs.GetColumn(milvusFieldID)
	if idCol == nil {
		return nil, nil
	}
	docCol := rs.GetColumn(milvusFieldDocumentID)
	srcCol := rs.GetColumn(milvusFieldSourceFile)
	idxCol := rs.GetColumn(milvusFieldChunkIndex)
	textCol := rs.GetColumn(milvusFieldText)
	metaCol := rs.GetColumn(milvusFieldMetadata)
	if docCol == nil || srcCol == nil || idxCol == nil || textCol == nil || metaCol == nil {
		return nil, errors.ErrStore.WithMessage("milvus result is missing output fields")
	}

	results := make([]SearchResult, 0, idCol.Len())
	for i := 0; i < idCol.Len(); i++ {
		var (
			r    SearchResult
			err  error
			idx  int64
			meta string
		)
		if r.ChunkID, err = idCol.GetAsString(i); err != nil {
			return nil, errors.ErrStore.WithCause(err)
		}
		if r.DocumentID, err = docCol.GetAsString(i); err != nil {
			return nil, errors.ErrStore.WithCause(err)
		}
		if r.SourceFile, err = srcCol.GetAsString(i); err != nil {
			return nil, errors.ErrStore.WithCause(err)
		}
		if idx, err = idxCol.GetAsInt64(i); err != nil {
			return nil, errors.ErrStore.WithCause(err)
		}
		if r.Text, err = textCol.GetAsString(i); err != nil {
			return nil, errors.ErrStore.WithCause(err)
		}
		if meta, err = metaCol.GetAsString(i); err != nil {
			return nil, errors.ErrStore.WithCause(err)
		}
		if meta != "" {
			var md model.ChunkMetadata
			if err := json.Unmarshal([]byte(meta), &md); err != nil {
				logger.Warnw("corrupted chunk metadata in milvus", "chunk_id", r.ChunkID, "error", err.Error())
			} else {
				r.Metadata = md
			}
		}
		r.ChunkIndex = int(idx)
		r.Score = score(i)
		results = append(results, r)
	}
	return results, nil
}

// documentFilterExpr 构造 document_id in [...] 表达式，空列表返回空字符串。
func documentFilterExpr(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return fmt.Sprintf("%s in [%s]", milvusFieldDocumentID, strings.Join(quoted, ", "))
}
