package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kart-io/logger"
	"github.com/pgvector/pgvector-go"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGVectorIndex 实现基于 PostgreSQL + pgvector 的向量索引。
//
// 检索使用精确扫描（不建 ANN 索引），document_id 过滤在 WHERE 子句中先于 ORDER BY 生效，
// 避免近似索引在过滤后返回不足 top_k 条结果。
type PGVectorIndex struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

var _ VectorIndex = (*PGVectorIndex)(nil)

// NewPGVectorIndex 创建扩展和表，并校验已有表的向量维度。
func NewPGVectorIndex(ctx context.Context, pool *pgxpool.Pool, table string, dimension int) (*PGVectorIndex, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, errors.ErrValidation.WithMessagef("invalid table name %q", table)
	}
	s := &PGVectorIndex{pool: pool, table: pgx.Identifier{table}.Sanitize(), dimension: dimension}

	// 1. 创建扩展和表
	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			source_file TEXT NOT NULL DEFAULT '',
			chunk_index INTEGER NOT NULL,
			text        TEXT NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding   vector(%d) NOT NULL
		)`, s.table, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id)`,
			pgx.Identifier{table + "_document_id_idx"}.Sanitize(), s.table),
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, errors.ErrStore.WithCause(fmt.Errorf("pgvector schema: %w", err))
		}
	}

	// 2. 校验维度，vector 列的 atttypmod 即维度
	var actual int
	err := pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		table).Scan(&actual)
	if err != nil {
		return nil, errors.ErrStore.WithCause(fmt.Errorf("read embedding dimension: %w", err))
	}
	if actual != dimension {
		return nil, errors.ErrDimensionMismatch.WithMessagef(
			"table %s has dimension %d, embedder produces %d", table, actual, dimension)
	}

	logger.Infow("pgvector index ready", "table", table, "dimension", dimension)
	return s, nil
}

// Upsert 在一个事务内批量写入，ON CONFLICT 替换整行。
func (s *PGVectorIndex) Upsert(ctx context.Context, entries []IndexEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, document_id, source_file, chunk_index, text, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			source_file = EXCLUDED.source_file,
			chunk_index = EXCLUDED.chunk_index,
			text        = EXCLUDED.text,
			metadata    = EXCLUDED.metadata,
			embedding   = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, e := range entries {
		if len(e.Vector) != s.dimension {
			return 0, errors.ErrDimensionMismatch.WithMessagef("entry %s has dimension %d, index expects %d", e.ID, len(e.Vector), s.dimension)
		}
		meta, err := json.Marshal(e.Payload.Metadata)
		if err != nil {
			return 0, errors.ErrStore.WithCause(fmt.Errorf("marshal metadata of %s: %w", e.ID, err))
		}
		batch.Queue(query, e.ID, e.Payload.DocumentID, e.Payload.SourceFile, e.Payload.ChunkIndex,
			e.Payload.Text, string(meta), pgvector.NewVector(e.Vector))
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, errors.ErrStore.WithCause(err)
	}
	return len(entries), nil
}

// Search 返回余弦相似度 1 - (embedding <=> q)。
func (s *PGVectorIndex) Search(ctx context.Context, vector []float32, topK int, threshold float64, filter Filter) ([]SearchResult, error) {
	if len(vector) != s.dimension {
		return nil, errors.ErrDimensionMismatch.WithMessagef("query vector has dimension %d, index expects %d", len(vector), s.dimension)
	}
	if topK <= 0 {
		return nil, errors.ErrValidation.WithMessage("top_k must be positive")
	}

	var docIDs []string
	if !filter.Empty() {
		docIDs = filter.DocumentIDs
	}

	rows, err := s.pool.Query(ctx, pgSearchSQL(s.table), pgvector.NewVector(vector), docIDs, threshold, topK)
	if err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}
	results, err := collectResults(rows)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Score = normalizeScore(results[i].Score)
	}
	return rankResults(results, topK, threshold), nil
}

// pgSearchSQL 返回检索语句：$1 查询向量，$2 document_id 数组（NULL 不过滤），
// $3 阈值，$4 top_k。过滤和阈值都在 WHERE 中，先于 ORDER BY/LIMIT；
// 阈值与其他实现一致，比较的是截断到 [0,1] 之后的分数。
func pgSearchSQL(table string) string {
	return fmt.Sprintf(`SELECT id, document_id, source_file, chunk_index, text, metadata,
			(1 - (embedding <=> $1))::float8 AS score
		FROM %s
		WHERE ($2::text[] IS NULL OR document_id = ANY($2))
			AND GREATEST(1 - (embedding <=> $1), 0) >= $3
		ORDER BY embedding <=> $1, id
		LIMIT $4`, table)
}

// GetByID 按主键读取。
func (s *PGVectorIndex) GetByID(ctx context.Context, chunkID string) (*SearchResult, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, document_id, source_file, chunk_index, text, metadata, 1.0::float8 FROM %s WHERE id = $1`, s.table), chunkID)
	if err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}
	results, err := collectResults(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.ErrChunkNotFound.WithMessagef("chunk %s not found", chunkID)
	}
	return &results[0], nil
}

// ListDocuments 使用 GROUP BY 聚合，limit <= 0 时不限制文档数。
func (s *PGVectorIndex) ListDocuments(ctx context.Context, limit int) ([]DocumentSummary, error) {
	// LIMIT NULL 等价于不限制
	var rowLimit *int
	if limit > 0 {
		rowLimit = &limit
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT document_id, MIN(source_file), COUNT(*) FROM %s GROUP BY document_id ORDER BY document_id LIMIT $1::bigint`, s.table), rowLimit)
	if err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DocumentSummary, error) {
		var d DocumentSummary
		err := row.Scan(&d.DocumentID, &d.SourceFile, &d.ChunkCount)
		return d, err
	})
	if err != nil {
		return nil, errors.ErrStore.WithCause(err)
	}
	return summaries, nil
}

// DeleteDocument 单条 DELETE 语句本身是原子的。
func (s *PGVectorIndex) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.table), documentID)
	if err != nil {
		return errors.ErrStore.WithCause(err)
	}
	logger.Debugw("deleted document chunks from pgvector", "document_id", documentID, "deleted", tag.RowsAffected())
	return nil
}

// Count 返回记录总数。
func (s *PGVectorIndex) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, errors.ErrStore.WithCause(err)
	}
	return n, nil
}

// Dimension 返回向量维度。
func (s *PGVectorIndex) Dimension() int {
	return s.dimension
}

// Close 连接池由 postgres 组件持有，这里不关闭。
func (s *PGVectorIndex) Close() error {
	return nil
}

func collectResults(rows pgx.Rows) ([]SearchResult, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchResult, error) {
		var (
			r    SearchResult
			meta []byte
		)
		if err := row.Scan(&r.ChunkID, &r.DocumentID, &r.SourceFile, &r.ChunkIndex, &r.Text, &meta, &r.Score); err != nil {
			return r, err
		}
		if len(meta) > 0 {
			var md model.ChunkMetadata
			if err := json.Unmarshal(meta, &md); err != nil {
				logger.Warnw("corrupted chunk metadata in pgvector", "chunk_id", r.ChunkID, "error", err.Error())
			} else {
				r.Metadata = md
			}
		}
		return r, nil
	})
	if err != nil {
		if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, errors.ErrStore.WithCause(err)
	}
	return results, nil
}
