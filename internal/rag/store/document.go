package store

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/errors"
)

// DocumentStore 持久化文档元数据和摄取进度。
type DocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, id string) (*model.Document, error)
	FindByHash(ctx context.Context, hash string) (*model.Document, error)
	List(ctx context.Context, limit, offset int) ([]*model.Document, int64, error)
	ListByStatus(ctx context.Context, statuses ...model.DocumentStatus) ([]*model.Document, error)
	MarkProcessing(ctx context.Context, id string) error
	SetTotal(ctx context.Context, id string, total int) error
	UpdateProgress(ctx context.Context, id string, processed int) error
	MarkCompleted(ctx context.Context, id string, chunkCount int) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Delete(ctx context.Context, id string) error
}

// GormDocumentStore 基于 gorm 的 DocumentStore 实现。
type GormDocumentStore struct {
	db *gorm.DB
}

var _ DocumentStore = (*GormDocumentStore)(nil)

// NewDocumentStore 创建文档存储，autoMigrate 为 true 时同步表结构。
func NewDocumentStore(db *gorm.DB, autoMigrate bool) (*GormDocumentStore, error) {
	if autoMigrate {
		if err := db.AutoMigrate(&model.Document{}); err != nil {
			return nil, errors.ErrDatabase.WithCause(err)
		}
	}
	return &GormDocumentStore{db: db}, nil
}

// Create 新建文档记录。
func (s *GormDocumentStore) Create(ctx context.Context, doc *model.Document) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return errors.ErrDatabase.WithCause(err)
	}
	return nil
}

// Get 按 ID 读取，不存在时返回 ErrDocumentNotFound。
func (s *GormDocumentStore) Get(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&doc).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrDocumentNotFound.WithMessagef("document %s not found", id)
	}
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return &doc, nil
}

// FindByHash 查找内容相同且未失败的文档，没有时返回 nil。
func (s *GormDocumentStore) FindByHash(ctx context.Context, hash string) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).
		Where("hash = ? AND status <> ?", hash, model.StatusFailed).
		Order("created_at DESC").
		Take(&doc).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return &doc, nil
}

// List 按创建时间倒序分页列出文档。
func (s *GormDocumentStore) List(ctx context.Context, limit, offset int) ([]*model.Document, int64, error) {
	var (
		docs  []*model.Document
		total int64
	)
	db := s.db.WithContext(ctx).Model(&model.Document{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, errors.ErrDatabase.WithCause(err)
	}
	q := db.Order("created_at DESC").Order("id DESC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&docs).Error; err != nil {
		return nil, 0, errors.ErrDatabase.WithCause(err)
	}
	return docs, total, nil
}

// ListByStatus 列出处于给定状态的文档。
func (s *GormDocumentStore) ListByStatus(ctx context.Context, statuses ...model.DocumentStatus) ([]*model.Document, error) {
	var docs []*model.Document
	if err := s.db.WithContext(ctx).Where("status IN ?", statuses).Find(&docs).Error; err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return docs, nil
}

// MarkProcessing 仅允许 pending -> processing。
func (s *GormDocumentStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, []model.DocumentStatus{model.StatusPending}, map[string]any{
		"status": model.StatusProcessing,
	})
}

// SetTotal 记录分块总数。
func (s *GormDocumentStore) SetTotal(ctx context.Context, id string, total int) error {
	return s.transition(ctx, id, []model.DocumentStatus{model.StatusProcessing}, map[string]any{
		"chunk_count":      total,
		"chunks_processed": 0,
	})
}

// UpdateProgress 只增不减，较小的值被忽略。
func (s *GormDocumentStore) UpdateProgress(ctx context.Context, id string, processed int) error {
	err := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status = ? AND chunks_processed < ?", id, model.StatusProcessing, processed).
		Update("chunks_processed", processed).Error
	if err != nil {
		return errors.ErrDatabase.WithCause(err)
	}
	return nil
}

// MarkCompleted 仅允许 processing -> completed。
func (s *GormDocumentStore) MarkCompleted(ctx context.Context, id string, chunkCount int) error {
	return s.transition(ctx, id, []model.DocumentStatus{model.StatusProcessing}, map[string]any{
		"status":           model.StatusCompleted,
		"chunk_count":      chunkCount,
		"chunks_processed": chunkCount,
		"error_message":    "",
	})
}

// MarkFailed 允许 pending/processing -> failed。
func (s *GormDocumentStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, id, []model.DocumentStatus{model.StatusPending, model.StatusProcessing}, map[string]any{
		"status":        model.StatusFailed,
		"error_message": reason,
	})
}

// Delete 删除文档记录，不存在时为空操作。
func (s *GormDocumentStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Document{}).Error; err != nil {
		return errors.ErrDatabase.WithCause(err)
	}
	return nil
}

// transition 以条件更新实现状态机，当前状态不在 from 中时返回 ErrValidation。
func (s *GormDocumentStore) transition(ctx context.Context, id string, from []model.DocumentStatus, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return errors.ErrDatabase.WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		doc, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return errors.ErrValidation.WithMessagef("document %s cannot leave status %s", id, doc.Status)
	}
	return nil
}
