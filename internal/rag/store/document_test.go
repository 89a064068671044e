package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/errors"
)

func newTestDocumentStore(t *testing.T) *GormDocumentStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "docs.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s, err := NewDocumentStore(db, true)
	require.NoError(t, err)
	return s
}

func newDoc(id string) *model.Document {
	return &model.Document{
		ID:          id,
		Filename:    id + ".txt",
		SizeBytes:   42,
		ContentType: model.FormatText,
		Hash:        "hash-" + id,
		Status:      model.StatusPending,
	}
}

func TestDocumentStoreLifecycle(t *testing.T) {
	s := newTestDocumentStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newDoc("d1")))
	require.NoError(t, s.MarkProcessing(ctx, "d1"))
	require.NoError(t, s.SetTotal(ctx, "d1", 4))
	require.NoError(t, s.UpdateProgress(ctx, "d1", 2))

	doc, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, doc.Status)
	assert.Equal(t, 4, doc.ChunkCount)
	assert.InDelta(t, 50.0, doc.ProgressPercent(), 1e-9)

	require.NoError(t, s.MarkCompleted(ctx, "d1", 4))
	doc, err = s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, doc.Status)
	assert.Equal(t, 4, doc.ChunksProcessed)
	assert.InDelta(t, 100.0, doc.ProgressPercent(), 1e-9)
}

func TestDocumentStoreProgressIsMonotonic(t *testing.T) {
	s := newTestDocumentStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newDoc("d1")))
	require.NoError(t, s.MarkProcessing(ctx, "d1"))
	require.NoError(t, s.SetTotal(ctx, "d1", 10))
	require.NoError(t, s.UpdateProgress(ctx, "d1", 6))
	require.NoError(t, s.UpdateProgress(ctx, "d1", 3))

	doc, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 6, doc.ChunksProcessed)
}

func TestDocumentStoreRejectsInvalidTransitions(t *testing.T) {
	s := newTestDocumentStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newDoc("d1")))

	err := s.MarkCompleted(ctx, "d1", 1)
	assert.True(t, errors.Is(err, errors.ErrValidation), "pending cannot complete directly")

	require.NoError(t, s.MarkFailed(ctx, "d1", "boom"))
	err = s.MarkProcessing(ctx, "d1")
	assert.True(t, errors.Is(err, errors.ErrValidation), "failed is terminal")

	doc, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, doc.Status)
	assert.Equal(t, "boom", doc.ErrorMessage)

	err = s.MarkProcessing(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrDocumentNotFound))
}

func TestDocumentStoreGetNotFound(t *testing.T) {
	s := newTestDocumentStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestDocumentStoreListAndDelete(t *testing.T) {
	s := newTestDocumentStore(t)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, s.Create(ctx, newDoc(id)))
	}

	docs, total, err := s.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, docs, 2)

	require.NoError(t, s.Delete(ctx, "d2"))
	require.NoError(t, s.Delete(ctx, "d2"))

	_, total, err = s.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestDocumentStoreFindByHashAndStatus(t *testing.T) {
	s := newTestDocumentStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newDoc("d1")))
	require.NoError(t, s.Create(ctx, newDoc("d2")))
	require.NoError(t, s.MarkFailed(ctx, "d2", "bad"))

	doc, err := s.FindByHash(ctx, "hash-d1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "d1", doc.ID)

	doc, err = s.FindByHash(ctx, "hash-d2")
	require.NoError(t, err)
	assert.Nil(t, doc, "failed documents are not reused")

	pending, err := s.ListByStatus(ctx, model.StatusPending, model.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d1", pending[0].ID)
}
