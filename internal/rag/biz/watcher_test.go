package biz

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/errors"
)

// recordingIngester 记录上传和删除，可模拟繁忙。
type recordingIngester struct {
	mu       sync.Mutex
	uploads  []string
	deleted  []string
	busyOnce bool
}

func (r *recordingIngester) Upload(_ context.Context, _ []byte, filename string) (*UploadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busyOnce {
		r.busyOnce = false
		return nil, errors.ErrIngestionBusy
	}
	r.uploads = append(r.uploads, filename)
	return &UploadResult{DocumentID: "doc-" + filename + "-" + time.Now().Format("150405.000000000"), Filename: filename, Status: model.StatusPending}, nil
}

func (r *recordingIngester) GetProgress(_ context.Context, id string) (*Progress, error) {
	return &Progress{DocumentID: id, Status: model.StatusCompleted, ProgressPercent: 100}, nil
}

func (r *recordingIngester) DeleteDocument(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *recordingIngester) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.uploads...), append([]string(nil), r.deleted...)
}

type hashSet struct {
	mu     sync.Mutex
	hashes map[string]string
}

func (h *hashSet) FindByHash(_ context.Context, hash string) (*model.Document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.hashes[hash]; ok {
		return &model.Document{ID: id, Hash: hash, Status: model.StatusCompleted}, nil
	}
	return nil, nil
}

func startWatcher(t *testing.T, dir string, ing Ingester, lookup HashLookup) *DirectoryWatcher {
	t.Helper()
	w := NewDirectoryWatcher(WatcherConfig{Dir: dir, Debounce: 20 * time.Millisecond}, ing, lookup)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	return w
}

func TestWatcherIngestsNewFiles(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	startWatcher(t, dir, ing, &hashSet{})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("The cat sleeps."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644))

	assert.Eventually(t, func() bool {
		uploads, _ := ing.snapshot()
		return len(uploads) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	uploads, _ := ing.snapshot()
	assert.Equal(t, []string{"notes.txt"}, uploads, "unsupported files are ignored")
}

func TestWatcherScansExistingFilesAndSkipsKnownContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "known.md"), []byte("# Known"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh.md"), []byte("# Fresh"), 0o644))

	known := &hashSet{hashes: map[string]string{}}
	content, _ := os.ReadFile(filepath.Join(dir, "known.md"))
	known.hashes[sha256Hex(content)] = "existing"

	ing := &recordingIngester{}
	startWatcher(t, dir, ing, known)

	assert.Eventually(t, func() bool {
		uploads, _ := ing.snapshot()
		return len(uploads) == 1
	}, 2*time.Second, 10*time.Millisecond)
	uploads, _ := ing.snapshot()
	assert.Equal(t, []string{"fresh.md"}, uploads)
}

func TestWatcherReplacesChangedFile(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	startWatcher(t, dir, ing, &hashSet{})
	path := filepath.Join(dir, "doc.txt")

	require.NoError(t, os.WriteFile(path, []byte("version one"), 0o644))
	assert.Eventually(t, func() bool {
		uploads, _ := ing.snapshot()
		return len(uploads) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("version two"), 0o644))
	assert.Eventually(t, func() bool {
		uploads, deleted := ing.snapshot()
		return len(uploads) == 2 && len(deleted) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRetriesWhenBusy(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{busyOnce: true}
	startWatcher(t, dir, ing, &hashSet{})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "later.csv"), []byte("a,b\n1,2\n"), 0o644))
	assert.Eventually(t, func() bool {
		uploads, _ := ing.snapshot()
		return len(uploads) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsPreviousVersionWhenReplacementFails(t *testing.T) {
	f := newIngestionFixture(t, nil, IngestionConfig{})
	ctx := context.Background()
	dir := t.TempDir()
	startWatcher(t, dir, f.coord, f.docs)
	path := filepath.Join(dir, "doc.txt")

	v1 := []byte("The cat sleeps under the tree.")
	require.NoError(t, os.WriteFile(path, v1, 0o644))

	var firstID string
	require.Eventually(t, func() bool {
		doc, err := f.docs.FindByHash(ctx, sha256Hex(v1))
		if err != nil || doc == nil || doc.Status != model.StatusCompleted {
			return false
		}
		firstID = doc.ID
		return true
	}, 3*time.Second, 10*time.Millisecond)
	before, err := f.index.Count(ctx)
	require.NoError(t, err)
	require.Positive(t, before)

	f.provider.setFail(errors.ErrEmbedding.WithMessage("provider down"))
	require.NoError(t, os.WriteFile(path, []byte("The dog runs along the river."), 0o644))

	require.Eventually(t, func() bool {
		records, _, err := f.docs.List(ctx, 0, 0)
		if err != nil {
			return false
		}
		for _, d := range records {
			if d.ID != firstID && d.Status == model.StatusFailed {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	// 给监听器留出处理失败状态的时间
	time.Sleep(200 * time.Millisecond)

	progress, err := f.coord.GetProgress(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, progress.Status)
	after, err := f.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "previous version stays searchable")

	// 恢复后再次修改，新版本完成才替换旧版本
	f.provider.setFail(nil)
	v3 := []byte("The piano sits near the bread.")
	require.NoError(t, os.WriteFile(path, v3, 0o644))

	require.Eventually(t, func() bool {
		_, err := f.coord.GetProgress(ctx, firstID)
		return errors.IsNotFound(err)
	}, 3*time.Second, 10*time.Millisecond)

	latest, err := f.docs.FindByHash(ctx, sha256Hex(v3))
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.StatusCompleted, latest.Status)
	hit, err := f.index.GetByID(ctx, ChunkID(latest.ID, 0))
	require.NoError(t, err)
	assert.Equal(t, latest.ID, hit.DocumentID)
}
