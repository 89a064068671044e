package biz

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/errors"
)

// Ingester 是目录监听器依赖的摄取能力。
type Ingester interface {
	Upload(ctx context.Context, content []byte, filename string) (*UploadResult, error)
	GetProgress(ctx context.Context, documentID string) (*Progress, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// HashLookup 按内容哈希查找已登记的文档。
type HashLookup interface {
	FindByHash(ctx context.Context, hash string) (*model.Document, error)
}

// WatcherConfig 目录监听配置。
type WatcherConfig struct {
	// Dir 监听的目录。
	Dir string
	// Debounce 同一文件连续写入事件的合并窗口。
	Debounce time.Duration
	// MaxRetries 摄取繁忙或旧文档仍在处理时的最大重试次数。
	MaxRetries int
}

// DirectoryWatcher 监听目录，将新增或修改的文件提交摄取。
// 文件内容变化后旧版本文档在新版本摄取完成后才删除，新版本失败时保留旧版本。
// 删除的文件不影响已入库的文档。
type DirectoryWatcher struct {
	config   WatcherConfig
	ingester Ingester
	lookup   HashLookup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	tracked map[string]string // path -> document id
	// supersedes 新文档 ID -> 待其完成后删除的旧文档 ID
	supersedes map[string]string

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDirectoryWatcher 创建目录监听器。
func NewDirectoryWatcher(cfg WatcherConfig, ingester Ingester, lookup HashLookup) *DirectoryWatcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &DirectoryWatcher{
		config:   cfg,
		ingester: ingester,
		lookup:   lookup,
		timers:     make(map[string]*time.Timer),
		tracked:    make(map[string]string),
		supersedes: make(map[string]string),
	}
}

// Name 返回组件名称。
func (w *DirectoryWatcher) Name() string {
	return "directory-watcher"
}

// Start 开始监听，并摄取目录中已存在但尚未入库的文件。
func (w *DirectoryWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return errors.ErrConfigInvalid.WithMessagef("watch dir %s: %v", w.config.Dir, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.ErrInternal.WithCause(err)
	}
	if err := fw.Add(w.config.Dir); err != nil {
		_ = fw.Close()
		return errors.ErrConfigInvalid.WithMessagef("watch dir %s: %v", w.config.Dir, err)
	}

	w.watcher = fw
	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))

	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		logger.Warnw("failed to scan watch dir", "dir", w.config.Dir, "error", err.Error())
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.config.Dir, e.Name()), 0)
		}
	}

	w.wg.Add(1)
	go w.loop()

	logger.Infow("directory watcher started", "dir", w.config.Dir, "debounce", w.config.Debounce.String())
	return nil
}

// Stop 停止监听并取消尚未触发的摄取。
func (w *DirectoryWatcher) Stop(_ context.Context) error {
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	logger.Infow("directory watcher stopped", "dir", w.config.Dir)
	return err
}

func (w *DirectoryWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(event.Name, 0)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("directory watcher error", "error", err.Error())
		}
	}
}

// schedule 合并同一路径的事件，在防抖窗口结束后摄取。
func (w *DirectoryWatcher) schedule(path string, attempt int) {
	if !SupportedFormat(path) {
		return
	}
	delay := w.config.Debounce << attempt

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.ingestFile(path, attempt)
	})
}

func (w *DirectoryWatcher) ingestFile(path string, attempt int) {
	ctx := w.ctx
	if ctx.Err() != nil {
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warnw("failed to read watched file", "path", path, "error", err.Error())
		return
	}

	if existing, err := w.lookup.FindByHash(ctx, sha256Hex(content)); err == nil && existing != nil {
		w.track(path, existing.ID)
		logger.Debugw("watched file already ingested", "path", path, "document_id", existing.ID)
		return
	}

	result, err := w.ingester.Upload(ctx, content, filepath.Base(path))
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrIngestionBusy) && attempt < w.config.MaxRetries:
		logger.Debugw("ingestion busy, retrying watched file", "path", path, "attempt", attempt+1)
		w.schedule(path, attempt+1)
		return
	default:
		logger.Warnw("failed to ingest watched file", "path", path, "error", err.Error())
		return
	}

	logger.Infow("watched file submitted", "path", path, "document_id", result.DocumentID)
	if previous := w.track(path, result.DocumentID); previous != "" && previous != result.DocumentID {
		w.mu.Lock()
		w.supersedes[result.DocumentID] = previous
		w.mu.Unlock()
		w.awaitReplacement(path, result.DocumentID, 0)
	}
}

// awaitReplacement 轮询新版本的摄取状态，完成后删除它替换的旧版本。
func (w *DirectoryWatcher) awaitReplacement(path, documentID string, attempt int) {
	if w.ctx.Err() != nil {
		return
	}

	progress, err := w.ingester.GetProgress(w.ctx, documentID)
	switch {
	case errors.IsNotFound(err):
		w.abandon(path, documentID, "document record removed")
	case err != nil:
		logger.Debugw("failed to poll replacement document", "document_id", documentID, "error", err.Error())
		w.pollLater(path, documentID, attempt)
	case progress.Status == model.StatusFailed:
		w.abandon(path, documentID, progress.ErrorMessage)
	case progress.Status == model.StatusCompleted:
		w.mu.Lock()
		previous := w.supersedes[documentID]
		delete(w.supersedes, documentID)
		w.mu.Unlock()
		if previous != "" {
			w.retire(previous, 0)
		}
	default:
		w.pollLater(path, documentID, attempt)
	}
}

func (w *DirectoryWatcher) pollLater(path, documentID string, attempt int) {
	delay := w.config.Debounce << min(attempt, w.config.MaxRetries)
	time.AfterFunc(delay, func() {
		w.awaitReplacement(path, documentID, attempt+1)
	})
}

// abandon 放弃失败的新版本，旧版本继续保留。
// 若更新的版本正在等待替换失败的文档，改为由它替换旧版本。
func (w *DirectoryWatcher) abandon(path, documentID, reason string) {
	w.mu.Lock()
	previous := w.supersedes[documentID]
	delete(w.supersedes, documentID)
	for newer, old := range w.supersedes {
		if old == documentID {
			w.supersedes[newer] = previous
		}
	}
	if w.tracked[path] == documentID {
		w.tracked[path] = previous
	}
	w.mu.Unlock()

	logger.Warnw("replacement document failed, keeping previous version",
		"path", path, "document_id", documentID, "previous_id", previous, "reason", reason)
}

// track 记录路径对应的文档，返回之前的文档 ID。
func (w *DirectoryWatcher) track(path, documentID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	previous := w.tracked[path]
	w.tracked[path] = documentID
	return previous
}

// retire 删除被新版本替换的文档，文档仍在摄取时稍后重试。
func (w *DirectoryWatcher) retire(documentID string, attempt int) {
	err := w.ingester.DeleteDocument(w.ctx, documentID)
	switch {
	case err == nil:
		logger.Infow("superseded document removed", "document_id", documentID)
	case errors.Is(err, errors.ErrDocumentBusy) && attempt < w.config.MaxRetries:
		time.AfterFunc(w.config.Debounce<<attempt, func() {
			if w.ctx.Err() == nil {
				w.retire(documentID, attempt+1)
			}
		})
	default:
		logger.Warnw("failed to remove superseded document", "document_id", documentID, "error", err.Error())
	}
}
