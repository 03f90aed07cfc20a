// Package watch monitors the sync directory and feeds change
// descriptors into the upload queue.
package watch

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/jbracken/permasync/internal/filter"
	"github.com/jbracken/permasync/internal/fsutil"
	"github.com/jbracken/permasync/internal/queue"
	"github.com/jbracken/permasync/internal/state"
)

const (
	// debounceSettle batches rapid writes into one queue entry per file.
	debounceSettle = 300 * time.Millisecond

	// removeGrace is how long a removal waits for a matching create
	// before it is reported as a delete. A rename fires remove on the
	// old path and create on the new one; pairing them by content hash
	// turns the pair into a single rename instead of a paid re-upload.
	removeGrace = 1 * time.Second

	tickInterval = 500 * time.Millisecond

	previewLimit     = 4096
	previewableLimit = 256 * 1024
)

// changeSink is the subset of the queue engine the watcher needs.
// Extracted for testability.
type changeSink interface {
	Add(ctx context.Context, ch queue.Change) (queue.PendingUpload, error)
}

// localIndex is the subset of the state store the watcher needs to
// track what is on disk and pair renames.
type localIndex interface {
	GetLocalFile(path string) (*state.LocalFile, error)
	SetLocalFile(lf state.LocalFile) error
	DeleteLocalFile(path string) error
}

type removeEntry struct {
	at   time.Time
	prev *state.LocalFile
}

// Watcher monitors the sync directory for file changes and queues them
// for approval.
type Watcher struct {
	dir    string
	sink   changeSink
	index  localIndex
	rules  *filter.Filter
	logger *slog.Logger

	watcher *fsnotify.Watcher

	// pendingWrites debounces create/write events by relative path.
	pendingWrites map[string]time.Time

	// pendingRemoves holds removals waiting out the rename grace window.
	pendingRemoves map[string]removeEntry
}

// New creates a watcher over dir that feeds sink.
func New(dir string, sink changeSink, index localIndex, rules *filter.Filter, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:            dir,
		sink:           sink,
		index:          index,
		rules:          rules,
		logger:         logger,
		pendingWrites:  make(map[string]time.Time),
		pendingRemoves: make(map[string]removeEntry),
	}
}

// Watch blocks until the context is cancelled. Directories are watched
// recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating sync dir: %w", err)
	}

	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("watching sync dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.dir))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.flush(ctx, time.Now())
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.shouldIgnore(event.Name) {
		return
	}

	rel, err := filepath.Rel(w.dir, event.Name)
	if err != nil {
		w.logger.Warn("computing relative path", slog.String("error", err.Error()))
		return
	}

	rel = fsutil.NormalizePath(rel)

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		w.pendingWrites[rel] = time.Now()

		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.addRecursive(event.Name)
				delete(w.pendingWrites, rel)
			}
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// A rename fires remove on the old path; the new path fires
		// create separately and pairs up during the grace window.
		delete(w.pendingWrites, rel)
		_ = w.watcher.Remove(event.Name)

		prev, err := w.index.GetLocalFile(rel)
		if err != nil {
			w.logger.Warn("looking up removed path",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
		}

		w.pendingRemoves[rel] = removeEntry{at: time.Now(), prev: prev}
	}
}

// flush processes settled writes, pairing them against pending removes,
// then reports removes that outlived the grace window as deletes.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	for rel, at := range w.pendingWrites {
		if now.Sub(at) < debounceSettle {
			continue
		}

		delete(w.pendingWrites, rel)
		w.processWrite(ctx, rel)
	}

	for rel, entry := range w.pendingRemoves {
		if now.Sub(entry.at) < removeGrace {
			continue
		}

		delete(w.pendingRemoves, rel)
		w.processRemove(ctx, rel, entry.prev)
	}
}

func (w *Watcher) processWrite(ctx context.Context, rel string) {
	absPath := filepath.Join(w.dir, filepath.FromSlash(rel))

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}

		w.logger.Warn("stat failed", slog.String("path", rel), slog.String("error", err.Error()))

		return
	}

	if info.IsDir() {
		return
	}

	if !w.rules.AllowPath(rel, info.Size()) {
		return
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		w.logger.Warn("reading file", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}

	sum := blake3.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	mtime := info.ModTime().UnixMilli()

	// A write that left the content identical is not a change.
	if prev, err := w.index.GetLocalFile(rel); err == nil && prev != nil && prev.Hash == hash {
		return
	}

	ch := queue.Change{
		LocalPath:   rel,
		FileSize:    info.Size(),
		MTime:       mtime,
		Operation:   queue.OpUpload,
		ContentHash: hash,
		Preview:     preview(content, info.Size()),
	}

	// Pair with a recently removed path holding the same content.
	for removedPath, entry := range w.pendingRemoves {
		if entry.prev == nil || entry.prev.Hash != hash {
			continue
		}

		delete(w.pendingRemoves, removedPath)
		ch.PreviousPath = removedPath
		ch.Operation = queue.OpMove

		prevParent, _ := fsutil.SplitPath(removedPath)
		newParent, _ := fsutil.SplitPath(rel)
		if prevParent == newParent {
			ch.Operation = queue.OpRename
		}

		if err := w.index.DeleteLocalFile(removedPath); err != nil {
			w.logger.Warn("dropping moved path from index",
				slog.String("path", removedPath),
				slog.String("error", err.Error()),
			)
		}

		break
	}

	if err := w.index.SetLocalFile(state.LocalFile{
		Path:  rel,
		MTime: mtime,
		Size:  info.Size(),
		Hash:  hash,
	}); err != nil {
		w.logger.Warn("persisting local index entry",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)
	}

	if _, err := w.sink.Add(ctx, ch); err != nil {
		w.logger.Warn("queueing change",
			slog.String("path", rel),
			slog.String("operation", ch.Operation.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Watcher) processRemove(ctx context.Context, rel string, prev *state.LocalFile) {
	// Paths the index never tracked were filtered or never settled;
	// nothing was published for them.
	if prev == nil {
		return
	}

	if err := w.index.DeleteLocalFile(rel); err != nil {
		w.logger.Warn("dropping removed path from index",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)
	}

	if _, err := w.sink.Add(ctx, queue.Change{
		LocalPath: rel,
		Operation: queue.OpDelete,
	}); err != nil {
		w.logger.Warn("queueing delete",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if w.shouldIgnore(path) {
				return filepath.SkipDir
			}

			return w.watcher.Add(path)
		}

		return nil
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") && !w.rules.IncludeHidden() {
		return path != w.dir
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	return base == "node_modules"
}

func preview(content []byte, size int64) []byte {
	if size > previewableLimit || !utf8.Valid(content) {
		return nil
	}

	if len(content) > previewLimit {
		content = content[:previewLimit]
	}

	return content
}
