// Package scanner performs the startup sweep of the sync directory,
// comparing what is on disk against the persisted local index to find
// changes that happened while the daemon was not running.
package scanner

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/jbracken/permasync/internal/filter"
	"github.com/jbracken/permasync/internal/fsutil"
	"github.com/jbracken/permasync/internal/queue"
	"github.com/jbracken/permasync/internal/state"
)

// previewLimit caps how much file content is carried as a preview for
// conflict display.
const previewLimit = 4096

// previewableLimit is the largest file worth reading just for a preview.
const previewableLimit = 256 * 1024

// Result holds the outcome of scanning the sync directory against the
// persisted local index.
type Result struct {
	// Current maps everything currently on disk by relative path.
	Current map[string]state.LocalFile

	// Changes are the queue descriptors for offline edits: new and
	// modified files become uploads, moved files become renames, and
	// files gone from disk become deletes.
	Changes []queue.Change
}

// Scan walks dir and compares each file against the persisted index.
// Files whose mtime or size differ are rehashed; a hash that still
// matches is not reported as changed. New files whose hash matches a
// vanished persisted file are reported as renames rather than a
// delete plus a re-upload, which matters when re-uploading costs money.
func Scan(dir string, st *state.State, rules *filter.Filter, logger *slog.Logger) (*Result, error) {
	persisted, err := st.AllLocalFiles()
	if err != nil {
		return nil, fmt.Errorf("loading persisted local files: %w", err)
	}

	result := &Result{
		Current: make(map[string]state.LocalFile),
	}

	seen := make(map[string]bool)
	var added []addedFile

	err = filepath.WalkDir(dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(dir, absPath)
		if err != nil {
			return err
		}

		if relPath == "." {
			return nil
		}

		relPath = fsutil.NormalizePath(relPath)
		base := filepath.Base(absPath)

		if d.IsDir() {
			// Directories are not tracked; the network stores files
			// with path metadata. Prune subtrees the rules exclude.
			if !rules.IncludeHidden() && strings.HasPrefix(base, ".") {
				return filepath.SkipDir
			}

			if base == "node_modules" {
				return filepath.SkipDir
			}

			return nil
		}

		// Symlinks could point outside the sync dir or at special files.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink during scan", slog.String("path", relPath))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during scan",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)

			return nil
		}

		if !rules.AllowPath(relPath, info.Size()) {
			return nil
		}

		seen[relPath] = true

		mtime := info.ModTime().UnixMilli()
		size := info.Size()

		prev, exists := persisted[relPath]

		if !exists {
			hash, content := hashAndPreview(absPath, size, logger)

			result.Current[relPath] = state.LocalFile{
				Path:  relPath,
				MTime: mtime,
				Size:  size,
				Hash:  hash,
			}
			added = append(added, addedFile{
				change: queue.Change{
					LocalPath:   relPath,
					FileSize:    size,
					MTime:       mtime,
					Operation:   queue.OpUpload,
					ContentHash: hash,
					Preview:     content,
				},
			})

			return nil
		}

		if prev.MTime != mtime || prev.Size != size {
			hash, content := hashAndPreview(absPath, size, logger)

			result.Current[relPath] = state.LocalFile{
				Path:  relPath,
				MTime: mtime,
				Size:  size,
				Hash:  hash,
			}

			// Touched but identical content is not a change worth paying
			// for.
			if hash != "" && hash == prev.Hash {
				return nil
			}

			result.Changes = append(result.Changes, queue.Change{
				LocalPath:   relPath,
				FileSize:    size,
				MTime:       mtime,
				Operation:   queue.OpUpload,
				ContentHash: hash,
				Preview:     content,
			})

			return nil
		}

		result.Current[relPath] = prev

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking sync directory: %w", err)
	}

	// Index vanished files by hash so moved files pair up with their
	// new location.
	vanished := make(map[string]string)
	var deleted []string

	for path, prev := range persisted {
		if seen[path] {
			continue
		}

		deleted = append(deleted, path)

		if prev.Hash != "" {
			vanished[prev.Hash] = path
		}
	}

	matched := make(map[string]bool)

	for _, af := range added {
		ch := af.change

		if prevPath, ok := vanished[ch.ContentHash]; ok && ch.ContentHash != "" && !matched[prevPath] {
			matched[prevPath] = true
			ch.Operation = queue.OpMove
			ch.PreviousPath = prevPath

			if samePathDifferentName(prevPath, ch.LocalPath) {
				ch.Operation = queue.OpRename
			}
		}

		result.Changes = append(result.Changes, ch)
	}

	for _, path := range deleted {
		if matched[path] {
			continue
		}

		result.Changes = append(result.Changes, queue.Change{
			LocalPath: path,
			Operation: queue.OpDelete,
		})
	}

	logger.Info("local scan complete",
		slog.Int("on_disk", len(seen)),
		slog.Int("changes", len(result.Changes)),
	)

	return result, nil
}

type addedFile struct {
	change queue.Change
}

// samePathDifferentName reports whether two paths share a parent
// directory, which makes a hash-matched move a rename.
func samePathDifferentName(a, b string) bool {
	aParent, _ := fsutil.SplitPath(a)
	bParent, _ := fsutil.SplitPath(b)

	return aParent == bParent
}

// hashAndPreview reads a file once, returning its blake3 hex hash and,
// for small text files, a preview slice for conflict display. Hash
// failures are logged and reported as an empty hash so the scan keeps
// going.
func hashAndPreview(absPath string, size int64, logger *slog.Logger) (string, []byte) {
	content, err := os.ReadFile(absPath)
	if err != nil {
		logger.Warn("hashing file",
			slog.String("path", absPath),
			slog.String("error", err.Error()),
		)

		return "", nil
	}

	sum := blake3.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if size > previewableLimit || !utf8.Valid(content) {
		return hash, nil
	}

	if len(content) > previewLimit {
		content = content[:previewLimit]
	}

	return hash, content
}
