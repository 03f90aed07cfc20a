package scanner

import (
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/jbracken/permasync/internal/filter"
	"github.com/jbracken/permasync/internal/queue"
	"github.com/jbracken/permasync/internal/state"
)

func newTestState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func writeFile(t *testing.T, dir, rel string, content []byte) {
	t.Helper()

	abs := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, content, 0o644))
}

func hashOf(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func changeFor(t *testing.T, changes []queue.Change, path string) queue.Change {
	t.Helper()

	for _, ch := range changes {
		if ch.LocalPath == path {
			return ch
		}
	}

	t.Fatalf("no change for %s", path)

	return queue.Change{}
}

func TestScan_NewFileBecomesUpload(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	writeFile(t, dir, "notes/daily.md", []byte("# Daily\n"))

	result, err := Scan(dir, st, filter.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.Len(t, result.Changes, 1)

	ch := result.Changes[0]
	assert.Equal(t, "notes/daily.md", ch.LocalPath)
	assert.Equal(t, queue.OpUpload, ch.Operation)
	assert.Equal(t, int64(8), ch.FileSize)
	assert.Equal(t, hashOf([]byte("# Daily\n")), ch.ContentHash)
	assert.Equal(t, []byte("# Daily\n"), ch.Preview)

	assert.Contains(t, result.Current, "notes/daily.md")
}

func TestScan_UnchangedFileNotReported(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	content := []byte("stable content")
	writeFile(t, dir, "a.md", content)

	info, err := os.Stat(filepath.Join(dir, "a.md"))
	require.NoError(t, err)

	require.NoError(t, st.SetLocalFile(state.LocalFile{
		Path:  "a.md",
		MTime: info.ModTime().UnixMilli(),
		Size:  info.Size(),
		Hash:  hashOf(content),
	}))

	result, err := Scan(dir, st, filter.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	assert.Empty(t, result.Changes)
	assert.Equal(t, hashOf(content), result.Current["a.md"].Hash)
}

func TestScan_TouchedButIdenticalNotReported(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	content := []byte("same bytes")
	writeFile(t, dir, "a.md", content)

	// Stale mtime forces a rehash; the matching hash suppresses the
	// change.
	require.NoError(t, st.SetLocalFile(state.LocalFile{
		Path:  "a.md",
		MTime: 1,
		Size:  int64(len(content)),
		Hash:  hashOf(content),
	}))

	result, err := Scan(dir, st, filter.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	assert.Empty(t, result.Changes)
}

func TestScan_ModifiedFileBecomesUpload(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	writeFile(t, dir, "a.md", []byte("new content"))

	require.NoError(t, st.SetLocalFile(state.LocalFile{
		Path:  "a.md",
		MTime: 1,
		Size:  3,
		Hash:  hashOf([]byte("old")),
	}))

	result, err := Scan(dir, st, filter.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.Len(t, result.Changes, 1)
	assert.Equal(t, queue.OpUpload, result.Changes[0].Operation)
	assert.Equal(t, hashOf([]byte("new content")), result.Changes[0].ContentHash)
}

func TestScan_VanishedFileBecomesDelete(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	require.NoError(t, st.SetLocalFile(state.LocalFile{
		Path: "gone.md",
		Hash: hashOf([]byte("was here")),
	}))

	result, err := Scan(dir, st, filter.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.Len(t, result.Changes, 1)
	assert.Equal(t, "gone.md", result.Changes[0].LocalPath)
	assert.Equal(t, queue.OpDelete, result.Changes[0].Operation)
}

func TestScan_HashMatchedMoveIsRename(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	content := []byte("# moved note")
	writeFile(t, dir, "notes/new-name.md", content)

	require.NoError(t, st.SetLocalFile(state.LocalFile{
		Path: "notes/old-name.md",
		Hash: hashOf(content),
	}))

	result, err := Scan(dir, st, filter.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.Len(t, result.Changes, 1)

	ch := result.Changes[0]
	assert.Equal(t, queue.OpRename, ch.Operation)
	assert.Equal(t, "notes/new-name.md", ch.LocalPath)
	assert.Equal(t, "notes/old-name.md", ch.PreviousPath)
}

func TestScan_HashMatchedMoveAcrossDirsIsMove(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	content := []byte("relocated")
	writeFile(t, dir, "archive/note.md", content)

	require.NoError(t, st.SetLocalFile(state.LocalFile{
		Path: "inbox/note.md",
		Hash: hashOf(content),
	}))

	result, err := Scan(dir, st, filter.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.Len(t, result.Changes, 1)

	ch := result.Changes[0]
	assert.Equal(t, queue.OpMove, ch.Operation)
	assert.Equal(t, "archive/note.md", ch.LocalPath)
	assert.Equal(t, "inbox/note.md", ch.PreviousPath)
}

func TestScan_FilterExcludesPaths(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	writeFile(t, dir, "draft.tmp", []byte("scratch"))
	writeFile(t, dir, "keep.md", []byte("keep"))
	writeFile(t, dir, ".cache/blob", []byte("tool state"))

	f, err := filter.Parse([]byte("ignore:\n  - \"*.tmp\"\n"))
	require.NoError(t, err)

	result, err := Scan(dir, st, f, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.Len(t, result.Changes, 1)
	assert.Equal(t, "keep.md", result.Changes[0].LocalPath)
}

func TestScan_BinaryFilesGetNoPreview(t *testing.T) {
	dir := t.TempDir()
	st := newTestState(t)

	writeFile(t, dir, "image.bin", []byte{0xff, 0xfe, 0x00, 0x01})

	result, err := Scan(dir, st, filter.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.Len(t, result.Changes, 1)
	assert.NotEmpty(t, result.Changes[0].ContentHash)
	assert.Nil(t, result.Changes[0].Preview)
}
