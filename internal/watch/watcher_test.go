package watch

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/jbracken/permasync/internal/filter"
	"github.com/jbracken/permasync/internal/queue"
	"github.com/jbracken/permasync/internal/state"
)

type fakeSink struct {
	changes []queue.Change
	err     error
}

func (f *fakeSink) Add(_ context.Context, ch queue.Change) (queue.PendingUpload, error) {
	if f.err != nil {
		return queue.PendingUpload{}, f.err
	}

	f.changes = append(f.changes, ch)

	return queue.PendingUpload{}, nil
}

type memIndex struct {
	files map[string]state.LocalFile
}

func newMemIndex() *memIndex {
	return &memIndex{files: make(map[string]state.LocalFile)}
}

func (m *memIndex) GetLocalFile(path string) (*state.LocalFile, error) {
	if lf, ok := m.files[path]; ok {
		return &lf, nil
	}

	return nil, nil
}

func (m *memIndex) SetLocalFile(lf state.LocalFile) error {
	m.files[lf.Path] = lf
	return nil
}

func (m *memIndex) DeleteLocalFile(path string) error {
	delete(m.files, path)
	return nil
}

func newTestWatcher(t *testing.T, dir string) (*Watcher, *fakeSink, *memIndex) {
	t.Helper()

	sink := &fakeSink{}
	index := newMemIndex()
	w := New(dir, sink, index, filter.Default(), slog.New(slog.DiscardHandler))

	return w, sink, index
}

func hashOf(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestProcessWrite_QueuesUpload(t *testing.T) {
	dir := t.TempDir()
	w, sink, index := newTestWatcher(t, dir)

	content := []byte("# note\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.md"), content, 0o644))

	w.processWrite(context.Background(), "note.md")

	require.Len(t, sink.changes, 1)

	ch := sink.changes[0]
	assert.Equal(t, "note.md", ch.LocalPath)
	assert.Equal(t, queue.OpUpload, ch.Operation)
	assert.Equal(t, hashOf(content), ch.ContentHash)
	assert.Equal(t, content, ch.Preview)

	assert.Contains(t, index.files, "note.md")
}

func TestProcessWrite_IdenticalContentSkipped(t *testing.T) {
	dir := t.TempDir()
	w, sink, index := newTestWatcher(t, dir)

	content := []byte("unchanged")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), content, 0o644))
	require.NoError(t, index.SetLocalFile(state.LocalFile{Path: "a.md", Hash: hashOf(content)}))

	w.processWrite(context.Background(), "a.md")

	assert.Empty(t, sink.changes)
}

func TestProcessWrite_PairsRenameWithRemovedPath(t *testing.T) {
	dir := t.TempDir()
	w, sink, index := newTestWatcher(t, dir)

	content := []byte("moved content")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "new.md"), content, 0o644))

	prev := state.LocalFile{Path: "notes/old.md", Hash: hashOf(content)}
	require.NoError(t, index.SetLocalFile(prev))
	w.pendingRemoves["notes/old.md"] = removeEntry{at: time.Now(), prev: &prev}

	w.processWrite(context.Background(), "notes/new.md")

	require.Len(t, sink.changes, 1)

	ch := sink.changes[0]
	assert.Equal(t, queue.OpRename, ch.Operation)
	assert.Equal(t, "notes/new.md", ch.LocalPath)
	assert.Equal(t, "notes/old.md", ch.PreviousPath)

	assert.Empty(t, w.pendingRemoves)
	assert.NotContains(t, index.files, "notes/old.md")
	assert.Contains(t, index.files, "notes/new.md")
}

func TestProcessWrite_CrossDirectoryPairIsMove(t *testing.T) {
	dir := t.TempDir()
	w, sink, _ := newTestWatcher(t, dir)

	content := []byte("relocated")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "archive"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archive", "note.md"), content, 0o644))

	prev := state.LocalFile{Path: "inbox/note.md", Hash: hashOf(content)}
	w.pendingRemoves["inbox/note.md"] = removeEntry{at: time.Now(), prev: &prev}

	w.processWrite(context.Background(), "archive/note.md")

	require.Len(t, sink.changes, 1)
	assert.Equal(t, queue.OpMove, sink.changes[0].Operation)
	assert.Equal(t, "inbox/note.md", sink.changes[0].PreviousPath)
}

func TestProcessWrite_FilteredPathSkipped(t *testing.T) {
	dir := t.TempDir()
	w, sink, _ := newTestWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.swp"), []byte("x"), 0o644))

	w.processWrite(context.Background(), "scratch.swp")

	assert.Empty(t, sink.changes)
}

func TestProcessRemove_TrackedPathQueuesDelete(t *testing.T) {
	dir := t.TempDir()
	w, sink, index := newTestWatcher(t, dir)

	prev := state.LocalFile{Path: "gone.md", Hash: "h"}
	require.NoError(t, index.SetLocalFile(prev))

	w.processRemove(context.Background(), "gone.md", &prev)

	require.Len(t, sink.changes, 1)
	assert.Equal(t, queue.OpDelete, sink.changes[0].Operation)
	assert.Equal(t, "gone.md", sink.changes[0].LocalPath)
	assert.NotContains(t, index.files, "gone.md")
}

func TestProcessRemove_UntrackedPathIgnored(t *testing.T) {
	dir := t.TempDir()
	w, sink, _ := newTestWatcher(t, dir)

	w.processRemove(context.Background(), "never-tracked.md", nil)

	assert.Empty(t, sink.changes)
}

func TestFlush_RespectsDebounceAndGrace(t *testing.T) {
	dir := t.TempDir()
	w, sink, _ := newTestWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh.md"), []byte("x"), 0o644))

	now := time.Now()
	w.pendingWrites["fresh.md"] = now
	prev := state.LocalFile{Path: "pending.md", Hash: "h"}
	w.pendingRemoves["pending.md"] = removeEntry{at: now, prev: &prev}

	// Neither event has settled yet.
	w.flush(context.Background(), now)
	assert.Empty(t, sink.changes)
	assert.Len(t, w.pendingWrites, 1)
	assert.Len(t, w.pendingRemoves, 1)

	// Both windows elapsed.
	w.flush(context.Background(), now.Add(2*time.Second))
	assert.Len(t, sink.changes, 2)
	assert.Empty(t, w.pendingWrites)
	assert.Empty(t, w.pendingRemoves)
}

func TestShouldIgnore(t *testing.T) {
	dir := t.TempDir()
	w, _, _ := newTestWatcher(t, dir)

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(dir, "note.md"), false},
		{filepath.Join(dir, ".git"), true},
		{filepath.Join(dir, "draft.md~"), true},
		{filepath.Join(dir, "buffer.swp"), true},
		{filepath.Join(dir, "node_modules"), true},
		{dir, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, w.shouldIgnore(tt.path), tt.path)
	}
}
