// internal/checkpoint/store_test.go
package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
)

// fakeFS is an in-memory FileWriter with per-path failure injection.
type fakeFS struct {
	files      map[string]string
	writeFails map[string]bool
	readFails  map[string]bool
}

func newFakeFS(files map[string]string) *fakeFS {
	return &fakeFS{
		files:      files,
		writeFails: make(map[string]bool),
		readFails:  make(map[string]bool),
	}
}

func (f *fakeFS) ReadFile(_ context.Context, path string) (string, error) {
	if f.readFails[path] {
		return "", fmt.Errorf("read %s: injected failure", path)
	}
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: not found", path)
	}
	return content, nil
}

func (f *fakeFS) WriteFile(_ context.Context, path, content string) error {
	if f.writeFails[path] {
		return fmt.Errorf("write %s: injected failure", path)
	}
	f.files[path] = content
	return nil
}

var _ schemas.FileWriter = (*fakeFS)(nil)

func newTestStore(keep int) *Store {
	return NewStore(config.CheckpointConfig{KeepCount: keep})
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(10)
	fs := newFakeFS(map[string]string{
		"main.go": "package main",
		"go.mod":  "module example",
	})

	cp, err := store.Create(context.Background(), CreateRequest{
		SessionID:    "s-1",
		UserID:       "u-1",
		Type:         schemas.CheckpointManual,
		MessageOrder: 3,
		Description:  "before refactor",
		Paths:        []string{"main.go", "go.mod", "missing.go"},
	}, fs)
	require.NoError(t, err)

	assert.NotEmpty(t, cp.CheckpointID)
	assert.Len(t, cp.FileSnapshots, 2, "unreadable paths are skipped")
	assert.Equal(t, "package main", cp.FileSnapshots["main.go"].Content)
	assert.NotEmpty(t, cp.FileSnapshots["main.go"].Hash)

	got, ok := store.Get(cp.CheckpointID)
	require.True(t, ok)
	assert.Equal(t, cp.CheckpointID, got.CheckpointID)

	_, ok = store.Get("nope")
	assert.False(t, ok)
}

func TestCreate_RequiresSessionID(t *testing.T) {
	store := newTestStore(10)
	_, err := store.Create(context.Background(), CreateRequest{}, newFakeFS(nil))
	assert.Error(t, err)
}

func TestJumpTo_RestoresAndCapturesUserEdits(t *testing.T) {
	store := newTestStore(10)
	fs := newFakeFS(map[string]string{"a.txt": "v1", "b.txt": "v1"})

	cp, err := store.Create(context.Background(), CreateRequest{
		SessionID: "s-1",
		Paths:     []string{"a.txt", "b.txt"},
	}, fs)
	require.NoError(t, err)

	// The user edits a.txt after the checkpoint.
	fs.files["a.txt"] = "user edit"
	fs.files["b.txt"] = "v2"

	res, err := store.JumpTo(context.Background(), cp.CheckpointID, fs)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, res.Restored)
	assert.Empty(t, res.Failed)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, res.UserModified)
	assert.Equal(t, "v1", fs.files["a.txt"])
	assert.Equal(t, "v1", fs.files["b.txt"])

	// The divergent content survives on the checkpoint.
	got, ok := store.Get(cp.CheckpointID)
	require.True(t, ok)
	assert.Equal(t, "user edit", got.UserModifications["a.txt"].Content)
}

func TestJumpTo_PartialFailure(t *testing.T) {
	store := newTestStore(10)
	fs := newFakeFS(map[string]string{"a.txt": "v1", "b.txt": "v1"})

	cp, err := store.Create(context.Background(), CreateRequest{
		SessionID: "s-1",
		Paths:     []string{"a.txt", "b.txt"},
	}, fs)
	require.NoError(t, err)

	fs.files["a.txt"] = "changed"
	fs.files["b.txt"] = "changed"
	fs.writeFails["b.txt"] = true

	res, err := store.JumpTo(context.Background(), cp.CheckpointID, fs)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, res.Restored)
	require.Contains(t, res.Failed, "b.txt")
	assert.Equal(t, "v1", fs.files["a.txt"], "the successful path is restored")
	assert.Equal(t, "changed", fs.files["b.txt"], "the failed path keeps its content")
}

func TestJumpTo_UnknownCheckpoint(t *testing.T) {
	store := newTestStore(10)
	_, err := store.JumpTo(context.Background(), "nope", newFakeFS(nil))
	assert.Error(t, err)
}

func TestRecordUserModifications(t *testing.T) {
	store := newTestStore(10)
	fs := newFakeFS(map[string]string{"a.txt": "v1", "b.txt": "v1"})

	cp, err := store.Create(context.Background(), CreateRequest{
		SessionID: "s-1",
		Paths:     []string{"a.txt", "b.txt"},
	}, fs)
	require.NoError(t, err)

	fs.files["a.txt"] = "edited"
	fs.readFails["b.txt"] = true

	diverged, err := store.RecordUserModifications(context.Background(), cp.CheckpointID, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, diverged)

	// Nothing was restored.
	assert.Equal(t, "edited", fs.files["a.txt"])
}

func TestCleanup_KeepsNewest(t *testing.T) {
	store := newTestStore(2)
	fs := newFakeFS(map[string]string{"a.txt": "v"})

	var ids []string
	for i := 0; i < 4; i++ {
		cp, err := store.Create(context.Background(), CreateRequest{
			SessionID:    "s-1",
			MessageOrder: i,
			Paths:        []string{"a.txt"},
		}, fs)
		require.NoError(t, err)
		ids = append(ids, cp.CheckpointID)
	}

	list := store.List("s-1")
	require.Len(t, list, 2, "creation prunes to the keep count")
	assert.Equal(t, ids[2], list[0].CheckpointID)
	assert.Equal(t, ids[3], list[1].CheckpointID)

	_, ok := store.Get(ids[0])
	assert.False(t, ok)
}

func TestExportImport(t *testing.T) {
	store := newTestStore(10)
	fs := newFakeFS(map[string]string{"a.txt": "v1"})

	cp, err := store.Create(context.Background(), CreateRequest{
		SessionID:   "s-1",
		UserID:      "u-1",
		Description: "portable",
		Paths:       []string{"a.txt"},
	}, fs)
	require.NoError(t, err)

	data, err := store.Export(cp.CheckpointID)
	require.NoError(t, err)

	imported, err := store.Import(data, "s-other")
	require.NoError(t, err)

	assert.NotEqual(t, cp.CheckpointID, imported.CheckpointID, "imports get a fresh id")
	assert.Equal(t, "s-other", imported.SessionID)
	assert.Equal(t, "v1", imported.FileSnapshots["a.txt"].Content)
	assert.Equal(t, "portable", imported.Description)

	list := store.List("s-other")
	require.Len(t, list, 1)

	_, err = store.Import([]byte("{"), "s-other")
	assert.Error(t, err)
	_, err = store.Import([]byte("{}"), "s-other")
	assert.Error(t, err, "a checkpoint without snapshots is rejected")
}
