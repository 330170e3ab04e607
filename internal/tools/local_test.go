// internal/tools/local_test.go
package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
)

func newLocalRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r := NewRegistry(config.RuntimeConfig{ToolTimeout: time.Minute})
	_, err := RegisterLocalTools(r, dir)
	require.NoError(t, err)
	return r, dir
}

func TestLocalFS_JailsPaths(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFS(dir)
	require.NoError(t, err)

	require.NoError(t, fs.WriteFile(context.Background(), "sub/a.txt", "hello"))
	content, err := fs.ReadFile(context.Background(), "sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	// Escape attempts are re-rooted inside the jail, never written outside.
	require.NoError(t, fs.WriteFile(context.Background(), "../../outside.txt", "jailed"))
	_, err = os.Stat(filepath.Join(dir, "outside.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "outside.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalTools_ReadWriteList(t *testing.T) {
	r, dir := newLocalRegistry(t)
	ctx := context.Background()

	res, err := r.Execute(ctx, schemas.ToolInvocation{
		ToolName: "write_file",
		Params:   map[string]string{"path": "notes.md", "content": "line one\nline two\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"notes.md"}, res.Artifacts)

	onDisk, err := os.ReadFile(filepath.Join(dir, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(onDisk))

	res, err = r.Execute(ctx, schemas.ToolInvocation{
		ToolName: "read_file",
		Params:   map[string]string{"path": "notes.md", "max_lines": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "line one\n", res.Stdout)

	res, err = r.Execute(ctx, schemas.ToolInvocation{
		ToolName: "list_dir",
		Params:   map[string]string{},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "notes.md")
}

func TestLocalTools_ReadMissingFileFailsSoftly(t *testing.T) {
	r, _ := newLocalRegistry(t)

	res, err := r.Execute(context.Background(), schemas.ToolInvocation{
		ToolName: "read_file",
		Params:   map[string]string{"path": "missing.txt"},
	})
	require.NoError(t, err, "tool failures are results, not errors")
	assert.Equal(t, 1, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
}

func TestLocalTools_RunCommand(t *testing.T) {
	r, _ := newLocalRegistry(t)
	ctx := context.Background()

	res, err := r.Execute(ctx, schemas.ToolInvocation{
		ToolName: "run_command",
		Params:   map[string]string{"command": "printf hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello", res.Stdout)

	res, err = r.Execute(ctx, schemas.ToolInvocation{
		ToolName: "run_command",
		Params:   map[string]string{"command": "exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}
