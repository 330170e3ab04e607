// cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/checkpoint"
	"github.com/quarrylabs/agentcore/internal/config"
	"github.com/quarrylabs/agentcore/internal/tools"
)

// newPristineRootCmd builds a fresh command tree so tests do not share flag
// state through the package-level rootCmd.
func newPristineRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agentcore",
		Short:   rootCmd.Short,
		Version: Version,
	}
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCheckpointCmd())
	return cmd
}

func TestRootCmd_VersionFlag(t *testing.T) {
	testRootCmd := newPristineRootCmd()
	var out bytes.Buffer
	testRootCmd.SetOut(&out)
	testRootCmd.SetErr(&out)
	testRootCmd.SetArgs([]string{"--version"})

	err := testRootCmd.ExecuteContext(context.Background())

	require.NoError(t, err)
	assert.Contains(t, out.String(), Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	testRootCmd := newPristineRootCmd()
	var out bytes.Buffer
	testRootCmd.SetOut(&out)
	testRootCmd.SetErr(&out)
	testRootCmd.SetArgs([]string{})

	err := testRootCmd.ExecuteContext(context.Background())

	require.NoError(t, err)
	assert.Contains(t, out.String(), "agent execution runtime")
}

func TestInitializeConfig_DefaultsAreValid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	require.NoError(t, initializeConfig())

	loaded, err := config.NewConfigFromViper(viper.GetViper())
	require.NoError(t, err)
	assert.Equal(t, "gemini", loaded.LLM.Provider)
	assert.Positive(t, loaded.Runtime.MaxIterations)
}

// exportTestCheckpoint snapshots one file from dir and writes the exported
// checkpoint next to it, returning the export path.
func exportTestCheckpoint(t *testing.T, dir string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	fs, err := tools.NewLocalFS(dir)
	require.NoError(t, err)

	store := checkpoint.NewStore(config.CheckpointConfig{KeepCount: 5})
	cp, err := store.Create(context.Background(), checkpoint.CreateRequest{
		SessionID:   "s-1",
		UserID:      "u-1",
		Type:        schemas.CheckpointManual,
		Description: "before refactor",
		Paths:       []string{"main.go"},
	}, fs)
	require.NoError(t, err)

	data, err := store.Export(cp.CheckpointID)
	require.NoError(t, err)

	exportPath := filepath.Join(dir, "checkpoint.json")
	require.NoError(t, os.WriteFile(exportPath, data, 0o644))
	return exportPath
}

func TestCheckpointInspect(t *testing.T) {
	dir := t.TempDir()
	exportPath := exportTestCheckpoint(t, dir)

	testRootCmd := newPristineRootCmd()
	var out bytes.Buffer
	testRootCmd.SetOut(&out)
	testRootCmd.SetArgs([]string{"checkpoint", "inspect", exportPath})

	require.NoError(t, testRootCmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "s-1")
	assert.Contains(t, out.String(), "before refactor")
	assert.Contains(t, out.String(), "main.go")
}

func TestCheckpointApply_RestoresFiles(t *testing.T) {
	srcDir := t.TempDir()
	exportPath := exportTestCheckpoint(t, srcDir)

	// The apply command reads retention settings from the resolved config.
	cfg = config.NewDefaultConfig()

	destDir := t.TempDir()
	testRootCmd := newPristineRootCmd()
	var out bytes.Buffer
	testRootCmd.SetOut(&out)
	testRootCmd.SetArgs([]string{"checkpoint", "apply", exportPath, "--project", destDir})

	require.NoError(t, testRootCmd.ExecuteContext(context.Background()))

	restored, err := os.ReadFile(filepath.Join(destDir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(restored))
	assert.Contains(t, out.String(), "Restored 1 file(s)")
}
