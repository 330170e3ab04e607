// cmd/checkpoint.go
package cmd

import (
	"fmt"
	"os"
	"sort"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/checkpoint"
	"github.com/quarrylabs/agentcore/internal/observability"
	"github.com/quarrylabs/agentcore/internal/tools"
)

// newCheckpointCmd groups the offline checkpoint operations. They work on
// checkpoint files exported from a run (see `run --checkpoint-dir`).
func newCheckpointCmd() *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and restore exported file checkpoints",
	}
	checkpointCmd.AddCommand(newCheckpointInspectCmd())
	checkpointCmd.AddCommand(newCheckpointApplyCmd())
	return checkpointCmd
}

func newCheckpointInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Prints the contents of an exported checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read checkpoint file: %w", err)
			}

			var cp schemas.ChatCheckpoint
			if err := json.Unmarshal(data, &cp); err != nil {
				return fmt.Errorf("failed to parse checkpoint file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checkpoint %s\n", cp.CheckpointID)
			fmt.Fprintf(out, "  session:     %s\n", cp.SessionID)
			fmt.Fprintf(out, "  type:        %s\n", cp.Type)
			fmt.Fprintf(out, "  created:     %s\n", cp.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			if cp.Description != "" {
				fmt.Fprintf(out, "  description: %s\n", cp.Description)
			}

			paths := make([]string, 0, len(cp.FileSnapshots))
			for path := range cp.FileSnapshots {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			fmt.Fprintf(out, "  files (%d):\n", len(paths))
			for _, path := range paths {
				marker := ""
				if _, modified := cp.UserModifications[path]; modified {
					marker = " (modified after checkpoint)"
				}
				fmt.Fprintf(out, "    %s%s\n", path, marker)
			}
			return nil
		},
	}
}

func newCheckpointApplyCmd() *cobra.Command {
	applyCmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Restores an exported checkpoint's files into a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			projectRoot, _ := cmd.Flags().GetString("project")
			sessionID, _ := cmd.Flags().GetString("session")

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read checkpoint file: %w", err)
			}

			store := checkpoint.NewStore(cfg.Checkpoint)
			cp, err := store.Import(data, sessionID)
			if err != nil {
				return fmt.Errorf("failed to import checkpoint: %w", err)
			}

			fs, err := tools.NewLocalFS(projectRoot)
			if err != nil {
				return err
			}

			result, err := store.JumpTo(cmd.Context(), cp.CheckpointID, fs)
			if err != nil {
				return fmt.Errorf("failed to restore checkpoint: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restored %d file(s) from checkpoint %s\n", len(result.Restored), cp.CheckpointID)
			for path, ferr := range result.Failed {
				logger.Warn("File restore failed", zap.String("path", path), zap.Error(ferr))
				fmt.Fprintf(out, "  failed: %s (%v)\n", path, ferr)
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d file(s) failed to restore", len(result.Failed))
			}
			return nil
		},
	}
	applyCmd.Flags().StringP("project", "p", ".", "Project root to restore files into.")
	applyCmd.Flags().StringP("session", "s", "restored", "Session ID to import the checkpoint under.")
	return applyCmd
}
