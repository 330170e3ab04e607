// cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/agentstate"
	"github.com/quarrylabs/agentcore/internal/approval"
	"github.com/quarrylabs/agentcore/internal/checkpoint"
	"github.com/quarrylabs/agentcore/internal/config"
	"github.com/quarrylabs/agentcore/internal/llmclient"
	"github.com/quarrylabs/agentcore/internal/loop"
	"github.com/quarrylabs/agentcore/internal/observability"
	"github.com/quarrylabs/agentcore/internal/prompt"
	"github.com/quarrylabs/agentcore/internal/sessionstore"
	"github.com/quarrylabs/agentcore/internal/taskplan"
	"github.com/quarrylabs/agentcore/internal/tools"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Runs the agent loop against a project directory",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so command-line values override the config file and
			// environment with the right precedence.
			if err := viper.BindPFlag("runtime.max_iterations", cmd.Flags().Lookup("max-iterations")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the signal-aware context from Execute.
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-resolve the config now that flags are bound.
			finalCfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config: %w", err)
			}

			projectRoot, _ := cmd.Flags().GetString("project")
			sessionID, _ := cmd.Flags().GetString("session")
			userID, _ := cmd.Flags().GetString("user")
			approveAll, _ := cmd.Flags().GetBool("yes")
			checkpointDir, _ := cmd.Flags().GetString("checkpoint-dir")

			if sessionID == "" {
				sessionID = uuid.New().String()
			}
			userPrompt := strings.Join(args, " ")

			logger.Info("Starting agent run",
				zap.String("session_id", sessionID),
				zap.String("project_root", projectRoot),
				zap.Int("max_iterations", finalCfg.Runtime.MaxIterations))

			components, err := initializeRunComponents(ctx, finalCfg, projectRoot, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize run components: %w", err)
			}
			defer components.Shutdown()

			sink := newConsoleSink(cmd.OutOrStdout())
			var audit []schemas.ToolApproval

			// Each pass runs the loop to a stopping point. A session blocked
			// on approvals comes back here so the user can resolve them and
			// resume; any other status ends the run.
			for {
				loopID, err := components.Runner.Invoke(ctx, sessionID, userID, userPrompt, sink)
				if err != nil {
					return err
				}
				logger.Debug("Loop invoked", zap.String("loop_id", loopID))
				if err := components.Runner.Wait(); err != nil {
					return err
				}
				userPrompt = ""

				state, ok := components.Runner.State(sessionID)
				if !ok || state.Status != schemas.StatusBlocked {
					break
				}

				resolved, err := resolveApprovals(cmd, components.Approvals, userID, approveAll, &audit)
				if err != nil {
					return err
				}
				if !resolved {
					break
				}
			}

			if err := exportCheckpoints(components.Checkpoints, sessionID, checkpointDir); err != nil {
				logger.Warn("Failed to export checkpoints", zap.Error(err))
			}
			if err := components.mirrorRun(ctx, sessionID, audit); err != nil {
				logger.Warn("Failed to mirror session to the database", zap.Error(err))
			}

			return printRunSummary(cmd.OutOrStdout(), components.Runner, sessionID)
		},
	}

	runCmd.Flags().StringP("project", "p", ".", "Project root the agent works in.")
	runCmd.Flags().StringP("session", "s", "", "Session ID to resume. A new session is created if unset.")
	runCmd.Flags().StringP("user", "u", "local", "User ID recorded on approvals and checkpoints.")
	runCmd.Flags().BoolP("yes", "y", false, "Approve all gated tool calls without prompting.")
	runCmd.Flags().String("checkpoint-dir", "", "Directory to export session checkpoints to after the run.")
	runCmd.Flags().Int("max-iterations", 0, "Maximum loop iterations per run. (Overrides config/env)")

	return runCmd
}

// runComponents holds initialized services for one run invocation.
type runComponents struct {
	Runner      *loop.Runner
	Approvals   *approval.Manager
	Checkpoints *checkpoint.Store
	Sessions    *sessionstore.Store
	KV          *sessionstore.MemoryKV
	Mirror      *sessionstore.Mirror
	DBPool      *pgxpool.Pool
}

// Shutdown releases background resources.
func (rc *runComponents) Shutdown() {
	if rc.KV != nil {
		rc.KV.Close()
	}
	if rc.DBPool != nil {
		rc.DBPool.Close()
	}
}

// mirrorRun writes the final session snapshot and the approval audit trail
// to the durable mirror, when one is configured.
func (rc *runComponents) mirrorRun(ctx context.Context, sessionID string, audit []schemas.ToolApproval) error {
	if rc.Mirror == nil {
		return nil
	}
	snap, err := rc.Sessions.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := rc.Mirror.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return rc.Mirror.RecordApprovals(ctx, audit)
}

// initializeRunComponents handles dependency injection for the run command.
func initializeRunComponents(ctx context.Context, cfg *config.Config, projectRoot string, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	// 1. Tool registry with the builtin local capability set.
	registry := tools.NewRegistry(cfg.Runtime)
	fs, err := tools.RegisterLocalTools(registry, projectRoot)
	if err != nil {
		return components, fmt.Errorf("failed to register local tools: %w", err)
	}

	// 2. Session store, approvals, checkpoints.
	components.KV = sessionstore.NewMemoryKV(cfg.Session.JanitorInterval)
	components.Sessions = sessionstore.NewStore(components.KV, cfg.Session)
	components.Approvals = approval.NewManager(cfg.Approval, registry.Risk)
	components.Checkpoints = checkpoint.NewStore(cfg.Checkpoint)

	// 3. Prompt assembly.
	identities := prompt.NewIdentityRegistry()
	for _, id := range defaultIdentities() {
		if err := identities.Register(id); err != nil {
			return components, fmt.Errorf("failed to register identity %s: %w", id.Name, err)
		}
	}
	info := prompt.NewInformationRegistry()

	// 4. Model client.
	llm, err := llmclient.New(cfg.LLM, cfg.Runtime, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize model client: %w", err)
	}

	// 5. Optional durable mirror.
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return components, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.DBPool = pool
		mirror, err := sessionstore.NewMirror(ctx, pool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize session mirror: %w", err)
		}
		components.Mirror = mirror
	}

	deps := loop.Deps{
		Runtime:     cfg.Runtime,
		LLM:         llm,
		PlannerLLM:  cfg.LLM.PlannerModel,
		Registry:    registry,
		Mutator:     agentstate.NewMutator(),
		Plans:       taskplan.NewCompiler(),
		Prompts:     prompt.NewCompiler(identities),
		Info:        info,
		Approvals:   components.Approvals,
		Checkpoints: components.Checkpoints,
		Files:       fs,
		Sessions:    components.Sessions,
	}

	meta := schemas.AgentMeta{AgentID: "agentcore", Version: Version, Mode: "cli"}
	components.Runner = loop.NewRunner(deps, meta, projectRoot)
	return components, nil
}

func defaultIdentities() []prompt.Identity {
	return []prompt.Identity{
		{
			Kind: prompt.IdentityCore,
			Name: "engineer",
			Text: "You are a careful software engineer working inside the user's project. You inspect before you change, you change one thing at a time, and you verify every change you make.",
		},
		{
			Kind: prompt.IdentityViewpoint,
			Name: "conservative",
			Text: "Prefer the smallest action that makes progress. When a step is ambiguous, pause and ask instead of guessing.",
		},
	}
}

// resolveApprovals prompts for each pending approval and records the
// resolutions. Returns false when there was nothing to resolve.
func resolveApprovals(cmd *cobra.Command, manager *approval.Manager, userID string, approveAll bool, audit *[]schemas.ToolApproval) (bool, error) {
	pending := manager.Pending(userID)
	if len(pending) == 0 {
		return false, nil
	}

	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	for _, rec := range pending {
		approve := approveAll
		reason := "approved via --yes"
		if !approveAll {
			fmt.Fprintf(out, "\nTool call awaiting approval:\n  %s %v\nApprove? [y/N]: ", rec.ToolName, rec.ToolParams)
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				return false, fmt.Errorf("failed to read approval response: %w", err)
			}
			answer := strings.ToLower(strings.TrimSpace(line))
			approve = answer == "y" || answer == "yes"
			reason = "resolved interactively"
		}

		resolved, err := manager.Resolve(rec.DecisionID, approve, reason)
		if err != nil {
			return false, err
		}
		*audit = append(*audit, *resolved)
	}
	return true, nil
}

// exportCheckpoints writes every checkpoint of the session to dir as JSON.
func exportCheckpoints(store *checkpoint.Store, sessionID, dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, cp := range store.List(sessionID) {
		data, err := store.Export(cp.CheckpointID)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, cp.CheckpointID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func printRunSummary(w io.Writer, runner *loop.Runner, sessionID string) error {
	state, ok := runner.State(sessionID)
	if !ok {
		return fmt.Errorf("session %s left no state", sessionID)
	}

	fmt.Fprintf(w, "\nRun finished with status %s. Session ID: %s\n", state.Status, sessionID)
	for _, task := range state.TaskState.Tasks {
		fmt.Fprintf(w, "  [%s] %s\n", task.Status, task.Name)
	}
	if state.Status == schemas.StatusPaused || state.Status == schemas.StatusBlocked {
		fmt.Fprintf(w, "Resume with: agentcore run --session %s \"continue\"\n", sessionID)
	}
	if state.LastError != "" {
		return fmt.Errorf("run ended in error: %s", state.LastError)
	}
	return nil
}

// newConsoleSink renders loop events for a terminal. Tokens stream through
// verbatim; everything else gets a one-line annotation.
func newConsoleSink(w io.Writer) schemas.EventSink {
	return schemas.EventSinkFunc(func(ev schemas.Event) {
		switch ev.Kind {
		case schemas.EventToken:
			fmt.Fprint(w, ev.Token)
		case schemas.EventToolRunning:
			fmt.Fprintf(w, "\n[tool] %s running...\n", ev.ToolName)
		case schemas.EventToolResult:
			fmt.Fprintf(w, "[tool] %s finished\n", ev.ToolName)
		case schemas.EventToolError:
			fmt.Fprintf(w, "[tool] %s: %s\n", ev.ToolName, ev.Message)
		case schemas.EventTaskUpdate:
			fmt.Fprintf(w, "[plan] task pipeline updated\n")
		case schemas.EventError:
			fmt.Fprintf(w, "\n[error] %s\n", ev.Message)
		case schemas.EventDone:
			fmt.Fprintln(w)
		}
	})
}
