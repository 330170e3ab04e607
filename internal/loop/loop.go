// internal/loop/loop.go
package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/agentstate"
	"github.com/quarrylabs/agentcore/internal/approval"
	"github.com/quarrylabs/agentcore/internal/checkpoint"
	"github.com/quarrylabs/agentcore/internal/config"
	"github.com/quarrylabs/agentcore/internal/observability"
	"github.com/quarrylabs/agentcore/internal/prompt"
	"github.com/quarrylabs/agentcore/internal/sessionstore"
	"github.com/quarrylabs/agentcore/internal/taskplan"
	"github.com/quarrylabs/agentcore/internal/tools"
	"github.com/quarrylabs/agentcore/internal/toolstream"
)

// Allows for mocking in tests.
var (
	uuidNewString = uuid.NewString
	timeNow       = time.Now
)

// taskCompleteMarker is the bare-line control signal the model emits during
// execution to advance the task pipeline.
const taskCompleteMarker = "TASK_COMPLETE"

// Deps bundles everything one loop run needs. All fields are required
// except Checkpoints and Files, which disable checkpointing when nil.
type Deps struct {
	Runtime     config.RuntimeConfig
	LLM         schemas.StreamClient
	PlannerLLM  string // model name for planning calls; empty uses the default
	Registry    *tools.Registry
	Mutator     *agentstate.Mutator
	Plans       *taskplan.Compiler
	Prompts     *prompt.Compiler
	Info        *prompt.InformationRegistry
	Approvals   *approval.Manager
	Checkpoints *checkpoint.Store
	Files       schemas.FileWriter
	Sessions    *sessionstore.Store
}

// Loop executes one request/plan/act/observe run for a session. It owns the
// AgentState for the duration of the run; nothing else mutates it.
type Loop struct {
	deps   Deps
	sink   schemas.EventSink
	logger *zap.Logger

	sessionID string
	userID    string
	loopID    string

	history          []schemas.ChatMessage
	lastCheckpointID string
}

func New(deps Deps, sink schemas.EventSink, sessionID, userID, loopID string) *Loop {
	return &Loop{
		deps:      deps,
		sink:      sink,
		sessionID: sessionID,
		userID:    userID,
		loopID:    loopID,
		logger: observability.GetLogger().Named("loop").With(
			zap.String("session_id", sessionID),
			zap.String("loop_id", loopID)),
	}
}

// Run drives the session until a terminal condition: all tasks complete,
// the model pauses, an approval blocks, an interrupt lands, an error
// occurs, or the iteration budget runs out. Exactly one done or error event
// ends every run.
func (l *Loop) Run(ctx context.Context, state *schemas.AgentState, userPrompt string) (final *schemas.AgentState, err error) {
	defer func() {
		if err != nil {
			l.emit(schemas.Event{Kind: schemas.EventError, Message: err.Error()})
		} else {
			l.emit(schemas.Event{Kind: schemas.EventDone})
		}
	}()

	if userPrompt != "" {
		l.history = append(l.history, schemas.ChatMessage{Role: "user", Content: userPrompt})
	}

	if len(state.TaskState.Tasks) == 0 {
		state, err = l.plan(ctx, state, userPrompt)
		if err != nil {
			return state, err
		}
	} else if state.Status == schemas.StatusIdle || state.Status == schemas.StatusPaused ||
		state.Status == schemas.StatusError || state.Status == schemas.StatusBlocked {
		// Re-invocation of an existing plan resumes execution. A session
		// blocked on an approval re-gates the parked call instead of asking
		// the model again.
		target := schemas.StatusRunning
		if state.Status == schemas.StatusBlocked && state.LastDecision != nil &&
			state.LastDecision.Type == schemas.DecisionToolCall {
			target = schemas.StatusWaitingTool
		}
		next, out := l.deps.Mutator.SetStatus(state, target)
		if !out.Accepted {
			return state, fmt.Errorf("cannot resume session: %s", out.Reason)
		}
		state = next
	}

	for iteration := 0; iteration < l.deps.Runtime.MaxIterations; iteration++ {
		if state.Status.Terminal() {
			break
		}

		interrupted, ierr := l.interruptRequested(ctx)
		if ierr != nil {
			return state, ierr
		}
		if interrupted {
			return l.yield(ctx, state, schemas.StatusPaused, "interrupted before model call")
		}

		if state.Status == schemas.StatusWaitingTool && state.LastDecision != nil {
			state, err = l.runGatedDecision(ctx, state, state.LastDecision)
		} else {
			state, err = l.step(ctx, state)
		}
		if err != nil {
			l.syncSession(ctx, state, schemas.PhaseIdle)
			return state, err
		}

		switch state.Status {
		case schemas.StatusCompleted:
			l.syncSession(ctx, state, schemas.PhaseIdle)
			l.emitSessionUpdate(state)
			return state, nil
		case schemas.StatusPaused, schemas.StatusBlocked:
			l.syncSession(ctx, state, schemas.PhaseAwaitingUser)
			return state, nil
		case schemas.StatusError:
			l.syncSession(ctx, state, schemas.PhaseIdle)
			return state, fmt.Errorf("agent entered error state: %s", state.LastError)
		}
	}

	if state.Status.Terminal() {
		l.syncSession(ctx, state, schemas.PhaseIdle)
		return state, nil
	}

	// Running out of iterations parks the session; a new invocation picks the
	// plan back up where it stopped.
	return l.yield(ctx, state, schemas.StatusPaused,
		fmt.Sprintf("iteration budget of %d reached", l.deps.Runtime.MaxIterations))
}

// plan runs the planning phase: one JSON-channel model call compiled into a
// task pipeline.
func (l *Loop) plan(ctx context.Context, state *schemas.AgentState, userPrompt string) (*schemas.AgentState, error) {
	next, out := l.deps.Mutator.SetStatus(state, schemas.StatusPlanning)
	if !out.Accepted {
		return state, fmt.Errorf("cannot enter planning: %s", out.Reason)
	}
	state = next
	l.syncSession(ctx, state, schemas.PhaseStreamingLLM)

	systemPrompt, err := l.deps.Prompts.Render(prompt.RenderRequest{
		State:    state,
		Info:     l.deps.Info.Snapshot(),
		Planning: true,
	})
	if err != nil {
		return state, err
	}

	raw, err := l.deps.LLM.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Model:        l.deps.PlannerLLM,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return state, fmt.Errorf("planning call failed: %w", err)
	}

	plan, err := l.deps.Plans.Compile(raw, userPrompt)
	if err != nil {
		return state, err
	}

	next, out = l.deps.Mutator.AdoptPlan(state, plan)
	if !out.Accepted {
		return state, fmt.Errorf("failed to adopt plan: %s", out.Reason)
	}
	state = next

	l.emit(schemas.Event{Kind: schemas.EventTaskUpdate, Payload: state.TaskState})
	l.logger.Info("Plan adopted.",
		zap.String("pipeline_id", state.TaskState.PipelineID),
		zap.Int("task_count", len(state.TaskState.Tasks)))
	return state, nil
}

// step performs one act/observe cycle: stream a model response, then either
// execute the proposed tool call, advance the task pipeline, or yield.
func (l *Loop) step(ctx context.Context, state *schemas.AgentState) (*schemas.AgentState, error) {
	systemPrompt, err := l.deps.Prompts.Render(prompt.RenderRequest{
		State: state,
		Tools: l.deps.Registry.Specs(),
		Info:  l.deps.Info.Snapshot(),
	})
	if err != nil {
		return state, err
	}

	l.syncSession(ctx, state, schemas.PhaseStreamingLLM)

	plain, call, err := l.streamResponse(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		History:      l.history,
		UserPrompt:   l.continuationPrompt(state),
	})
	if err != nil {
		return state, err
	}
	l.history = append(l.history, schemas.ChatMessage{Role: "model", Content: l.transcript(plain, call)})

	if call != nil {
		if !call.Complete {
			// The stream ended mid-call; treat it as a failed observation
			// and let the model retry next iteration.
			l.emit(schemas.Event{
				Kind:     schemas.EventToolError,
				ToolName: call.ToolName,
				ToolID:   call.ToolID,
				Message:  "tool call was truncated mid-stream",
			})
			l.history = append(l.history, schemas.ChatMessage{
				Role:    "user",
				Content: fmt.Sprintf("The %s call was cut off before its closing tag. Emit the full call again.", call.ToolName),
			})
			return state, nil
		}
		return l.executeCall(ctx, state, call)
	}

	if containsMarker(plain, taskCompleteMarker) {
		return l.completeCurrentTask(state)
	}

	// Plain commentary with no action: the model yielded to the user.
	return l.yield(ctx, state, schemas.StatusPaused, "model yielded without an action")
}

// streamResponse drives one model call through the tag parser, emitting
// token events for displayable text as it arrives.
func (l *Loop) streamResponse(ctx context.Context, req schemas.GenerationRequest) (string, *toolstream.ParsedToolCall, error) {
	chunks, err := l.deps.LLM.Stream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("model call failed: %w", err)
	}

	parser := toolstream.NewParser(toolstream.DeclsFromSpecs(l.deps.Registry.Specs()))
	var plain strings.Builder

	for chunk := range chunks {
		if chunk.Err != nil {
			return plain.String(), nil, fmt.Errorf("model stream failed: %w", chunk.Err)
		}
		if chunk.Done {
			break
		}
		if flushed := parser.Feed(chunk.Text); flushed != "" {
			plain.WriteString(flushed)
			l.emit(schemas.Event{Kind: schemas.EventToken, Token: flushed})
		}
	}
	if rest := parser.Flush(); rest != "" {
		plain.WriteString(rest)
		l.emit(schemas.Event{Kind: schemas.EventToken, Token: rest})
	}

	call, _ := parser.Call()
	return plain.String(), call, nil
}

// executeCall gates, checkpoints, and runs one complete tool call, then
// folds the result into the state.
func (l *Loop) executeCall(ctx context.Context, state *schemas.AgentState, call *toolstream.ParsedToolCall) (*schemas.AgentState, error) {
	params := call.CompleteParams()
	if err := l.deps.Registry.Validate(call.ToolName, params); err != nil {
		// Rejected parameters go back to the model as an observation.
		l.emit(schemas.Event{
			Kind:     schemas.EventToolError,
			ToolName: call.ToolName,
			ToolID:   call.ToolID,
			Message:  err.Error(),
		})
		l.history = append(l.history, schemas.ChatMessage{
			Role:    "user",
			Content: fmt.Sprintf("Tool call rejected: %v", err),
		})
		return state, nil
	}

	decision, err := schemas.NewDecisionEnvelope(call.ToolID, schemas.DecisionToolCall, call.ToolName, params)
	if err != nil {
		return state, err
	}

	next, out := l.deps.Mutator.RecordDecision(state, decision)
	if !out.Accepted {
		return state, fmt.Errorf("failed to record decision: %s", out.Reason)
	}
	state = next

	return l.runGatedDecision(ctx, state, decision)
}

// runGatedDecision gates, checkpoints, and executes a recorded tool call
// decision. It also serves resumed sessions whose parked decision was
// resolved while they were blocked.
func (l *Loop) runGatedDecision(ctx context.Context, state *schemas.AgentState, decision *schemas.DecisionEnvelope) (*schemas.AgentState, error) {
	gate := l.deps.Approvals.Gate(l.userID, l.sessionID, decision)
	if !gate.Allowed {
		if gate.Record != nil && gate.Record.ApprovalStatus == schemas.ApprovalRejected {
			return l.dropRejectedDecision(state, decision, gate.Record.ApprovalReason)
		}
		blocked, out := l.deps.Mutator.SetStatus(state, schemas.StatusBlocked)
		if out.Accepted {
			state = blocked
		}
		l.emit(schemas.Event{
			Kind:     schemas.EventToolError,
			ToolName: decision.Action,
			ToolID:   decision.DecisionID,
			Message:  fmt.Sprintf("tool call %s awaits approval", decision.DecisionID),
			Payload:  gate.Record,
		})
		return state, nil
	}

	interrupted, err := l.interruptRequested(ctx)
	if err != nil {
		return state, err
	}
	if interrupted {
		// Drop the pending decision; the tool never ran.
		reverted, out := l.deps.Mutator.SetStatus(state, schemas.StatusPaused)
		if out.Accepted {
			reverted.LastDecision = nil
			state = reverted
		}
		if cerr := l.deps.Sessions.ClearInterrupt(ctx, l.sessionID); cerr != nil {
			l.logger.Warn("Failed to clear interrupt flag.", zap.Error(cerr))
		}
		return state, nil
	}

	l.checkpointBeforeTool(ctx, state, decision.Action)

	l.syncSession(ctx, state, schemas.PhaseRunningTool)
	l.emit(schemas.Event{Kind: schemas.EventToolRunning, ToolName: decision.Action, ToolID: decision.DecisionID})

	execResult, err := l.deps.Registry.Execute(ctx, schemas.ToolInvocation{
		ToolName:  decision.Action,
		Params:    decision.Params,
		UserID:    l.userID,
		SessionID: l.sessionID,
	})
	if err != nil {
		return state, fmt.Errorf("tool %s could not run: %w", decision.Action, err)
	}

	result := schemas.ToolResult{
		DecisionID: decision.DecisionID,
		ExitCode:   execResult.ExitCode,
		Stdout:     execResult.Stdout,
		Stderr:     execResult.Stderr,
		Artifacts:  execResult.Artifacts,
	}

	next, out := l.deps.Mutator.ApplyToolResult(state, result)
	if !out.Accepted {
		return state, fmt.Errorf("tool result rejected: %s", out.Reason)
	}
	state = next

	kind := schemas.EventToolResult
	if result.ExitCode != 0 {
		kind = schemas.EventToolError
	}
	l.emit(schemas.Event{
		Kind:     kind,
		ToolName: decision.Action,
		ToolID:   decision.DecisionID,
		ExitCode: result.ExitCode,
		Message:  firstNonEmpty(result.Stderr, result.Stdout),
	})

	l.history = append(l.history, schemas.ChatMessage{Role: "user", Content: observationMessage(decision.Action, result)})
	l.deps.Info.AddFact("tool", fmt.Sprintf("%s exited %d", decision.Action, result.ExitCode), timeNow())

	if result.ExitCode != 0 {
		// A non-zero exit is recoverable: the failure is in the history as an
		// observation, and the model chooses the next action.
		recovered, out := l.deps.Mutator.SetStatus(state, schemas.StatusRunning)
		if !out.Accepted {
			return state, fmt.Errorf("cannot recover from failed tool: %s", out.Reason)
		}
		state = recovered
	}
	return state, nil
}

// dropRejectedDecision clears a refused tool call and hands the refusal back
// to the model as an observation.
func (l *Loop) dropRejectedDecision(state *schemas.AgentState, decision *schemas.DecisionEnvelope, reason string) (*schemas.AgentState, error) {
	next, out := l.deps.Mutator.SetStatus(state, schemas.StatusRunning)
	if !out.Accepted {
		return state, fmt.Errorf("cannot clear rejected decision: %s", out.Reason)
	}
	next.LastDecision = nil
	state = next

	l.emit(schemas.Event{
		Kind:     schemas.EventToolError,
		ToolName: decision.Action,
		ToolID:   decision.DecisionID,
		Message:  fmt.Sprintf("tool call rejected by user: %s", firstNonEmpty(reason, "no reason given")),
	})
	l.history = append(l.history, schemas.ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("The %s call was rejected by the user (%s). Choose a different action.", decision.Action, firstNonEmpty(reason, "no reason given")),
	})
	return state, nil
}

// completeCurrentTask advances the pipeline on a TASK_COMPLETE marker.
func (l *Loop) completeCurrentTask(state *schemas.AgentState) (*schemas.AgentState, error) {
	task := state.TaskState.CurrentTask()
	if task == nil {
		return state, fmt.Errorf("TASK_COMPLETE with no current task")
	}

	next, out := l.deps.Mutator.MarkTaskComplete(state, task.ID)
	if !out.Accepted {
		return state, fmt.Errorf("failed to complete task %s: %s", task.ID, out.Reason)
	}
	state = next

	l.emit(schemas.Event{Kind: schemas.EventTaskUpdate, Payload: state.TaskState})
	if state.Status != schemas.StatusCompleted {
		l.history = append(l.history, schemas.ChatMessage{
			Role:    "user",
			Content: fmt.Sprintf("Task %q is done. Continue with the next task.", task.Name),
		})
	}
	return state, nil
}

// SessionUpdate is the payload of a session_update event: a display title
// for the finished session and follow-up suggestions derived from the plan.
type SessionUpdate struct {
	Title       string   `json:"title"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// emitSessionUpdate publishes the post-completion title and suggestions.
func (l *Loop) emitSessionUpdate(state *schemas.AgentState) {
	title := state.TaskState.PipelineName
	if title == "" && len(state.TaskState.Tasks) > 0 {
		title = state.TaskState.Tasks[0].Name
	}

	var suggestions []string
	for _, task := range state.TaskState.Tasks {
		if task.Status == schemas.TaskFailed {
			suggestions = append(suggestions, fmt.Sprintf("Retry the failed task %q", task.Name))
		}
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, "Review the changed files", "Start a follow-up task")
	}

	l.emit(schemas.Event{
		Kind:    schemas.EventSessionUpdate,
		Payload: SessionUpdate{Title: title, Suggestions: suggestions},
	})
}

// yield parks the session in a resumable status and clears any pending
// interrupt so the next invocation starts clean.
func (l *Loop) yield(ctx context.Context, state *schemas.AgentState, status schemas.AgentStatus, reason string) (*schemas.AgentState, error) {
	next, out := l.deps.Mutator.SetStatus(state, status)
	if out.Accepted {
		state = next
	}
	if err := l.deps.Sessions.ClearInterrupt(ctx, l.sessionID); err != nil {
		l.logger.Warn("Failed to clear interrupt flag.", zap.Error(err))
	}
	l.syncSession(ctx, state, schemas.PhaseAwaitingUser)
	l.logger.Info("Loop yielded.", zap.String("status", string(status)), zap.String("reason", reason))
	return state, nil
}

func (l *Loop) checkpointBeforeTool(ctx context.Context, state *schemas.AgentState, toolName string) {
	if l.deps.Checkpoints == nil || l.deps.Files == nil {
		return
	}
	if len(state.WorldState.TrackedPaths) == 0 {
		return
	}

	paths := make([]string, 0, len(state.WorldState.TrackedPaths))
	for path := range state.WorldState.TrackedPaths {
		paths = append(paths, path)
	}

	cp, err := l.deps.Checkpoints.Create(ctx, checkpoint.CreateRequest{
		SessionID:   l.sessionID,
		UserID:      l.userID,
		Type:        schemas.CheckpointAuto,
		Description: fmt.Sprintf("before %s", toolName),
		Paths:       paths,
	}, l.deps.Files)
	if err != nil {
		l.logger.Warn("Checkpoint before tool failed.", zap.Error(err))
		return
	}
	l.lastCheckpointID = cp.CheckpointID
}

func (l *Loop) interruptRequested(ctx context.Context) (bool, error) {
	raised, err := l.deps.Sessions.InterruptRequested(ctx, l.sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to poll interrupt flag: %w", err)
	}
	return raised, nil
}

// syncSession publishes the coarse snapshot other processes observe.
func (l *Loop) syncSession(ctx context.Context, state *schemas.AgentState, phase schemas.StreamPhase) {
	snap := &schemas.SessionState{
		SessionID:        l.sessionID,
		UserID:           l.userID,
		Status:           state.Status,
		CurrentLoopID:    l.loopID,
		StreamState:      schemas.StreamState{Phase: phase},
		TaskState:        state.TaskState,
		LastDecision:     state.LastDecision,
		LastCheckpointID: l.lastCheckpointID,
	}
	if err := l.deps.Sessions.Save(ctx, snap); err != nil {
		l.logger.Warn("Failed to publish session snapshot.", zap.Error(err))
	}
}

func (l *Loop) emit(ev schemas.Event) {
	ev.SessionID = l.sessionID
	ev.LoopID = l.loopID
	ev.Timestamp = timeNow().UTC()
	l.sink.Emit(ev)
}

// continuationPrompt nudges the model toward the current task on each
// iteration.
func (l *Loop) continuationPrompt(state *schemas.AgentState) string {
	if task := state.TaskState.CurrentTask(); task != nil {
		return fmt.Sprintf("Continue working on the current task: %s", task.Name)
	}
	return "Continue."
}

func (l *Loop) transcript(plain string, call *toolstream.ParsedToolCall) string {
	if call == nil {
		return plain
	}
	return fmt.Sprintf("%s[called %s]", plain, call.ToolName)
}

func observationMessage(toolName string, result schemas.ToolResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool %s finished with exit code %d.", toolName, result.ExitCode)
	if result.Stdout != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", result.Stderr)
	}
	return b.String()
}

// containsMarker reports whether the marker appears as its own line.
func containsMarker(text, marker string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == marker {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
