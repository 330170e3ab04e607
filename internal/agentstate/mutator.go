// internal/agentstate/mutator.go
package agentstate

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/observability"
)

// Allows for mocking in tests.
var timeNow = time.Now

// Outcome reports the result of applying an event to an agent state. A
// rejected application carries the reason and leaves the input untouched;
// the caller decides whether a rejection is fatal.
type Outcome struct {
	Accepted  bool
	Reason    string
	NewStatus schemas.AgentStatus
}

// Mutator is the only component allowed to derive a new AgentState from an
// old one. It holds no state of its own; every method takes the current
// state and returns a fresh copy on acceptance, or the input unchanged on
// rejection.
type Mutator struct {
	logger *zap.Logger
}

func NewMutator() *Mutator {
	return &Mutator{logger: observability.GetLogger().Named("agentstate")}
}

// ApplyToolResult folds a tool execution result into the state. The
// preconditions are checked in a fixed order so rejections are
// deterministic: status first, then the presence of a pending decision,
// then the decision id match.
func (m *Mutator) ApplyToolResult(state *schemas.AgentState, result schemas.ToolResult) (*schemas.AgentState, Outcome) {
	if state.Status != schemas.StatusWaitingTool {
		return state, Outcome{
			Reason:    fmt.Sprintf("cannot apply tool result in status %s", state.Status),
			NewStatus: state.Status,
		}
	}
	if state.LastDecision == nil {
		return state, Outcome{
			Reason:    "no pending decision to resolve",
			NewStatus: state.Status,
		}
	}
	if state.LastDecision.DecisionID != result.DecisionID {
		return state, Outcome{
			Reason: fmt.Sprintf("decision id mismatch: pending %s, result %s",
				state.LastDecision.DecisionID, result.DecisionID),
			NewStatus: state.Status,
		}
	}

	next := cloneState(state)
	now := timeNow().UTC()

	if result.ExitCode != 0 {
		next.Status = schemas.StatusError
		next.LastError = fmt.Sprintf("tool %s failed with exit code %d: %s",
			state.LastDecision.Action, result.ExitCode, truncate(result.Stderr, 512))
		next.LastDecision = nil
		next.Version++
		next.UpdatedAt = now
		m.logger.Warn("Tool result carried a non-zero exit code.",
			zap.String("session_id", state.SessionID),
			zap.String("decision_id", result.DecisionID),
			zap.Int("exit_code", result.ExitCode))
		return next, Outcome{Accepted: true, NewStatus: next.Status}
	}

	for _, path := range result.Artifacts {
		next.WorldState.Track(path, schemas.SourceAgent, now)
	}
	next.LastDecision = nil
	next.LastError = ""
	next.Status = schemas.StatusRunning
	next.Version++
	next.UpdatedAt = now

	return next, Outcome{Accepted: true, NewStatus: next.Status}
}

// RecordDecision notes a decision the model just made and moves the state
// into the status the decision implies. TOOL_CALL parks the session in
// WAITING_TOOL until ApplyToolResult resolves it.
func (m *Mutator) RecordDecision(state *schemas.AgentState, d *schemas.DecisionEnvelope) (*schemas.AgentState, Outcome) {
	if state.Status.Terminal() {
		return state, Outcome{
			Reason:    fmt.Sprintf("cannot record a decision in terminal status %s", state.Status),
			NewStatus: state.Status,
		}
	}
	if state.LastDecision != nil {
		return state, Outcome{
			Reason:    fmt.Sprintf("decision %s is still pending", state.LastDecision.DecisionID),
			NewStatus: state.Status,
		}
	}

	next := cloneState(state)
	next.LastDecision = d
	next.Version++
	next.UpdatedAt = timeNow().UTC()

	switch d.Type {
	case schemas.DecisionToolCall:
		next.Status = schemas.StatusWaitingTool
	case schemas.DecisionPause:
		next.Status = schemas.StatusPaused
	case schemas.DecisionError:
		next.Status = schemas.StatusError
		next.LastError = d.Action
	case schemas.DecisionTaskComplete:
		// Resolved immediately; nothing remains pending.
		next.LastDecision = nil
		next.Status = schemas.StatusRunning
	}

	return next, Outcome{Accepted: true, NewStatus: next.Status}
}

// MarkTaskComplete transitions the named task to COMPLETED and advances the
// plan cursor. Completing the final task completes the session.
func (m *Mutator) MarkTaskComplete(state *schemas.AgentState, taskID string) (*schemas.AgentState, Outcome) {
	if state.Status != schemas.StatusRunning && state.Status != schemas.StatusWaitingTool {
		return state, Outcome{
			Reason:    fmt.Sprintf("cannot complete a task in status %s", state.Status),
			NewStatus: state.Status,
		}
	}

	next := cloneState(state)
	idx := -1
	for i := range next.TaskState.Tasks {
		if next.TaskState.Tasks[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return state, Outcome{
			Reason:    fmt.Sprintf("unknown task id %s", taskID),
			NewStatus: state.Status,
		}
	}
	if next.TaskState.Tasks[idx].Status.Done() {
		return state, Outcome{
			Reason:    fmt.Sprintf("task %s is already %s", taskID, next.TaskState.Tasks[idx].Status),
			NewStatus: state.Status,
		}
	}

	now := timeNow().UTC()
	next.TaskState.Tasks[idx].Status = schemas.TaskCompleted
	for i := range next.TaskState.Tasks[idx].Substeps {
		if !next.TaskState.Tasks[idx].Substeps[i].Status.Done() {
			next.TaskState.Tasks[idx].Substeps[i].Status = schemas.TaskCompleted
		}
	}

	if pending := next.TaskState.NextPending(); pending != nil {
		next.TaskState.CurrentTaskID = pending.ID
		next.Status = schemas.StatusRunning
	} else {
		next.TaskState.CurrentTaskID = ""
		next.Status = schemas.StatusCompleted
	}
	next.Version++
	next.UpdatedAt = now

	m.logger.Info("Task completed.",
		zap.String("session_id", state.SessionID),
		zap.String("task_id", taskID),
		zap.String("new_status", string(next.Status)))
	return next, Outcome{Accepted: true, NewStatus: next.Status}
}

// SetStatus forces a status transition that does not depend on a decision,
// such as freezing a session or resuming a paused one. COMPLETED cannot be
// left this way; FROZEN and ERROR can, since both are recoverable by an
// external actor.
func (m *Mutator) SetStatus(state *schemas.AgentState, status schemas.AgentStatus) (*schemas.AgentState, Outcome) {
	if state.Status == schemas.StatusCompleted {
		return state, Outcome{
			Reason:    "cannot leave status COMPLETED",
			NewStatus: state.Status,
		}
	}

	next := cloneState(state)
	next.Status = status
	next.Version++
	next.UpdatedAt = timeNow().UTC()
	return next, Outcome{Accepted: true, NewStatus: status}
}

// AdoptPlan installs a freshly compiled task plan on a session that is
// still planning.
func (m *Mutator) AdoptPlan(state *schemas.AgentState, plan schemas.TaskState) (*schemas.AgentState, Outcome) {
	if state.Status != schemas.StatusIdle && state.Status != schemas.StatusPlanning {
		return state, Outcome{
			Reason:    fmt.Sprintf("cannot adopt a plan in status %s", state.Status),
			NewStatus: state.Status,
		}
	}
	if len(plan.Tasks) == 0 {
		return state, Outcome{
			Reason:    "plan has no tasks",
			NewStatus: state.Status,
		}
	}

	next := cloneState(state)
	next.TaskState = plan
	next.Status = schemas.StatusRunning
	next.Version++
	next.UpdatedAt = timeNow().UTC()
	return next, Outcome{Accepted: true, NewStatus: next.Status}
}

// cloneState deep-copies the mutable parts of an agent state so rejected or
// concurrent readers never observe partial writes.
func cloneState(s *schemas.AgentState) *schemas.AgentState {
	next := *s

	next.WorldState.FileSystem = make(map[string]schemas.FileEntry, len(s.WorldState.FileSystem))
	for k, v := range s.WorldState.FileSystem {
		next.WorldState.FileSystem[k] = v
	}
	next.WorldState.TrackedPaths = make(map[string]struct{}, len(s.WorldState.TrackedPaths))
	for k := range s.WorldState.TrackedPaths {
		next.WorldState.TrackedPaths[k] = struct{}{}
	}
	next.WorldState.Services = make(map[string]string, len(s.WorldState.Services))
	for k, v := range s.WorldState.Services {
		next.WorldState.Services[k] = v
	}

	next.TaskState.Tasks = make([]schemas.Task, len(s.TaskState.Tasks))
	copy(next.TaskState.Tasks, s.TaskState.Tasks)
	for i := range next.TaskState.Tasks {
		next.TaskState.Tasks[i].Substeps = append([]schemas.Substep(nil), s.TaskState.Tasks[i].Substeps...)
	}

	if s.LastDecision != nil {
		d := *s.LastDecision
		if s.LastDecision.Params != nil {
			d.Params = make(map[string]string, len(s.LastDecision.Params))
			for k, v := range s.LastDecision.Params {
				d.Params[k] = v
			}
		}
		next.LastDecision = &d
	}
	return &next
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
