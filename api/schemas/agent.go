// api/schemas/agent.go
package schemas

import (
	"fmt"
	"time"
)

// AgentStatus represents the agent's current phase within its
// request/plan/act/observe cycle. It is the primary state-machine value the
// loop transitions over.
type AgentStatus string

const (
	StatusIdle        AgentStatus = "IDLE"         // No loop run is in flight for the session.
	StatusPlanning    AgentStatus = "PLANNING"     // The agent is compiling a task pipeline from model output.
	StatusRunning     AgentStatus = "RUNNING"      // The loop is active and streaming model output.
	StatusWaitingTool AgentStatus = "WAITING_TOOL" // A decision has been proposed and a tool result is pending.
	StatusPaused      AgentStatus = "PAUSED"       // The loop yielded on a PAUSE decision.
	StatusCompleted   AgentStatus = "COMPLETED"    // Terminal: all tasks done.
	StatusFrozen      AgentStatus = "FROZEN"       // Terminal until externally unfrozen.
	StatusError       AgentStatus = "ERROR"        // Recoverable by re-invocation.
	StatusBlocked     AgentStatus = "BLOCKED"      // Waiting on an approval or external unblock.
)

// Terminal reports whether the status ends a loop run. ERROR is terminal for
// the run but recoverable by a new invocation.
func (s AgentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFrozen || s == StatusError
}

// FileSource records who last wrote a tracked file.
type FileSource string

const (
	SourceUser  FileSource = "USER"
	SourceAgent FileSource = "AGENT"
)

// FileEntry is the per-path record inside WorldState.FileSystem.
type FileEntry struct {
	Source       FileSource `json:"source"`
	LastModified time.Time  `json:"last_modified"`
}

// WorldState is the agent's view of the sandbox it operates in. Every path
// in TrackedPaths must have a corresponding FileSystem entry; use Track to
// preserve that invariant.
type WorldState struct {
	ProjectRoot  string               `json:"project_root"`
	FileSystem   map[string]FileEntry `json:"file_system"`
	TrackedPaths map[string]struct{}  `json:"tracked_paths"`
	Services     map[string]string    `json:"services,omitempty"`
}

// NewWorldState returns an empty world rooted at projectRoot.
func NewWorldState(projectRoot string) WorldState {
	return WorldState{
		ProjectRoot:  projectRoot,
		FileSystem:   make(map[string]FileEntry),
		TrackedPaths: make(map[string]struct{}),
		Services:     make(map[string]string),
	}
}

// Track records that the agent (or user) touched path at the given time,
// keeping TrackedPaths and FileSystem in lockstep.
func (w *WorldState) Track(path string, source FileSource, at time.Time) {
	if w.FileSystem == nil {
		w.FileSystem = make(map[string]FileEntry)
	}
	if w.TrackedPaths == nil {
		w.TrackedPaths = make(map[string]struct{})
	}
	w.FileSystem[path] = FileEntry{Source: source, LastModified: at}
	w.TrackedPaths[path] = struct{}{}
}

// AgentMeta identifies which agent build owns a session.
type AgentMeta struct {
	AgentID string `json:"agent_id"`
	Version string `json:"version"`
	Mode    string `json:"mode,omitempty"`
}

// AgentState is the full per-session runtime state. It is owned exclusively
// by the agent loop and mutated only through the agentstate package.
type AgentState struct {
	SessionID    string            `json:"session_id"`
	Meta         AgentMeta         `json:"meta"`
	WorldState   WorldState        `json:"world_state"`
	TaskState    TaskState         `json:"task_state"`
	Status       AgentStatus       `json:"status"`
	LastDecision *DecisionEnvelope `json:"last_decision,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Version      int64             `json:"version"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewAgentState constructs the initial state for a session. It validates the
// required fields once at construction so later code can assume they hold.
func NewAgentState(sessionID, projectRoot string, meta AgentMeta) (*AgentState, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if meta.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	return &AgentState{
		SessionID:  sessionID,
		Meta:       meta,
		WorldState: NewWorldState(projectRoot),
		Status:     StatusIdle,
		Version:    1,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}
