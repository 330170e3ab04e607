// api/schemas/session.go
package schemas

import "time"

// StreamPhase names what a session is doing right now. It drives live UI
// updates and nothing else; the durable phase lives in SessionState.Status.
type StreamPhase string

const (
	PhaseIdle         StreamPhase = "IDLE"
	PhaseStreamingLLM StreamPhase = "STREAMING_LLM"
	PhaseRunningTool  StreamPhase = "RUNNING_TOOL"
	PhaseAwaitingUser StreamPhase = "AWAITING_USER"
)

// StreamState is the transient "what is happening right now" view. It is
// replaced wholesale on every phase transition, never patched field by field.
type StreamState struct {
	Phase              StreamPhase `json:"phase"`
	DisplayText        string      `json:"display_text,omitempty"`
	ReasoningText      string      `json:"reasoning_text,omitempty"`
	ToolName           string      `json:"tool_name,omitempty"`
	ToolParams         string      `json:"tool_params,omitempty"`
	ToolID             string      `json:"tool_id,omitempty"`
	InterruptRequested bool        `json:"interrupt_requested,omitempty"`
}

// SessionState is the externally persisted envelope for one conversation.
// It is stored in a shared low-latency key/value store keyed by session id,
// TTL-refreshed on every update, and treated as a coarse-grained snapshot:
// last write wins, no field-level patching.
type SessionState struct {
	SessionID        string            `json:"session_id"`
	UserID           string            `json:"user_id"`
	Status           AgentStatus       `json:"status"`
	CurrentLoopID    string            `json:"current_loop_id,omitempty"`
	StreamState      StreamState       `json:"stream_state"`
	TaskState        TaskState         `json:"task_state"`
	LastDecision     *DecisionEnvelope `json:"last_decision,omitempty"`
	LastCheckpointID string            `json:"last_checkpoint_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}
