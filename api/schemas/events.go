// api/schemas/events.go
package schemas

import "time"

// EventKind names the outbound stream events a caller can receive while a
// loop run is in flight. Every run ends with exactly one EventDone or
// EventError.
type EventKind string

const (
	EventToken         EventKind = "token"          // A model text delta.
	EventToolRunning   EventKind = "tool_running"   // A tool call was approved and started.
	EventToolResult    EventKind = "tool_result"    // A tool finished with exit code zero.
	EventToolError     EventKind = "tool_error"     // A tool failed or was rejected.
	EventTaskUpdate    EventKind = "task_update"    // The task pipeline changed.
	EventSessionUpdate EventKind = "session_update" // Title/suggestions for the session changed.
	EventError         EventKind = "error"          // Terminal: the run failed.
	EventDone          EventKind = "done"           // Terminal: the run finished.
)

// Event is one element of the outbound stream to the caller.
type Event struct {
	Kind      EventKind   `json:"kind"`
	SessionID string      `json:"session_id"`
	LoopID    string      `json:"loop_id,omitempty"`
	Token     string      `json:"token,omitempty"`
	ToolName  string      `json:"tool_name,omitempty"`
	ToolID    string      `json:"tool_id,omitempty"`
	ExitCode  int         `json:"exit_code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventSink consumes the outbound stream. Implementations must be safe for
// use from the loop's goroutine and must not block indefinitely.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ev Event)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(ev Event) { f(ev) }
