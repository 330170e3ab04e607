// api/schemas/tools.go
package schemas

import "context"

// RiskCategory buckets a tool for the approval policy.
type RiskCategory string

const (
	RiskDangerous RiskCategory = "dangerous" // Destructive filesystem/process operations.
	RiskReadOnly  RiskCategory = "read_only" // Cannot change the world.
	RiskFileEdit  RiskCategory = "file_edit" // Writes inside the sandbox.
	RiskPlugin    RiskCategory = "plugin"    // Externally provided capability.
)

// ParamSpec declares one named parameter of a tool. The stream parser uses
// the name to find <name>...</name> sub-tags; the registry compiles the
// specs into a JSON schema for validation.
type ParamSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	// Type is a JSON-schema primitive type name; empty means "string".
	Type string `json:"type,omitempty"`
}

// ToolSpec is the static declaration of a capability. The runtime never
// executes anything the model says directly; it only executes registered
// specs through their Executor.
type ToolSpec struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Params      []ParamSpec  `json:"params,omitempty"`
	Risk        RiskCategory `json:"risk"`
}

// ToolInvocation is a validated request to run a tool.
type ToolInvocation struct {
	ToolName  string            `json:"tool_name"`
	Params    map[string]string `json:"params,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

// ExecutionResult is the raw outcome of a tool run before it is wrapped
// into a ToolResult for the state mutator.
type ExecutionResult struct {
	ExitCode  int      `json:"exit_code"`
	Stdout    string   `json:"stdout,omitempty"`
	Stderr    string   `json:"stderr,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// ToolExecutor is the capability contract: the concrete implementations
// (read file, run command, write file) live outside the runtime.
type ToolExecutor interface {
	Execute(ctx context.Context, inv ToolInvocation) (*ExecutionResult, error)
}

// FileWriter is the external file-write capability the checkpoint store
// restores snapshots through.
type FileWriter interface {
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
}
