// api/schemas/decision.go
package schemas

import "fmt"

// DecisionType classifies a single proposal from the model.
type DecisionType string

const (
	DecisionToolCall     DecisionType = "TOOL_CALL"     // Execute a named tool with parameters.
	DecisionTaskComplete DecisionType = "TASK_COMPLETE" // Advance the task pipeline.
	DecisionPause        DecisionType = "PAUSE"         // Yield back to the user.
	DecisionError        DecisionType = "ERROR"         // The model reported an unrecoverable condition.
)

// DecisionScope bounds what a decision is allowed to touch.
type DecisionScope struct {
	AllowedPaths []string `json:"allowed_paths,omitempty"`
	AllowedTasks []string `json:"allowed_tasks,omitempty"`
}

// DecisionEnvelope is one in-flight proposal from the model. It is created
// when the parser detects a complete tool call or terminal signal and
// cleared when the matching ToolResult is applied.
type DecisionEnvelope struct {
	DecisionID  string            `json:"decision_id"`
	Type        DecisionType      `json:"type"`
	Action      string            `json:"action,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Scope       DecisionScope     `json:"scope,omitempty"`
	Expectation string            `json:"expectation,omitempty"`
	TimeoutMs   int               `json:"timeout_ms,omitempty"`
}

// NewDecisionEnvelope validates the required fields once at construction.
func NewDecisionEnvelope(decisionID string, typ DecisionType, action string, params map[string]string) (*DecisionEnvelope, error) {
	if decisionID == "" {
		return nil, fmt.Errorf("decision id is required")
	}
	switch typ {
	case DecisionToolCall, DecisionTaskComplete, DecisionPause, DecisionError:
	default:
		return nil, fmt.Errorf("unknown decision type %q", typ)
	}
	if typ == DecisionToolCall && action == "" {
		return nil, fmt.Errorf("tool call decisions require an action")
	}
	return &DecisionEnvelope{
		DecisionID: decisionID,
		Type:       typ,
		Action:     action,
		Params:     params,
	}, nil
}

// ToolResult reports the outcome of executing a decision's tool call. It is
// ephemeral: it exists only long enough for the state mutator to apply it.
type ToolResult struct {
	DecisionID string   `json:"decision_id"`
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout,omitempty"`
	Stderr     string   `json:"stderr,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`
}
