// api/schemas/approval.go
package schemas

import "time"

// ApprovalStatus is the per-request approval state machine. PENDING is the
// only non-terminal state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// ToolApproval is one gated tool proposal awaiting human confirmation.
// It is created when a gated tool is proposed, becomes terminal once
// approved or rejected, and is garbage-collected after a retention window.
type ToolApproval struct {
	DecisionID     string            `json:"decision_id"`
	SessionID      string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	ToolName       string            `json:"tool_name"`
	ToolParams     map[string]string `json:"tool_params,omitempty"`
	ApprovalStatus ApprovalStatus    `json:"approval_status"`
	ApprovalReason string            `json:"approval_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}
