// internal/approval/manager.go
package approval

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
	"github.com/quarrylabs/agentcore/internal/observability"
)

// Allows for mocking in tests.
var timeNow = time.Now

// RiskLookup resolves a tool name to its declared risk category. The second
// return is false for tools the registry does not know.
type RiskLookup func(toolName string) (schemas.RiskCategory, bool)

// GateResult is the outcome of gating one tool call. An allowed call
// proceeds immediately. Otherwise Record carries the approval record the
// call is parked behind, which may already be REJECTED on a re-gate.
type GateResult struct {
	Allowed bool
	Reason  string
	Record  *schemas.ToolApproval
}

// Manager enforces the approval policy: auto-approved risk categories pass
// straight through, everything else produces a PENDING record that a human
// must resolve. Records are kept in memory and swept after a retention
// window.
type Manager struct {
	mu       sync.Mutex
	records  map[string]*schemas.ToolApproval
	defaults map[schemas.RiskCategory]bool
	// toggles overrides the defaults per user. A present entry wins over the
	// configured default in either direction.
	toggles map[string]map[schemas.RiskCategory]bool

	retention time.Duration
	lookup    RiskLookup
	logger    *zap.Logger
}

func NewManager(cfg config.ApprovalConfig, lookup RiskLookup) *Manager {
	defaults := make(map[schemas.RiskCategory]bool, len(cfg.AutoApprove))
	for _, cat := range cfg.AutoApprove {
		defaults[schemas.RiskCategory(cat)] = true
	}
	return &Manager{
		records:   make(map[string]*schemas.ToolApproval),
		defaults:  defaults,
		toggles:   make(map[string]map[schemas.RiskCategory]bool),
		retention: cfg.Retention,
		lookup:    lookup,
		logger:    observability.GetLogger().Named("approval"),
	}
}

// SetUserToggle records a per-user auto-approve preference for one risk
// category, overriding the configured default.
func (m *Manager) SetUserToggle(userID string, risk schemas.RiskCategory, autoApprove bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.toggles[userID] == nil {
		m.toggles[userID] = make(map[schemas.RiskCategory]bool)
	}
	m.toggles[userID][risk] = autoApprove
}

// autoApproved reports the effective policy for one user and category.
func (m *Manager) autoApproved(userID string, risk schemas.RiskCategory) bool {
	if user, ok := m.toggles[userID]; ok {
		if v, ok := user[risk]; ok {
			return v
		}
	}
	return m.defaults[risk]
}

// Gate decides whether a proposed tool call may run now. A tool the
// registry does not know is allowed through with a logged warning; the
// registry itself will refuse to execute it, and blocking here would only
// mask that error.
func (m *Manager) Gate(userID, sessionID string, d *schemas.DecisionEnvelope) GateResult {
	risk, known := m.lookup(d.Action)
	if !known {
		m.logger.Warn("Gating request for an unregistered tool; passing through.",
			zap.String("tool", d.Action),
			zap.String("session_id", sessionID))
		return GateResult{Allowed: true, Reason: "unregistered tool"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.autoApproved(userID, risk) {
		return GateResult{Allowed: true, Reason: fmt.Sprintf("auto-approved category %s", risk)}
	}

	if existing, ok := m.records[d.DecisionID]; ok {
		// Re-gating the same decision honors a resolution that landed in the
		// meantime; resolving twice must not re-ask.
		switch existing.ApprovalStatus {
		case schemas.ApprovalApproved:
			return GateResult{Allowed: true, Reason: "approved by user", Record: cloneRecord(existing)}
		case schemas.ApprovalRejected:
			return GateResult{Reason: "rejected by user", Record: cloneRecord(existing)}
		default:
			return GateResult{Record: cloneRecord(existing)}
		}
	}

	rec := &schemas.ToolApproval{
		DecisionID:     d.DecisionID,
		SessionID:      sessionID,
		UserID:         userID,
		ToolName:       d.Action,
		ToolParams:     d.Params,
		ApprovalStatus: schemas.ApprovalPending,
		CreatedAt:      timeNow().UTC(),
	}
	m.records[d.DecisionID] = rec

	m.logger.Info("Tool call requires approval.",
		zap.String("decision_id", d.DecisionID),
		zap.String("tool", d.Action),
		zap.String("risk", string(risk)))
	return GateResult{Record: cloneRecord(rec)}
}

// Resolve moves a pending record to APPROVED or REJECTED. Resolving an
// already-terminal record with the same status is a no-op; a conflicting
// resolution is an error.
func (m *Manager) Resolve(decisionID string, approve bool, reason string) (*schemas.ToolApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[decisionID]
	if !ok {
		return nil, fmt.Errorf("no approval record for decision %s", decisionID)
	}

	target := schemas.ApprovalRejected
	if approve {
		target = schemas.ApprovalApproved
	}

	if rec.ApprovalStatus.Terminal() {
		if rec.ApprovalStatus == target {
			return cloneRecord(rec), nil
		}
		return nil, fmt.Errorf("decision %s is already %s", decisionID, rec.ApprovalStatus)
	}

	now := timeNow().UTC()
	rec.ApprovalStatus = target
	rec.ApprovalReason = reason
	rec.ResolvedAt = &now

	m.logger.Info("Approval resolved.",
		zap.String("decision_id", decisionID),
		zap.String("status", string(target)))
	return cloneRecord(rec), nil
}

// BatchOutcome is the per-record result of a batch resolution.
type BatchOutcome struct {
	DecisionID string
	Record     *schemas.ToolApproval
	Err        error
}

// ResolveBatch resolves several records independently: one failure does not
// stop the rest. Outcomes are returned in input order.
func (m *Manager) ResolveBatch(decisionIDs []string, approve bool, reason string) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(decisionIDs))
	for _, id := range decisionIDs {
		rec, err := m.Resolve(id, approve, reason)
		outcomes = append(outcomes, BatchOutcome{DecisionID: id, Record: rec, Err: err})
	}
	return outcomes
}

// Get returns one approval record by decision id.
func (m *Manager) Get(decisionID string) (*schemas.ToolApproval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[decisionID]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// Pending lists the unresolved records for one user, oldest first.
func (m *Manager) Pending(userID string) []schemas.ToolApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []schemas.ToolApproval
	for _, rec := range m.records {
		if rec.UserID == userID && rec.ApprovalStatus == schemas.ApprovalPending {
			out = append(out, *cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep drops terminal records older than the retention window and returns
// how many were removed. Pending records are never swept.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := timeNow().UTC().Add(-m.retention)
	removed := 0
	for id, rec := range m.records {
		if rec.ApprovalStatus.Terminal() && rec.ResolvedAt != nil && rec.ResolvedAt.Before(cutoff) {
			delete(m.records, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("Swept resolved approval records.", zap.Int("removed", removed))
	}
	return removed
}

func cloneRecord(rec *schemas.ToolApproval) *schemas.ToolApproval {
	out := *rec
	if rec.ToolParams != nil {
		out.ToolParams = make(map[string]string, len(rec.ToolParams))
		for k, v := range rec.ToolParams {
			out.ToolParams[k] = v
		}
	}
	if rec.ResolvedAt != nil {
		t := *rec.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
