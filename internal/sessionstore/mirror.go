// internal/sessionstore/mirror.go
package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
)

// DBPool abstracts pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Mirror is the optional durable copy of session snapshots and approval
// audit records. A live session never reads through it; it exists so a
// session that ages out of the KV can be inspected or resumed later.
type Mirror struct {
	pool DBPool
	log  *zap.Logger
}

// NewMirror creates a mirror instance and verifies the connection.
func NewMirror(ctx context.Context, pool DBPool, logger *zap.Logger) (*Mirror, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Mirror{
		pool: pool,
		log:  logger.Named("mirror"),
	}, nil
}

// SaveSnapshot upserts the current snapshot and appends a revision row, in
// one transaction so the history never skips a version.
func (m *Mirror) SaveSnapshot(ctx context.Context, state *schemas.SessionState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed; that is
		// the normal path, not an error.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			m.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	upsert := `
        INSERT INTO agent_sessions (session_id, user_id, status, current_loop_id, payload, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (session_id) DO UPDATE SET
            user_id = EXCLUDED.user_id,
            status = EXCLUDED.status,
            current_loop_id = EXCLUDED.current_loop_id,
            payload = EXCLUDED.payload,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := tx.Exec(ctx, upsert,
		state.SessionID, state.UserID, string(state.Status),
		state.CurrentLoopID, payload, state.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert session snapshot: %w", err)
	}

	revision := `
        INSERT INTO session_revisions (session_id, status, payload, recorded_at)
        VALUES ($1, $2, $3, $4);
    `
	if _, err := tx.Exec(ctx, revision,
		state.SessionID, string(state.Status), payload, state.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to append session revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSnapshot returns the durable snapshot for a session, or (nil, nil)
// when none exists.
func (m *Mirror) LoadSnapshot(ctx context.Context, sessionID string) (*schemas.SessionState, error) {
	query := `SELECT payload FROM agent_sessions WHERE session_id = $1;`
	rows, err := m.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, nil
	}

	var payload []byte
	if err := rows.Scan(&payload); err != nil {
		return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
	}

	var state schemas.SessionState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session snapshot: %w", err)
	}
	return &state, nil
}

// RecordApprovals bulk-inserts resolved approval records for audit.
func (m *Mirror) RecordApprovals(ctx context.Context, approvals []schemas.ToolApproval) error {
	if len(approvals) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(approvals))
	for i, a := range approvals {
		params, err := json.Marshal(a.ToolParams)
		if err != nil {
			return fmt.Errorf("failed to marshal tool params for %s: %w", a.DecisionID, err)
		}
		rows[i] = []interface{}{
			a.DecisionID, a.SessionID, a.UserID, a.ToolName,
			params, string(a.ApprovalStatus), a.ApprovalReason,
			a.CreatedAt.UTC(), a.ResolvedAt,
		}
	}

	copyCount, err := m.pool.CopyFrom(
		ctx,
		pgx.Identifier{"tool_approvals"},
		[]string{"decision_id", "session_id", "user_id", "tool_name", "tool_params", "approval_status", "approval_reason", "created_at", "resolved_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy approval records: %w", err)
	}
	if int(copyCount) != len(approvals) {
		return fmt.Errorf("mismatch in copied approval count: expected %d, got %d", len(approvals), copyCount)
	}
	return nil
}
