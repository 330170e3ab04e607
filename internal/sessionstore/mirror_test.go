// internal/sessionstore/mirror_test.go
package sessionstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	json "github.com/json-iterator/go"

	"github.com/quarrylabs/agentcore/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

const (
	sqlUpsertSession = `
        INSERT INTO agent_sessions (session_id, user_id, status, current_loop_id, payload, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (session_id) DO UPDATE SET
            user_id = EXCLUDED.user_id,
            status = EXCLUDED.status,
            current_loop_id = EXCLUDED.current_loop_id,
            payload = EXCLUDED.payload,
            updated_at = EXCLUDED.updated_at;
    `
	sqlInsertRevision = `
        INSERT INTO session_revisions (session_id, status, payload, recorded_at)
        VALUES ($1, $2, $3, $4);
    `
)

func testSnapshot() *schemas.SessionState {
	return &schemas.SessionState{
		SessionID:     "s-1",
		UserID:        "u-1",
		Status:        schemas.StatusRunning,
		CurrentLoopID: "loop-1",
		UpdatedAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewMirror(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewMirror(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSaveSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("should upsert and append a revision in one transaction", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mirror, err := NewMirror(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		state := testSnapshot()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
			WithArgs("s-1", "u-1", "RUNNING", "loop-1", pgxmock.AnyArg(), state.UpdatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRevision)).
			WithArgs("s-1", "RUNNING", pgxmock.AnyArg(), state.UpdatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, mirror.SaveSnapshot(ctx, state))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback when the upsert fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mirror, err := NewMirror(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		execErr := errors.New("constraint violation")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
			WithArgs("s-1", "u-1", "RUNNING", "loop-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(execErr)
		mockPool.ExpectRollback()

		err = mirror.SaveSnapshot(ctx, testSnapshot())
		require.Error(t, err)
		assert.ErrorIs(t, err, execErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mirror, err := NewMirror(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err = mirror.SaveSnapshot(ctx, testSnapshot())
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestLoadSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("should retrieve a snapshot successfully", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mirror, err := NewMirror(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		payload, err := json.Marshal(testSnapshot())
		require.NoError(t, err)

		rows := pgxmock.NewRows([]string{"payload"}).AddRow(payload)
		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT payload FROM agent_sessions WHERE session_id = $1;`)).
			WithArgs("s-1").
			WillReturnRows(rows)

		state, err := mirror.LoadSnapshot(ctx, "s-1")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, "u-1", state.UserID)
		assert.Equal(t, schemas.StatusRunning, state.Status)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return nil for an unknown session", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mirror, err := NewMirror(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT payload FROM agent_sessions WHERE session_id = $1;`)).
			WithArgs("s-missing").
			WillReturnRows(pgxmock.NewRows([]string{"payload"}))

		state, err := mirror.LoadSnapshot(ctx, "s-missing")
		require.NoError(t, err)
		assert.Nil(t, state)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecordApprovals(t *testing.T) {
	ctx := context.Background()

	approvalColumns := []string{"decision_id", "session_id", "user_id", "tool_name", "tool_params", "approval_status", "approval_reason", "created_at", "resolved_at"}

	t.Run("should copy approval rows", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mirror, err := NewMirror(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		resolved := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		approvals := []schemas.ToolApproval{
			{
				DecisionID:     "d-1",
				SessionID:      "s-1",
				UserID:         "u-1",
				ToolName:       "run_command",
				ToolParams:     map[string]string{"command": "ls"},
				ApprovalStatus: schemas.ApprovalApproved,
				CreatedAt:      resolved.Add(-time.Minute),
				ResolvedAt:     &resolved,
			},
			{
				DecisionID:     "d-2",
				SessionID:      "s-1",
				UserID:         "u-1",
				ToolName:       "write_file",
				ApprovalStatus: schemas.ApprovalRejected,
				CreatedAt:      resolved,
				ResolvedAt:     &resolved,
			},
		}

		mockPool.ExpectCopyFrom(pgx.Identifier{"tool_approvals"}, approvalColumns).
			WillReturnResult(2)

		require.NoError(t, mirror.RecordApprovals(ctx, approvals))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report a copy count mismatch", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mirror, err := NewMirror(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		mockPool.ExpectCopyFrom(pgx.Identifier{"tool_approvals"}, approvalColumns).
			WillReturnResult(0)

		err = mirror.RecordApprovals(ctx, []schemas.ToolApproval{{DecisionID: "d-1"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("no rows is a no-op", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mirror, err := NewMirror(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		require.NoError(t, mirror.RecordApprovals(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
