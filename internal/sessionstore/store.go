// internal/sessionstore/store.go
package sessionstore

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
	"github.com/quarrylabs/agentcore/internal/observability"
)

// Key layout in the shared KV. The interrupt flag lives under its own key so
// a controller can raise it without racing the loop's state writes.
const (
	stateKeyPrefix     = "session:state:"
	interruptKeyPrefix = "session:interrupt:"
)

func stateKey(sessionID string) string     { return stateKeyPrefix + sessionID }
func interruptKey(sessionID string) string { return interruptKeyPrefix + sessionID }

// Store persists SessionState snapshots in a TTL'd key/value store. Every
// save rewrites the whole snapshot and refreshes the TTL, so an abandoned
// session simply ages out.
type Store struct {
	kv           KV
	stateTTL     time.Duration
	interruptTTL time.Duration
	logger       *zap.Logger
}

func NewStore(kv KV, cfg config.SessionConfig) *Store {
	return &Store{
		kv:           kv,
		stateTTL:     cfg.StateTTL,
		interruptTTL: cfg.InterruptTTL,
		logger:       observability.GetLogger().Named("sessionstore"),
	}
}

// Save writes the snapshot under the session's state key and refreshes its
// TTL. Last write wins; callers serialize their own writes per session.
func (s *Store) Save(ctx context.Context, state *schemas.SessionState) error {
	if state.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	state.UpdatedAt = timeNow().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	if err := s.kv.Set(ctx, stateKey(state.SessionID), data, s.stateTTL); err != nil {
		return fmt.Errorf("failed to store session state: %w", err)
	}
	return nil
}

// Load returns the current snapshot for a session, or (nil, nil) when the
// session is unknown or expired.
func (s *Store) Load(ctx context.Context, sessionID string) (*schemas.SessionState, error) {
	data, ok, err := s.kv.Get(ctx, stateKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var state schemas.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return &state, nil
}

// Touch refreshes the state TTL without rewriting the snapshot. Used by
// long-running tool executions so the session does not age out mid-run.
func (s *Store) Touch(ctx context.Context, sessionID string) (bool, error) {
	return s.kv.Expire(ctx, stateKey(sessionID), s.stateTTL)
}

// Delete removes the session snapshot and any pending interrupt flag.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.kv.Delete(ctx, stateKey(sessionID)); err != nil {
		return err
	}
	return s.kv.Delete(ctx, interruptKey(sessionID))
}

// RequestInterrupt raises the cooperative stop flag for a session. The flag
// carries its own short TTL: if no loop run picks it up in time, it expires
// harmlessly instead of cancelling a future run.
func (s *Store) RequestInterrupt(ctx context.Context, sessionID string) error {
	if err := s.kv.Set(ctx, interruptKey(sessionID), []byte("1"), s.interruptTTL); err != nil {
		return fmt.Errorf("failed to set interrupt flag: %w", err)
	}
	s.logger.Info("Interrupt requested.", zap.String("session_id", sessionID))
	return nil
}

// InterruptRequested reports whether the stop flag is raised.
func (s *Store) InterruptRequested(ctx context.Context, sessionID string) (bool, error) {
	_, ok, err := s.kv.Get(ctx, interruptKey(sessionID))
	if err != nil {
		return false, fmt.Errorf("failed to read interrupt flag: %w", err)
	}
	return ok, nil
}

// ClearInterrupt lowers the stop flag, typically after the loop has honored
// it.
func (s *Store) ClearInterrupt(ctx context.Context, sessionID string) error {
	return s.kv.Delete(ctx, interruptKey(sessionID))
}
