// internal/checkpoint/store.go
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
	"github.com/quarrylabs/agentcore/internal/observability"
)

// Allows for mocking in tests.
var (
	uuidNewString = uuid.NewString
	timeNow       = time.Now
)

// CreateRequest names everything needed to take a snapshot of the session's
// tracked files.
type CreateRequest struct {
	SessionID    string
	UserID       string
	Type         schemas.CheckpointType
	MessageOrder int
	Description  string
	// Paths is the set of files to snapshot, usually the session's tracked
	// paths at the decision boundary.
	Paths []string
}

// JumpResult reports a restore. A jump is best-effort per file: Restored and
// Failed partition the checkpoint's snapshot paths, and a partially failed
// jump still counts as a jump for the paths that succeeded.
type JumpResult struct {
	CheckpointID string
	Restored     []string
	Failed       map[string]error
	// UserModified lists paths whose on-disk content had diverged from the
	// snapshot before the restore; the divergent content was captured into
	// the checkpoint's UserModifications overlay.
	UserModified []string
}

// Store keeps per-session checkpoints in memory, ordered by creation. File
// access goes through the injected FileWriter so the store stays independent
// of the sandbox implementation.
type Store struct {
	mu        sync.Mutex
	byID      map[string]*schemas.ChatCheckpoint
	bySession map[string][]string
	keepCount int
	logger    *zap.Logger
}

func NewStore(cfg config.CheckpointConfig) *Store {
	return &Store{
		byID:      make(map[string]*schemas.ChatCheckpoint),
		bySession: make(map[string][]string),
		keepCount: cfg.KeepCount,
		logger:    observability.GetLogger().Named("checkpoint"),
	}
}

// Create snapshots the requested paths and stores a new checkpoint. A path
// that cannot be read is skipped with a warning rather than failing the
// whole snapshot; a checkpoint of the readable subset is still useful.
func (s *Store) Create(ctx context.Context, req CreateRequest, files schemas.FileWriter) (*schemas.ChatCheckpoint, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if req.Type == "" {
		req.Type = schemas.CheckpointAuto
	}

	snapshots := make(map[string]schemas.FileSnapshot, len(req.Paths))
	for _, path := range req.Paths {
		content, err := files.ReadFile(ctx, path)
		if err != nil {
			s.logger.Warn("Skipping unreadable path in checkpoint.",
				zap.String("path", path), zap.Error(err))
			continue
		}
		snapshots[path] = schemas.FileSnapshot{Content: content, Hash: contentHash(content)}
	}

	cp := &schemas.ChatCheckpoint{
		CheckpointID:  uuidNewString(),
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		Type:          req.Type,
		MessageOrder:  req.MessageOrder,
		FileSnapshots: snapshots,
		Description:   req.Description,
		CreatedAt:     timeNow().UTC(),
	}

	s.mu.Lock()
	s.byID[cp.CheckpointID] = cp
	s.bySession[cp.SessionID] = append(s.bySession[cp.SessionID], cp.CheckpointID)
	s.pruneLocked(cp.SessionID)
	s.mu.Unlock()

	s.logger.Info("Checkpoint created.",
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.String("session_id", cp.SessionID),
		zap.Int("file_count", len(snapshots)))
	return cloneCheckpoint(cp), nil
}

// Get returns one checkpoint by id.
func (s *Store) Get(checkpointID string) (*schemas.ChatCheckpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[checkpointID]
	if !ok {
		return nil, false
	}
	return cloneCheckpoint(cp), true
}

// List returns a session's checkpoints, oldest first.
func (s *Store) List(sessionID string) []schemas.ChatCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.bySession[sessionID]
	out := make([]schemas.ChatCheckpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneCheckpoint(s.byID[id]))
	}
	return out
}

// JumpTo restores a checkpoint's snapshots through the file writer. Before
// overwriting a file whose current content diverged from the snapshot, the
// divergent content is recorded in the checkpoint's UserModifications
// overlay so the jump is reversible. Restore failures are collected per
// path; the remaining paths are still restored.
func (s *Store) JumpTo(ctx context.Context, checkpointID string, files schemas.FileWriter) (*JumpResult, error) {
	s.mu.Lock()
	cp, ok := s.byID[checkpointID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown checkpoint %s", checkpointID)
	}

	result := &JumpResult{CheckpointID: checkpointID, Failed: make(map[string]error)}
	modifications := make(map[string]schemas.FileSnapshot)

	for path, snap := range cp.FileSnapshots {
		current, err := files.ReadFile(ctx, path)
		if err == nil && contentHash(current) != snap.Hash {
			modifications[path] = schemas.FileSnapshot{Content: current, Hash: contentHash(current)}
			result.UserModified = append(result.UserModified, path)
		}

		if err := files.WriteFile(ctx, path, snap.Content); err != nil {
			result.Failed[path] = err
			continue
		}
		result.Restored = append(result.Restored, path)
	}

	if len(modifications) > 0 {
		s.mu.Lock()
		if cp.UserModifications == nil {
			cp.UserModifications = make(map[string]schemas.FileSnapshot)
		}
		for path, snap := range modifications {
			cp.UserModifications[path] = snap
		}
		s.mu.Unlock()
	}

	s.logger.Info("Checkpoint restore finished.",
		zap.String("checkpoint_id", checkpointID),
		zap.Int("restored", len(result.Restored)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("user_modified", len(result.UserModified)))
	return result, nil
}

// RecordUserModifications explicitly captures the current content of the
// checkpoint's paths wherever it diverges from the snapshot, without
// restoring anything. Returns the divergent paths.
func (s *Store) RecordUserModifications(ctx context.Context, checkpointID string, files schemas.FileWriter) ([]string, error) {
	s.mu.Lock()
	cp, ok := s.byID[checkpointID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown checkpoint %s", checkpointID)
	}

	var diverged []string
	captured := make(map[string]schemas.FileSnapshot)
	for path, snap := range cp.FileSnapshots {
		current, err := files.ReadFile(ctx, path)
		if err != nil {
			continue
		}
		if contentHash(current) != snap.Hash {
			captured[path] = schemas.FileSnapshot{Content: current, Hash: contentHash(current)}
			diverged = append(diverged, path)
		}
	}

	if len(captured) > 0 {
		s.mu.Lock()
		if cp.UserModifications == nil {
			cp.UserModifications = make(map[string]schemas.FileSnapshot)
		}
		for path, snap := range captured {
			cp.UserModifications[path] = snap
		}
		s.mu.Unlock()
	}
	return diverged, nil
}

// Cleanup trims a session to the configured keep count, dropping the oldest
// checkpoints first. Returns how many were removed.
func (s *Store) Cleanup(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(sessionID)
}

func (s *Store) pruneLocked(sessionID string) int {
	ids := s.bySession[sessionID]
	excess := len(ids) - s.keepCount
	if excess <= 0 {
		return 0
	}
	for _, id := range ids[:excess] {
		delete(s.byID, id)
	}
	s.bySession[sessionID] = append([]string(nil), ids[excess:]...)
	return excess
}

// Export serializes a checkpoint for transfer between environments.
func (s *Store) Export(checkpointID string) ([]byte, error) {
	s.mu.Lock()
	cp, ok := s.byID[checkpointID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown checkpoint %s", checkpointID)
	}
	return json.Marshal(cp)
}

// Import deserializes an exported checkpoint into the given session. The
// imported copy gets a fresh id and timestamp so it can never collide with
// the original.
func (s *Store) Import(data []byte, sessionID string) (*schemas.ChatCheckpoint, error) {
	var cp schemas.ChatCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if len(cp.FileSnapshots) == 0 {
		return nil, fmt.Errorf("imported checkpoint has no file snapshots")
	}

	cp.CheckpointID = uuidNewString()
	cp.SessionID = sessionID
	cp.CreatedAt = timeNow().UTC()

	s.mu.Lock()
	s.byID[cp.CheckpointID] = &cp
	s.bySession[sessionID] = append(s.bySession[sessionID], cp.CheckpointID)
	s.pruneLocked(sessionID)
	s.mu.Unlock()

	return cloneCheckpoint(&cp), nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func cloneCheckpoint(cp *schemas.ChatCheckpoint) *schemas.ChatCheckpoint {
	out := *cp
	out.FileSnapshots = make(map[string]schemas.FileSnapshot, len(cp.FileSnapshots))
	for k, v := range cp.FileSnapshots {
		out.FileSnapshots[k] = v
	}
	if cp.UserModifications != nil {
		out.UserModifications = make(map[string]schemas.FileSnapshot, len(cp.UserModifications))
		for k, v := range cp.UserModifications {
			out.UserModifications[k] = v
		}
	}
	return &out
}
