// api/schemas/checkpoint.go
package schemas

import "time"

// CheckpointType records why a checkpoint was taken.
type CheckpointType string

const (
	CheckpointAuto   CheckpointType = "AUTO"   // Taken at a decision boundary by the loop.
	CheckpointManual CheckpointType = "MANUAL" // Requested explicitly by the user.
)

// FileSnapshot is the stored content of one file at checkpoint time.
type FileSnapshot struct {
	Content string `json:"content"`
	Hash    string `json:"hash,omitempty"`
}

// ChatCheckpoint is a snapshot of the files the agent touched at a point in
// the session, used to revert or replay ("time travel"). Immutable once
// created except for the UserModifications overlay.
type ChatCheckpoint struct {
	CheckpointID  string                  `json:"checkpoint_id"`
	SessionID     string                  `json:"session_id"`
	UserID        string                  `json:"user_id"`
	Type          CheckpointType          `json:"type"`
	MessageOrder  int                     `json:"message_order"`
	FileSnapshots map[string]FileSnapshot `json:"file_snapshots"`
	// UserModifications captures user edits made after the checkpoint, keyed
	// by path. Populated lazily when a jump discovers divergent content.
	UserModifications map[string]FileSnapshot `json:"user_modifications,omitempty"`
	Description       string                  `json:"description,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
}
