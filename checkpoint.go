package conductor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// SchemaVersion is the checkpoint format version. Loading a checkpoint with
// a different version is refused rather than partially reconstructed.
const SchemaVersion = 1

// CheckpointReason records why a checkpoint was taken.
type CheckpointReason string

const (
	CheckpointManual   CheckpointReason = "manual"
	CheckpointBudget   CheckpointReason = "budget-threshold"
	CheckpointBlocked  CheckpointReason = "blocked"
	CheckpointTerminal CheckpointReason = "terminal"
)

// NewCheckpointID returns a new time-ordered checkpoint identifier. IDs sort
// lexicographically by creation time, so the latest checkpoint for a run is
// the one with the greatest id.
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Checkpoint is a durable, versioned snapshot of run state. The checksum
// covers the snapshot payload; Verify refuses any checkpoint whose schema
// version or checksum does not match.
type Checkpoint struct {
	ID            string           `json:"id"`
	RunID         string           `json:"run_id"`
	DefinitionID  string           `json:"definition_id"`
	Status        Status           `json:"status"`
	Reason        CheckpointReason `json:"reason"`
	SchemaVersion int              `json:"schema_version"`
	Checksum      string           `json:"checksum"`
	CreatedAt     time.Time        `json:"created_at"`
	Snapshot      *RunSnapshot     `json:"snapshot"`
}

// CheckpointInfo is checkpoint metadata, cheap to list without touching the
// snapshot payload.
type CheckpointInfo struct {
	ID           string           `json:"id"`
	RunID        string           `json:"run_id"`
	DefinitionID string           `json:"definition_id"`
	Status       Status           `json:"status"`
	Reason       CheckpointReason `json:"reason"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Info returns the checkpoint's metadata view.
func (c *Checkpoint) Info() *CheckpointInfo {
	return &CheckpointInfo{
		ID:           c.ID,
		RunID:        c.RunID,
		DefinitionID: c.DefinitionID,
		Status:       c.Status,
		Reason:       c.Reason,
		CreatedAt:    c.CreatedAt,
	}
}

// NewCheckpoint builds a sealed checkpoint from a run snapshot.
func NewCheckpoint(snapshot *RunSnapshot, reason CheckpointReason) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:            NewCheckpointID(),
		RunID:         snapshot.RunID,
		DefinitionID:  snapshot.DefinitionID,
		Status:        snapshot.Status,
		Reason:        reason,
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Snapshot:      snapshot,
	}
	checksum, err := snapshotChecksum(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to seal checkpoint: %w", err)
	}
	cp.Checksum = checksum
	return cp, nil
}

// Verify validates the schema version and content checksum. A mismatch
// means the checkpoint must not be used for resume.
func (c *Checkpoint) Verify() error {
	if c.SchemaVersion != SchemaVersion {
		return NewStateCorruptionError("checkpoint %s has schema version %d, expected %d",
			c.ID, c.SchemaVersion, SchemaVersion)
	}
	if c.Snapshot == nil {
		return NewStateCorruptionError("checkpoint %s has no snapshot", c.ID)
	}
	checksum, err := snapshotChecksum(c.Snapshot)
	if err != nil {
		return NewStateCorruptionError("checkpoint %s checksum computation failed: %v", c.ID, err)
	}
	if checksum != c.Checksum {
		return NewStateCorruptionError("checkpoint %s checksum mismatch", c.ID)
	}
	return nil
}

// snapshotChecksum hashes the canonical JSON encoding of the snapshot.
// encoding/json sorts map keys, so the encoding is deterministic for
// equivalent snapshots.
func snapshotChecksum(snapshot *RunSnapshot) (string, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
