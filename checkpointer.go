package conductor

import "context"

// Checkpointer persists and retrieves checkpoints. Implementations must make
// Save atomic: a crash mid-write must never leave a partially written
// checkpoint visible to Load.
type Checkpointer interface {

	// Save persists a sealed checkpoint.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load retrieves a checkpoint by its id.
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// Latest returns the most recent checkpoint for a run, or nil when the
	// run has none.
	Latest(ctx context.Context, runID string) (*Checkpoint, error)

	// List returns checkpoint metadata for all known checkpoints without
	// deserializing full snapshots.
	List(ctx context.Context) ([]*CheckpointInfo, error)

	// Delete removes all checkpoint data for a run.
	Delete(ctx context.Context, runID string) error
}
