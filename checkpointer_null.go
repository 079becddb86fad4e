package conductor

import "context"

// NullCheckpointer is a no-op implementation for runs that do not need
// durability.
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

func (c *NullCheckpointer) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	return nil, nil
}

func (c *NullCheckpointer) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	return nil, nil
}

func (c *NullCheckpointer) List(ctx context.Context) ([]*CheckpointInfo, error) {
	return nil, nil
}

func (c *NullCheckpointer) Delete(ctx context.Context, runID string) error {
	return nil
}
