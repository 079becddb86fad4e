package conductor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresCheckpointer persists checkpoints in a Postgres table. Each Save
// is a single INSERT, so partial checkpoints are never visible to readers.
type PostgresCheckpointer struct {
	db *sql.DB
}

// NewPostgresCheckpointer wraps an existing database handle.
func NewPostgresCheckpointer(db *sql.DB) *PostgresCheckpointer {
	return &PostgresCheckpointer{db: db}
}

// OpenPostgresCheckpointer opens a connection and ensures the checkpoint
// table exists.
func OpenPostgresCheckpointer(ctx context.Context, dsn string) (*PostgresCheckpointer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	c := &PostgresCheckpointer{db: db}
	if err := c.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// EnsureSchema creates the checkpoint table if it does not exist.
func (c *PostgresCheckpointer) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conductor_checkpoints (
			id             TEXT PRIMARY KEY,
			run_id         TEXT NOT NULL,
			definition_id  TEXT NOT NULL,
			status         TEXT NOT NULL,
			reason         TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			checksum       TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			snapshot       JSONB NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure checkpoint schema: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS conductor_checkpoints_run_idx ON conductor_checkpoints (run_id, id)`)
	if err != nil {
		return fmt.Errorf("failed to ensure checkpoint index: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (c *PostgresCheckpointer) Close() error {
	return c.db.Close()
}

// Save inserts a sealed checkpoint.
func (c *PostgresCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	snapshot, err := json.Marshal(checkpoint.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO conductor_checkpoints
			(id, run_id, definition_id, status, reason, schema_version, checksum, created_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		checkpoint.ID, checkpoint.RunID, checkpoint.DefinitionID, string(checkpoint.Status),
		string(checkpoint.Reason), checkpoint.SchemaVersion, checkpoint.Checksum,
		checkpoint.CreatedAt, snapshot)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint by id.
func (c *PostgresCheckpointer) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, run_id, definition_id, status, reason, schema_version, checksum, created_at, snapshot
		FROM conductor_checkpoints WHERE id = $1`, checkpointID)
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %q not found", checkpointID)
	}
	return checkpoint, err
}

// Latest returns the most recent checkpoint for a run, nil when none exist.
func (c *PostgresCheckpointer) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, run_id, definition_id, status, reason, schema_version, checksum, created_at, snapshot
		FROM conductor_checkpoints WHERE run_id = $1 ORDER BY id DESC LIMIT 1`, runID)
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return checkpoint, err
}

// List returns checkpoint metadata, newest first, without reading snapshot
// payloads.
func (c *PostgresCheckpointer) List(ctx context.Context) ([]*CheckpointInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, run_id, definition_id, status, reason, created_at
		FROM conductor_checkpoints ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []*CheckpointInfo
	for rows.Next() {
		var info CheckpointInfo
		var status, reason string
		if err := rows.Scan(&info.ID, &info.RunID, &info.DefinitionID, &status, &reason, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint metadata: %w", err)
		}
		info.Status = Status(status)
		info.Reason = CheckpointReason(reason)
		infos = append(infos, &info)
	}
	return infos, rows.Err()
}

// Delete removes all checkpoints for a run.
func (c *PostgresCheckpointer) Delete(ctx context.Context, runID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM conductor_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var checkpoint Checkpoint
	var status, reason string
	var snapshot []byte
	err := row.Scan(&checkpoint.ID, &checkpoint.RunID, &checkpoint.DefinitionID, &status, &reason,
		&checkpoint.SchemaVersion, &checkpoint.Checksum, &checkpoint.CreatedAt, &snapshot)
	if err != nil {
		return nil, err
	}
	checkpoint.Status = Status(status)
	checkpoint.Reason = CheckpointReason(reason)
	if err := json.Unmarshal(snapshot, &checkpoint.Snapshot); err != nil {
		return nil, NewStateCorruptionError("failed to unmarshal checkpoint %s snapshot: %v", checkpoint.ID, err)
	}
	return &checkpoint, nil
}
