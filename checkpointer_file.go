package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileCheckpointer persists checkpoints to disk, one directory per run with
// one JSON file per checkpoint. Writes go to a temporary file in the same
// directory followed by a rename, so a crash mid-write never leaves a
// partial checkpoint visible.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a file-based checkpointer rooted at dataDir.
// An empty dataDir defaults to ~/.conductor/runs.
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".conductor", "runs")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

func (c *FileCheckpointer) checkpointPath(runID, checkpointID string) string {
	return filepath.Join(c.dataDir, runID, checkpointID+".json")
}

// Save writes the checkpoint atomically.
func (c *FileCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	runDir := filepath.Join(c.dataDir, checkpoint.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	finalPath := c.checkpointPath(checkpoint.RunID, checkpoint.ID)
	tmp, err := os.CreateTemp(runDir, checkpoint.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint by id, scanning run directories for its file.
func (c *FileCheckpointer) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	runs, err := os.ReadDir(c.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		path := c.checkpointPath(run.Name(), checkpointID)
		if _, err := os.Stat(path); err == nil {
			return c.readCheckpoint(path)
		}
	}
	return nil, fmt.Errorf("checkpoint %q not found", checkpointID)
}

// Latest returns the most recent checkpoint for a run. Checkpoint ids are
// time-ordered, so the greatest filename wins.
func (c *FileCheckpointer) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	runDir := filepath.Join(c.dataDir, runID)
	entries, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp-") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	return c.readCheckpoint(filepath.Join(runDir, names[len(names)-1]))
}

// List returns metadata for all checkpoints, newest first. Only the envelope
// fields are decoded; snapshot payloads are not materialized.
func (c *FileCheckpointer) List(ctx context.Context) ([]*CheckpointInfo, error) {
	runs, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var infos []*CheckpointInfo
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		runDir := filepath.Join(c.dataDir, run.Name())
		entries, err := os.ReadDir(runDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp-") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(runDir, name))
			if err != nil {
				continue
			}
			var info CheckpointInfo
			if err := json.Unmarshal(data, &info); err != nil {
				continue
			}
			infos = append(infos, &info)
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID > infos[j].ID
	})
	return infos, nil
}

// Delete removes all checkpoint data for a run.
func (c *FileCheckpointer) Delete(ctx context.Context, runID string) error {
	if err := os.RemoveAll(filepath.Join(c.dataDir, runID)); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

func (c *FileCheckpointer) readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, NewStateCorruptionError("failed to unmarshal checkpoint %s: %v", filepath.Base(path), err)
	}
	return &checkpoint, nil
}
