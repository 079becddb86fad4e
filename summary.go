package conductor

import (
	"context"
	"time"
)

// RunSummary is the caller-facing view of a run's progress.
type RunSummary struct {
	RunID            string    `json:"run_id"`
	DefinitionID     string    `json:"definition_id"`
	Status           Status    `json:"status"`
	CurrentStep      string    `json:"current_step,omitempty"`
	CompletedSteps   []string  `json:"completed_steps"`
	SkippedSteps     []string  `json:"skipped_steps,omitempty"`
	BlockedOn        []string  `json:"blocked_on,omitempty"`
	TokensUsed       int       `json:"tokens_used"`
	LastCheckpointID string    `json:"last_checkpoint_id,omitempty"`
	LastCheckpointAt time.Time `json:"last_checkpoint_at,omitzero"`
	StartTime        time.Time `json:"start_time,omitzero"`
	EndTime          time.Time `json:"end_time,omitzero"`
	Error            string    `json:"error,omitempty"`
}

// ListRuns summarizes the most recent checkpoint of every run known to the
// checkpointer, newest first.
func ListRuns(ctx context.Context, checkpointer Checkpointer) ([]*RunSummary, error) {
	infos, err := checkpointer.List(ctx)
	if err != nil {
		return nil, err
	}

	// infos come newest first; keep the first entry per run
	seen := map[string]bool{}
	var summaries []*RunSummary
	for _, info := range infos {
		if seen[info.RunID] {
			continue
		}
		seen[info.RunID] = true
		summaries = append(summaries, &RunSummary{
			RunID:            info.RunID,
			DefinitionID:     info.DefinitionID,
			Status:           info.Status,
			LastCheckpointID: info.ID,
			LastCheckpointAt: info.CreatedAt,
		})
	}
	return summaries, nil
}
