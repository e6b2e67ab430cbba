package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/tutor/internal/dataset"
)

// Run statuses.
const (
	RunPreparing = "preparing"
	RunTraining  = "training"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunRecord is a row of finetune_runs: the manifest of one finetune pass,
// from dataset preparation through the trainer's terminal state.
type RunRecord struct {
	ID                    uuid.UUID  `json:"id"`
	BaseModel             string     `json:"base_model"`
	PrimaryDataset        string     `json:"primary_dataset"`
	ConversationalDataset string     `json:"conversational_dataset"`
	Status                string     `json:"status"`
	JobID                 string     `json:"job_id,omitempty"`
	CheckpointDir         string     `json:"checkpoint_dir,omitempty"`
	PrimaryCount          int        `json:"primary_count"`
	ConversationalCount   int        `json:"conversational_count"`
	ExampleCount          int        `json:"example_count"`
	TotalTokens           int        `json:"total_tokens"`
	OverLimit             int        `json:"over_limit"`
	MaxSeqLength          int        `json:"max_seq_length"`
	ErrorText             string     `json:"error,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
}

const runColumns = `id, base_model, primary_dataset, conversational_dataset, status,
	job_id, checkpoint_dir, primary_count, conversational_count, example_count,
	total_tokens, over_limit, max_seq_length, error_text, created_at, updated_at, finished_at`

// CreateRun inserts a new run manifest in the preparing state.
func (s *Store) CreateRun(ctx context.Context, rec *RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO finetune_runs (
			id, base_model, primary_dataset, conversational_dataset, status,
			job_id, checkpoint_dir, primary_count, conversational_count, example_count,
			total_tokens, over_limit, max_seq_length, error_text, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, '', '', 0, 0, 0, 0, 0, $6, '', now(), now())`,
		rec.ID, rec.BaseModel, rec.PrimaryDataset, rec.ConversationalDataset, RunPreparing, rec.MaxSeqLength,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// WriteExamples persists the mixed dataset of a run. Position preserves mix
// order; the first primaryCount positions carry the primary source label.
func (s *Store) WriteExamples(ctx context.Context, runID uuid.UUID, examples []dataset.Example, primaryCount int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"run_examples"},
		[]string{"id", "run_id", "position", "source", "prompt", "response"},
		pgx.CopyFromSlice(len(examples), func(i int) ([]any, error) {
			source := "primary"
			if i >= primaryCount {
				source = "conversational"
			}
			return []any{uuid.New(), runID, i, source, examples[i].Prompt, examples[i].Response}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy examples: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkMixed records dataset counts and token stats once mixing is done.
func (s *Store) MarkMixed(ctx context.Context, runID uuid.UUID, primary, conversational, total, totalTokens, overLimit int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE finetune_runs
		SET primary_count = $1, conversational_count = $2, example_count = $3,
			total_tokens = $4, over_limit = $5, updated_at = now()
		WHERE id = $6`,
		primary, conversational, total, totalTokens, overLimit, runID,
	)
	if err != nil {
		return fmt.Errorf("mark mixed: %w", err)
	}
	return nil
}

// SetRunJob attaches the trainer job and moves the run to training.
func (s *Store) SetRunJob(ctx context.Context, runID uuid.UUID, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE finetune_runs
		SET job_id = $1, status = $2, updated_at = now()
		WHERE id = $3`,
		jobID, RunTraining, runID,
	)
	if err != nil {
		return fmt.Errorf("set run job: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal state.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status, checkpointDir, errText string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE finetune_runs
		SET status = $1, checkpoint_dir = $2, error_text = $3, finished_at = now(), updated_at = now()
		WHERE id = $4`,
		status, checkpointDir, errText, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun fetches a run manifest by id.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*RunRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM finetune_runs WHERE id = $1`, runID)

	var r RunRecord
	err := row.Scan(
		&r.ID, &r.BaseModel, &r.PrimaryDataset, &r.ConversationalDataset, &r.Status,
		&r.JobID, &r.CheckpointDir, &r.PrimaryCount, &r.ConversationalCount, &r.ExampleCount,
		&r.TotalTokens, &r.OverLimit, &r.MaxSeqLength, &r.ErrorText, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM finetune_runs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		err := rows.Scan(
			&r.ID, &r.BaseModel, &r.PrimaryDataset, &r.ConversationalDataset, &r.Status,
			&r.JobID, &r.CheckpointDir, &r.PrimaryCount, &r.ConversationalCount, &r.ExampleCount,
			&r.TotalTokens, &r.OverLimit, &r.MaxSeqLength, &r.ErrorText, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountExamples returns how many example rows a run persisted.
func (s *Store) CountExamples(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM run_examples WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count examples: %w", err)
	}
	return n, nil
}
