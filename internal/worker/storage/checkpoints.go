package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/clipper/internal/worker/workflow"
)

type stepRow struct {
	Step     string `db:"step"`
	Output   []byte `db:"output"`
	Attempts int    `db:"attempts"`
	Done     bool   `db:"done"`
}

// LoadSteps returns every step of runKey that was started, with the output
// of the ones that completed
func (s *Storage) LoadSteps(ctx context.Context, runKey string) (map[string]workflow.StepState, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT step, output, attempts, completed_at IS NOT NULL AS done
		FROM workflow_steps
		WHERE run_key = $1
	`, runKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow steps: %w", err)
	}

	steps := make(map[string]workflow.StepState, len(rows))
	for _, r := range rows {
		steps[r.Step] = workflow.StepState{
			Output:   json.RawMessage(r.Output),
			Attempts: r.Attempts,
			Done:     r.Done,
		}
	}
	return steps, nil
}

// BeginAttempt records a started attempt. The count never decreases and a
// completed step is left alone.
func (s *Storage) BeginAttempt(ctx context.Context, runKey, step string, attempt int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_key, step, attempts)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_key, step) DO UPDATE
		SET attempts = GREATEST(workflow_steps.attempts, EXCLUDED.attempts)
		WHERE workflow_steps.completed_at IS NULL
	`, runKey, step, attempt)
	if err != nil {
		return fmt.Errorf("failed to record step attempt: %w", err)
	}
	return nil
}

// SaveStep records the output of a completed step
func (s *Storage) SaveStep(ctx context.Context, runKey, step string, output json.RawMessage, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_key, step, output, attempts, completed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (run_key, step) DO UPDATE
		SET output = EXCLUDED.output,
		    attempts = EXCLUDED.attempts,
		    completed_at = EXCLUDED.completed_at
	`, runKey, step, []byte(output), attempts)
	if err != nil {
		return fmt.Errorf("failed to save workflow step: %w", err)
	}
	return nil
}
