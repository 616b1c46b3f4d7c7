package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ListArtifactKeys returns the storage keys already recorded for jobID
func (s *Storage) ListArtifactKeys(ctx context.Context, jobID string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, `
		SELECT storage_key
		FROM artifacts
		WHERE job_id = $1
		ORDER BY storage_key
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return keys, nil
}

// CreateArtifacts links keys to jobID in one transaction. Keys already linked
// are skipped, and the number of new rows is returned.
func (s *Storage) CreateArtifacts(ctx context.Context, jobID string, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created := 0
	for _, key := range keys {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (id, job_id, storage_key, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (job_id, storage_key) DO NOTHING
		`, uuid.New().String(), jobID, key)
		if err != nil {
			return 0, fmt.Errorf("failed to insert artifact %q: %w", key, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit artifacts: %w", err)
	}

	s.logger.Info("Artifacts recorded",
		slog.String("job_id", jobID),
		slog.Int("listed", len(keys)),
		slog.Int("created", created),
	)

	return created, nil
}
