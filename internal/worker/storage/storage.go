package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/clipper/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetJob retrieves a job from the database by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT id, owner_id, storage_key, display_name, status, created_at, updated_at, last_heartbeat_at
		FROM jobs
		WHERE id = $1
	`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// LoadAdmission reads the job together with its owner's credit balance
func (s *Storage) LoadAdmission(ctx context.Context, jobID string) (*domain.Admission, error) {
	query := `
		SELECT j.id, j.owner_id, j.storage_key, COALESCE(a.credits, 0)
		FROM jobs j
		LEFT JOIN accounts a ON a.id = j.owner_id
		WHERE j.id = $1
	`

	var a domain.Admission
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&a.JobID,
		&a.OwnerID,
		&a.StorageKey,
		&a.Credits,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load admission: %w", err)
	}

	return &a, nil
}

// Admit locks the job and account rows and moves a QUEUED job to PROCESSING
// or NO_CREDITS. Any other status is returned unchanged.
func (s *Storage) Admit(ctx context.Context, jobID string, hasCredit bool) (domain.JobStatus, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		status  domain.JobStatus
		credits int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT j.status, a.credits
		FROM jobs j
		JOIN accounts a ON a.id = j.owner_id
		WHERE j.id = $1
		FOR UPDATE
	`, jobID).Scan(&status, &credits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to lock job for admission: %w", err)
	}

	if status != domain.JobStatusQueued {
		return status, nil
	}

	next := domain.JobStatusNoCredits
	if hasCredit && credits > 0 {
		next = domain.JobStatusProcessing
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    updated_at = NOW(),
		    last_heartbeat_at = CASE WHEN $1 = 'PROCESSING' THEN NOW() ELSE last_heartbeat_at END
		WHERE id = $2
	`, next, jobID); err != nil {
		return "", fmt.Errorf("failed to update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit admission: %w", err)
	}

	s.logger.Info("Job admission recorded",
		slog.String("job_id", jobID),
		slog.String("status", next.String()),
		slog.Int64("credits", credits),
	)

	return next, nil
}

// TransitionStatus moves a job to status `to` with a compare-and-set on the
// allowed source states. Writing the status a job already has is a no-op.
func (s *Storage) TransitionStatus(ctx context.Context, jobID string, to domain.JobStatus) error {
	sources := domain.SourcesOf(to)
	if len(sources) == 0 {
		return &domain.TransitionError{JobID: jobID, To: to}
	}

	from := make([]string, len(sources))
	for i, src := range sources {
		from[i] = src.String()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
		  AND status = ANY($3)
	`, to, jobID, pq.Array(from))
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Info("Job status updated",
			slog.String("job_id", jobID),
			slog.String("status", to.String()),
		)
		return nil
	}

	var current domain.JobStatus
	if err := s.db.GetContext(ctx, &current, `SELECT status FROM jobs WHERE id = $1`, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to read job status: %w", err)
	}

	if current == to {
		return nil
	}

	s.logger.Warn("Job status update rejected",
		slog.String("job_id", jobID),
		slog.String("from", current.String()),
		slog.String("to", to.String()),
	)
	return &domain.TransitionError{JobID: jobID, From: current, To: to}
}

// ConsumeCredit charges the owner one credit for jobID. The ledger row is
// unique per job, so a repeated call reports false and charges nothing.
func (s *Storage) ConsumeCredit(ctx context.Context, jobID, ownerID string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (job_id, owner_id, amount, created_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET credits = credits - 1
		WHERE id = $1 AND credits > 0
	`, ownerID); err != nil {
		return false, fmt.Errorf("failed to decrement credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit credit consumption: %w", err)
	}

	s.logger.Info("Credit consumed",
		slog.String("job_id", jobID),
		slog.String("owner_id", ownerID),
	)

	return true, nil
}

// UpdateJobHeartbeat updates the last_heartbeat_at timestamp for a processing job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Debug("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// ListStaleJobs returns ids of non-terminal jobs with no progress since
// olderThan: QUEUED jobs by updated_at, PROCESSING jobs by their heartbeat.
// A QUEUED job whose owner has a PROCESSING job with a fresh heartbeat is
// waiting its turn and is not returned.
func (s *Storage) ListStaleJobs(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	query := `
		SELECT j.id
		FROM jobs j
		WHERE (
			j.status = $1 AND j.updated_at < $3
			AND NOT EXISTS (
				SELECT 1 FROM jobs p
				WHERE p.owner_id = j.owner_id
				  AND p.id <> j.id
				  AND p.status = $2
				  AND COALESCE(p.last_heartbeat_at, p.updated_at) >= $3
			)
		)
		   OR (j.status = $2 AND COALESCE(j.last_heartbeat_at, j.updated_at) < $3)
		ORDER BY j.updated_at ASC
		LIMIT $4
	`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, domain.JobStatusQueued, domain.JobStatusProcessing, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	return ids, nil
}
