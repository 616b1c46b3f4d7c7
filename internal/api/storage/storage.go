package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/clipper/internal/api/model"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrOwnerNotFound is returned when a job references an unknown account
	ErrOwnerNotFound = errors.New("owner account not found")
)

// foreign_key_violation
const pqForeignKeyViolation = "23503"

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// Cursor is a keyset position in a newest-first listing
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type JobFilter struct {
	OwnerID  string
	Status   string
	PageSize int
	Cursor   *Cursor
}

type ArtifactFilter struct {
	OwnerID  string
	JobID    string
	PageSize int
	Cursor   *Cursor
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (
			id, owner_id, storage_key, display_name,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.OwnerID,
		job.StorageKey,
		job.DisplayName,
		job.Status,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return ErrOwnerNotFound
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

const jobColumns = `
	j.id, j.owner_id, j.storage_key, j.display_name, j.status,
	(SELECT COUNT(*) FROM artifacts a WHERE a.job_id = j.id) AS artifact_count,
	j.created_at, j.updated_at
`

func (s *Storage) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs j WHERE j.id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ListJobs returns up to PageSize+1 jobs of one owner, newest first. The
// extra row tells the caller whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs j WHERE j.owner_id = $1`
	args := []interface{}{filter.OwnerID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND j.status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (j.created_at, j.id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY j.created_at DESC, j.id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ListArtifacts returns up to PageSize+1 artifacts of one owner, newest first
func (s *Storage) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]model.Artifact, error) {
	query := `
		SELECT a.id, a.job_id, a.storage_key, a.created_at
		FROM artifacts a
		JOIN jobs j ON j.id = a.job_id
		WHERE j.owner_id = $1`
	args := []interface{}{filter.OwnerID}
	argIdx := 2

	if filter.JobID != "" {
		query += fmt.Sprintf(" AND a.job_id = $%d", argIdx)
		args = append(args, filter.JobID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (a.created_at, a.id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY a.created_at DESC, a.id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var artifacts []model.Artifact
	if err := s.db.SelectContext(ctx, &artifacts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	return artifacts, nil
}
