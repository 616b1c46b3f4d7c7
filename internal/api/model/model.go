package model

import "time"

// Job is the collaborator view of a job row
type Job struct {
	ID            string    `db:"id"`
	OwnerID       string    `db:"owner_id"`
	StorageKey    string    `db:"storage_key"`
	DisplayName   string    `db:"display_name"`
	Status        string    `db:"status"`
	ArtifactCount int       `db:"artifact_count"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Artifact is one produced output of a job
type Artifact struct {
	ID         string    `db:"id"`
	JobID      string    `db:"job_id"`
	StorageKey string    `db:"storage_key"`
	CreatedAt  time.Time `db:"created_at"`
}
