package domain

import "time"

// Job is one user-submitted media object awaiting or undergoing transformation
type Job struct {
	ID              string     `db:"id"`
	OwnerID         string     `db:"owner_id"`
	StorageKey      string     `db:"storage_key"`
	DisplayName     string     `db:"display_name"`
	Status          JobStatus  `db:"status"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
}

// Admission is the output of the admission check step
type Admission struct {
	JobID      string `json:"job_id"`
	OwnerID    string `json:"owner_id"`
	StorageKey string `json:"storage_key"`
	Credits    int64  `json:"credits"`
}

// Admitted reports whether the owner had credit left at check time
func (a Admission) Admitted() bool {
	return a.Credits > 0
}

// Artifact is one produced output linked to exactly one job
type Artifact struct {
	ID         string    `db:"id"`
	JobID      string    `db:"job_id"`
	StorageKey string    `db:"storage_key"`
	CreatedAt  time.Time `db:"created_at"`
}

// JobMessage represents a trigger event from RabbitMQ: {"jobId": "..."}.
// The snake_case job_id spelling is accepted as well.
type JobMessage struct {
	JobID       string `json:"jobId"`
	LegacyJobID string `json:"job_id,omitempty"`
	DeliveryTag uint64 `json:"-"`
	Redelivered bool   `json:"-"`
}

// ID returns the referenced job id, preferring jobId
func (m JobMessage) ID() string {
	if m.JobID != "" {
		return m.JobID
	}
	return m.LegacyJobID
}
