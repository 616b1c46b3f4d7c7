package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/clipper/internal/api/model"
	"github.com/cuongbtq/clipper/internal/api/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// JobStore is the persistence the collaborator API reads and writes
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	ListArtifacts(ctx context.Context, filter storage.ArtifactFilter) ([]model.Artifact, error)
}

// EventPublisher emits the trigger event for a newly created job
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, jobID string) error
}

// HealthChecker is a dependency probed by GET /health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Store          JobStore
	Publisher      EventPublisher
	HealthChecks   map[string]HealthChecker
	AllowedOrigins []string
}

// JobHandler handles job and artifact HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     JobStore
	publisher EventPublisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
	}
}

func clampPageSize(size int) int {
	if size <= 0 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}
