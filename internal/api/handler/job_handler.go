package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/clipper/internal/api/dto"
	"github.com/cuongbtq/clipper/internal/api/model"
	"github.com/cuongbtq/clipper/internal/api/storage"
	"github.com/cuongbtq/clipper/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Records a QUEUED job for an uploaded object and emits its trigger event
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := validateStorageKey(req.StorageKey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = path.Base(req.StorageKey)
	}

	now := time.Now().UTC()
	job := model.Job{
		ID:          uuid.New().String(),
		OwnerID:     req.OwnerID,
		StorageKey:  req.StorageKey,
		DisplayName: displayName,
		Status:      domain.JobStatusQueued.String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx := c.Request.Context()
	if err := h.store.CreateJob(ctx, &job); err != nil {
		if errors.Is(err, storage.ErrOwnerNotFound) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": "owner_id does not reference an account",
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	// The row is durable at this point; the sweeper republishes QUEUED jobs
	// whose event was lost.
	if err := h.publisher.PublishJobEvent(ctx, job.ID); err != nil {
		h.logger.Warn("Failed to publish job event",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("storage_key", job.StorageKey),
	)

	c.JSON(http.StatusCreated, toJobDTO(&job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/owners/:owner_id/jobs
// Lists an owner's jobs newest first with keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	ownerID := c.Param("owner_id")

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.JobStatus(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown status filter",
		})
		return
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	pageSize := clampPageSize(req.PageSize)
	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		OwnerID:  ownerID,
		Status:   req.Status,
		PageSize: pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("owner_id", ownerID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, 0, len(jobs))}
	if len(jobs) > pageSize {
		last := jobs[pageSize-1]
		resp.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
		jobs = jobs[:pageSize]
	}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobDTO(&jobs[i]))
	}

	c.JSON(http.StatusOK, resp)
}

// ListArtifacts handles GET /api/v1/owners/:owner_id/artifacts
func (h *JobHandler) ListArtifacts(c *gin.Context) {
	ownerID := c.Param("owner_id")

	var req dto.ListArtifactsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.JobID != "" {
		if _, err := uuid.Parse(req.JobID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "job_id must be a valid UUID",
			})
			return
		}
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	pageSize := clampPageSize(req.PageSize)
	artifacts, err := h.store.ListArtifacts(c.Request.Context(), storage.ArtifactFilter{
		OwnerID:  ownerID,
		JobID:    req.JobID,
		PageSize: pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list artifacts", slog.String("owner_id", ownerID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list artifacts",
		})
		return
	}

	resp := dto.ListArtifactsResponse{Artifacts: make([]dto.ArtifactDTO, 0, len(artifacts))}
	if len(artifacts) > pageSize {
		last := artifacts[pageSize-1]
		resp.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
		artifacts = artifacts[:pageSize]
	}
	for _, a := range artifacts {
		resp.Artifacts = append(resp.Artifacts, dto.ArtifactDTO{
			ID:         a.ID,
			JobID:      a.JobID,
			StorageKey: a.StorageKey,
			CreatedAt:  a.CreatedAt.Format(time.RFC3339Nano),
		})
	}

	c.JSON(http.StatusOK, resp)
}

func validateStorageKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return errors.New("storage_key is required")
	case strings.HasPrefix(key, "/"):
		return errors.New("storage_key must be relative")
	case strings.HasSuffix(key, "/"):
		return errors.New("storage_key must name an object")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return errors.New("storage_key must not contain '..'")
		}
	}
	return nil
}

func toJobDTO(job *model.Job) dto.JobDTO {
	return dto.JobDTO{
		ID:            job.ID,
		OwnerID:       job.OwnerID,
		StorageKey:    job.StorageKey,
		DisplayName:   job.DisplayName,
		Status:        job.Status,
		ArtifactCount: job.ArtifactCount,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339Nano),
	}
}
