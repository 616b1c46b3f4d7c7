package dto

type CreateJobRequest struct {
	OwnerID     string `json:"owner_id" binding:"required"`
	StorageKey  string `json:"storage_key" binding:"required"`
	DisplayName string `json:"display_name"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	StorageKey    string `json:"storage_key"`
	DisplayName   string `json:"display_name"`
	Status        string `json:"status"`
	ArtifactCount int    `json:"artifact_count"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type ListArtifactsRequest struct {
	JobID    string `form:"job_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListArtifactsResponse struct {
	Artifacts  []ArtifactDTO `json:"artifacts"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type ArtifactDTO struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	StorageKey string `json:"storage_key"`
	CreatedAt  string `json:"created_at"`
}
