package router

import (
	"github.com/cuongbtq/clipper/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Record an uploaded object and trigger processing
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		owners := v1.Group("/owners/:owner_id")
		{
			// GET /api/v1/owners/:owner_id/jobs - Owner's jobs, newest first
			owners.GET("/jobs", jobHandler.ListJobs)

			// GET /api/v1/owners/:owner_id/artifacts - Owner's artifacts, newest first
			owners.GET("/artifacts", jobHandler.ListArtifacts)
		}
	}

	return r
}
