package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options holds router settings beyond the handler dependencies
type Options struct {
	ServiceName string
	// Checks are run by /health, keyed by component name
	Checks map[string]HealthChecker
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(opts))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)
	uploadHandler := handler.NewUploadHandler(deps)
	enrichmentHandler := handler.NewEnrichmentHandler(deps)
	searchHandler := handler.NewSearchHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		uploads := v1.Group("/uploads")
		{
			// POST /api/v1/uploads - Queue a CSV, XLSX or SQL file for ingestion
			uploads.POST("", uploadHandler.CreateUpload)

			// GET /api/v1/uploads - List upload history with pagination
			uploads.GET("", uploadHandler.ListUploads)

			// GET /api/v1/uploads/:upload_id - Get one upload record
			uploads.GET("/:upload_id", uploadHandler.GetUpload)

			// DELETE /api/v1/uploads/:upload_id - Delete an upload record
			uploads.DELETE("/:upload_id", uploadHandler.DeleteUpload)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List recent jobs
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/stream - Websocket feed of job events
			jobs.GET("/stream", jobHandler.StreamJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// POST /api/v1/enrichments - Queue the enrichment of a CDR file
		v1.POST("/enrichments", enrichmentHandler.CreateEnrichment)

		// GET /api/v1/search - Find rows matching a phone number
		v1.GET("/search", searchHandler.Search)

		// GET /api/v1/tables - List tables created by uploads
		v1.GET("/tables", searchHandler.ListTables)
	}

	return r
}

func healthHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(opts.Checks))
		for name, check := range opts.Checks {
			if err := check.HealthCheck(ctx); err != nil {
				status = http.StatusServiceUnavailable
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}

		health := "healthy"
		if status != http.StatusOK {
			health = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":     health,
			"service":    opts.ServiceName,
			"components": components,
		})
	}
}
