package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/aidenerard/fluxspace-site/internal/http/handlers"
	httpMW "github.com/aidenerard/fluxspace-site/internal/http/middleware"
	"github.com/aidenerard/fluxspace-site/internal/observability"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	AllowedOrigins []string
	Metrics        *observability.Metrics

	AuthMiddleware *httpMW.AuthMiddleware

	JobHandler     *httpH.JobHandler
	ProjectHandler *httpH.ProjectHandler
	UsageHandler   *httpH.UsageHandler
	HealthHandler  *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}
	{
		// Jobs
		if cfg.JobHandler != nil {
			api.POST("/process", cfg.JobHandler.Process)
			api.POST("/jobs", cfg.JobHandler.CreateJob)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.GET("/projects/:id/jobs", cfg.JobHandler.ListProjectJobs)
		}

		// Projects
		if cfg.ProjectHandler != nil {
			api.POST("/projects", cfg.ProjectHandler.CreateProject)
			api.GET("/projects", cfg.ProjectHandler.ListProjects)
			api.GET("/projects/:id", cfg.ProjectHandler.GetProject)
		}

		// Usage
		if cfg.UsageHandler != nil {
			api.GET("/usage", cfg.UsageHandler.GetUsage)
		}
	}

	return r
}
