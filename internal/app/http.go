package app

import (
	"github.com/aidenerard/fluxspace-site/internal/http"
	httpH "github.com/aidenerard/fluxspace-site/internal/http/handlers"
	httpMW "github.com/aidenerard/fluxspace-site/internal/http/middleware"
	"github.com/aidenerard/fluxspace-site/internal/observability"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health  *httpH.HealthHandler
	Job     *httpH.JobHandler
	Project *httpH.ProjectHandler
	Usage   *httpH.UsageHandler
}

func wireHandlers(log *logger.Logger, cfg Config, db httpH.Pinger, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:  httpH.NewHealthHandler(db),
		Job:     httpH.NewJobHandler(services.Jobs, cfg.MaxUploadBytes),
		Project: httpH.NewProjectHandler(services.Projects),
		Usage:   httpH.NewUsageHandler(services.Quota),
	}
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, services.Auth),
	}
}

func wireServer(log *logger.Logger, cfg Config, metrics *observability.Metrics, handlers Handlers, middleware Middleware) *http.Server {
	return http.NewServer(http.RouterConfig{
		Log:            log,
		ServiceName:    cfg.ServiceName,
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        metrics,
		AuthMiddleware: middleware.Auth,
		JobHandler:     handlers.Job,
		ProjectHandler: handlers.Project,
		UsageHandler:   handlers.Usage,
		HealthHandler:  handlers.Health,
	})
}
