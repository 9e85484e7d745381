package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/aidenerard/fluxspace-site/internal/data/db"
	"github.com/aidenerard/fluxspace-site/internal/http/handlers"
	"github.com/aidenerard/fluxspace-site/internal/jobs/pipeline"
	"github.com/aidenerard/fluxspace-site/internal/jobs/stage"
	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

type Config struct {
	Port        string
	ServiceName string
	Environment string

	DB db.Config

	JWTSecretKey     string
	AllowedOrigins   []string
	MaxUploadBytes   int64
	QuotaMonthlyJobs int
	DispatchTimeout  time.Duration
	StatusScrape     bool

	WorkerConcurrency int
	WorkerQueueSize   int
	WorkerPoll        time.Duration
	JobMaxDuration    time.Duration
	WatchdogInterval  time.Duration
	WorkspaceRoot     string
	WorkspaceTTL      time.Duration

	StageRuntime     string
	StageScriptsDir  string
	StagesConfig     string
	StageOutputLimit int
	UploadParallel   int

	RedisAddr    string
	RedisChannel string
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:        envutil.String("PORT", "8080"),
		ServiceName: envutil.String("OTEL_SERVICE_NAME", "fluxspace"),
		Environment: envutil.String("APP_ENV", "development"),

		DB: db.ConfigFromEnv(),

		JWTSecretKey:     envutil.String("JWT_SECRET_KEY", ""),
		AllowedOrigins:   envutil.List("CORS_ALLOWED_ORIGINS", nil),
		MaxUploadBytes:   envutil.Int64("MAX_UPLOAD_BYTES", handlers.DefaultMaxUploadBytes),
		QuotaMonthlyJobs: envutil.Int("QUOTA_MONTHLY_JOBS", services.DefaultMonthlyJobs),
		DispatchTimeout:  envutil.Duration("DISPATCH_TIMEOUT", services.DefaultDispatchTimeout),
		StatusScrape:     envutil.Bool("METRICS_JOB_STATUS_SCRAPE", true),

		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		WorkerQueueSize:   envutil.Int("WORKER_QUEUE_SIZE", 64),
		WorkerPoll:        envutil.Duration("WORKER_POLL_INTERVAL", time.Second),
		JobMaxDuration:    envutil.Duration("JOB_MAX_DURATION", pipeline.DefaultMaxDuration),
		WatchdogInterval:  envutil.Duration("WATCHDOG_INTERVAL", time.Minute),
		WorkspaceRoot:     envutil.String("WORKSPACE_ROOT", ""),
		WorkspaceTTL:      envutil.Duration("WORKSPACE_TTL", 0),

		StageRuntime:     envutil.String("STAGE_RUNTIME", "python3"),
		StageScriptsDir:  envutil.String("STAGE_SCRIPTS_DIR", "scripts"),
		StagesConfig:     envutil.String("STAGES_CONFIG", ""),
		StageOutputLimit: envutil.Int("STAGE_OUTPUT_LIMIT_BYTES", stage.DefaultOutputLimit),
		UploadParallel:   envutil.Int("ARTIFACT_UPLOAD_PARALLELISM", 4),

		RedisAddr:    envutil.String("REDIS_ADDR", ""),
		RedisChannel: envutil.String("REDIS_CHANNEL", "jobs"),
	}
	if log != nil {
		log.Info("Configuration loaded",
			"port", cfg.Port,
			"db_driver", cfg.DB.Driver,
			"quota_monthly_jobs", cfg.QuotaMonthlyJobs,
			"worker_concurrency", cfg.WorkerConcurrency,
			"job_max_duration", cfg.JobMaxDuration.String(),
			"workspace_root", cfg.WorkspaceRoot,
			"stage_runtime", cfg.StageRuntime,
			"stage_scripts_dir", cfg.StageScriptsDir,
			"redis_enabled", cfg.RedisAddr != "",
		)
	}
	return cfg
}

func (c Config) Validate() error {
	var errs []error
	if c.JWTSecretKey == "" {
		errs = append(errs, errors.New("JWT_SECRET_KEY is required"))
	}
	if c.QuotaMonthlyJobs < 0 {
		errs = append(errs, fmt.Errorf("QUOTA_MONTHLY_JOBS must be >= 0, got %d", c.QuotaMonthlyJobs))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency))
	}
	if c.JobMaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("JOB_MAX_DURATION must be positive, got %s", c.JobMaxDuration))
	}
	if c.WatchdogInterval <= 0 {
		errs = append(errs, fmt.Errorf("WATCHDOG_INTERVAL must be positive, got %s", c.WatchdogInterval))
	}
	return errors.Join(errs...)
}
