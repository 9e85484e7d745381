package app

import (
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/aidenerard/fluxspace-site/internal/jobs/artifacts"
	"github.com/aidenerard/fluxspace-site/internal/jobs/pipeline"
	"github.com/aidenerard/fluxspace-site/internal/jobs/stage"
	"github.com/aidenerard/fluxspace-site/internal/jobs/worker"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
	"github.com/aidenerard/fluxspace-site/internal/observability"
	"github.com/aidenerard/fluxspace-site/internal/platform/gcp"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
	"github.com/aidenerard/fluxspace-site/internal/realtime/bus"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

type Services struct {
	Bucket     gcp.BucketService
	Bus        bus.Bus
	Notifier   services.JobNotifier
	Auth       services.AuthService
	Quota      services.QuotaService
	Projects   services.ProjectService
	Jobs       services.JobService
	Workspaces *workspace.Manager
	Pool       *worker.Pool
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet Repos, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	bucket, err := resolveBucketService(log)
	if err != nil {
		return Services{}, err
	}

	var jobBus bus.Bus
	if cfg.RedisAddr != "" {
		jobBus, err = bus.NewRedisBusWithClient(log, goredis.NewClient(&goredis.Options{
			Addr:        cfg.RedisAddr,
			DialTimeout: 5 * time.Second,
		}), cfg.RedisChannel)
		if err != nil {
			_ = bucket.Close()
			return Services{}, fmt.Errorf("init redis bus: %w", err)
		}
	} else {
		log.Warn("REDIS_ADDR not set; job events will not be published")
	}
	notifier := services.NewJobNotifier(jobBus, log)

	closeAll := func() {
		if jobBus != nil {
			_ = jobBus.Close()
		}
		_ = bucket.Close()
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		closeAll()
		return Services{}, fmt.Errorf("init workspaces: %w", err)
	}

	stages := stage.DefaultPipeline(cfg.StageRuntime, cfg.StageScriptsDir)
	if cfg.StagesConfig != "" {
		stages, err = stage.LoadPipeline(cfg.StagesConfig, stages)
		if err != nil {
			closeAll()
			return Services{}, err
		}
	}
	log.Info("Stage pipeline resolved", "runtime", stages.Runtime, "scripts_dir", stages.ScriptsDir, "stages", len(stages.Stages))

	collector := artifacts.NewCollector(log, bucket, cfg.UploadParallel).WithMetrics(metrics)
	executor := pipeline.NewExecutor(log, stage.NewExecRunner(cfg.StageOutputLimit), stages, collector, pipeline.Options{
		MaxDuration: cfg.JobMaxDuration,
		Metrics:     metrics,
	})
	pool := worker.NewPool(log, worker.Config{
		Concurrency:      cfg.WorkerConcurrency,
		QueueSize:        cfg.WorkerQueueSize,
		PollInterval:     cfg.WorkerPoll,
		WatchdogInterval: cfg.WatchdogInterval,
		WorkspaceTTL:     cfg.WorkspaceTTL,
	}, reposet.Jobs, reposet.Uploads, bucket, workspaces, executor, notifier, metrics)

	quota := services.NewQuotaService(log, reposet.Usage, cfg.QuotaMonthlyJobs, metrics)
	projects := services.NewProjectService(log, reposet.Projects)
	jobs := services.NewJobService(log, services.JobServiceDeps{
		DB:              db,
		Jobs:            reposet.Jobs,
		Uploads:         reposet.Uploads,
		Projects:        projects,
		Quota:           quota,
		Bucket:          bucket,
		Workspaces:      workspaces,
		Dispatcher:      pool,
		Notify:          notifier,
		DispatchTimeout: cfg.DispatchTimeout,
	})

	return Services{
		Bucket:     bucket,
		Bus:        jobBus,
		Notifier:   notifier,
		Auth:       services.NewAuthService(log, cfg.JWTSecretKey),
		Quota:      quota,
		Projects:   projects,
		Jobs:       jobs,
		Workspaces: workspaces,
		Pool:       pool,
	}, nil
}
