package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	types "github.com/aidenerard/fluxspace-site/internal/domain"
	"github.com/aidenerard/fluxspace-site/internal/jobs/pipeline"
	"github.com/aidenerard/fluxspace-site/internal/jobs/runtime"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
	"github.com/aidenerard/fluxspace-site/internal/observability"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/gcp"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Task is a job whose input is already staged in its own workspace.
type Task struct {
	Job       *types.Job
	Workspace *workspace.Workspace
	Input     string
}

// Downloader fetches raw uploads for jobs claimed from the queue.
type Downloader interface {
	DownloadFile(ctx context.Context, category gcp.BucketCategory, key string) (io.ReadCloser, error)
}

type Config struct {
	Concurrency      int
	QueueSize        int
	PollInterval     time.Duration
	WatchdogInterval time.Duration
	WorkspaceTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.QueueSize < 1 {
		c.QueueSize = 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Minute
	}
	return c
}

type Pool struct {
	log        *logger.Logger
	cfg        Config
	jobs       repos.JobRepo
	uploads    repos.UploadRepo
	bucket     Downloader
	workspaces *workspace.Manager
	executor   *pipeline.Executor
	notify     services.JobNotifier
	metrics    *observability.Metrics

	tasks     chan Task
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// sendMu is held shared by Submit across its send and exclusively by Close
	// before draining, so no task lands in tasks after the drain.
	sendMu sync.RWMutex
	closed bool
}

func NewPool(
	baseLog *logger.Logger,
	cfg Config,
	jobs repos.JobRepo,
	uploads repos.UploadRepo,
	bucket Downloader,
	workspaces *workspace.Manager,
	executor *pipeline.Executor,
	notify services.JobNotifier,
	metrics *observability.Metrics,
) *Pool {
	cfg = cfg.withDefaults()
	if notify == nil {
		notify = services.NopJobNotifier{}
	}
	return &Pool{
		log:        baseLog.With("component", "JobWorker"),
		cfg:        cfg,
		jobs:       jobs,
		uploads:    uploads,
		bucket:     bucket,
		workspaces: workspaces,
		executor:   executor,
		notify:     notify,
		metrics:    metrics,
		tasks:      make(chan Task, cfg.QueueSize),
		quit:       make(chan struct{}),
	}
}

// Start launches the workers and the janitor. They stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("Starting job worker pool", "concurrency", p.cfg.Concurrency, "queue_size", p.cfg.QueueSize)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i + 1
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runLoop(ctx, workerID)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.janitorLoop(ctx)
	}()
}

// Submit hands t to the pool, blocking until a slot frees up, ctx is done or the pool closes.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if t.Job == nil || t.Workspace == nil {
		return errors.New("task requires a job and a workspace")
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- t:
		p.metrics.SetPoolBacklog(len(p.tasks))
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return fmt.Errorf("dispatch job %s: %w", t.Job.ID, ctx.Err())
	}
}

// Dispatch submits a staged job. If the pool will not take it, the job is failed and its
// workspace removed before the error is returned.
func (p *Pool) Dispatch(ctx context.Context, job *types.Job, ws *workspace.Workspace, input string) error {
	err := p.Submit(ctx, Task{Job: job, Workspace: ws, Input: input})
	if err == nil {
		return nil
	}
	runtime.NewContext(ctx, job, p.jobs, p.notify).Fail("dispatch", err)
	if ws != nil {
		_ = p.workspaces.Destroy(ws.Dir)
	}
	return err
}

// Close stops accepting tasks, waits for running jobs to finish and fails whatever was still queued.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	p.sendMu.Lock()
	p.closed = true
	p.sendMu.Unlock()
	p.wg.Wait()
	for {
		select {
		case t := <-p.tasks:
			runtime.NewContext(context.Background(), t.Job, p.jobs, p.notify).Fail("dispatch", ErrPoolClosed)
			_ = p.workspaces.Destroy(t.Workspace.Dir)
		default:
			return
		}
	}
}

func (p *Pool) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-p.quit:
			p.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case t := <-p.tasks:
			p.metrics.SetPoolBacklog(len(p.tasks))
			p.run(ctx, workerID, t)
		case <-ticker.C:
			t, err := p.claim(ctx)
			if err != nil {
				p.log.Warn("claim queued job failed", "worker_id", workerID, "error", err)
				continue
			}
			if t == nil {
				continue
			}
			p.run(ctx, workerID, *t)
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID int, t Task) {
	jc := runtime.NewContext(ctx, t.Job, p.jobs, p.notify)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Job panic", "worker_id", workerID, "job_id", t.Job.ID, "panic", r)
			jc.Fail("panic", fmt.Errorf("internal error: %v", r))
		}
	}()
	p.log.Debug("Job started", "worker_id", workerID, "job_id", t.Job.ID, "workspace", t.Workspace.Dir)
	p.executor.Execute(jc, t.Workspace, t.Input)
	p.log.Info("Job finished", "worker_id", workerID, "job_id", t.Job.ID, "status", t.Job.Status)
}

// claim moves the oldest queued job to processing and stages its upload in a fresh workspace.
// A job that was claimed but cannot be staged is failed so it never sits in processing unowned.
func (p *Pool) claim(ctx context.Context) (*Task, error) {
	job, err := p.jobs.ClaimNextQueued(dbctx.Context{Ctx: ctx})
	if err != nil || job == nil {
		return nil, err
	}
	t, err := p.stage(ctx, job)
	if err != nil {
		runtime.NewContext(ctx, job, p.jobs, p.notify).Fail("stage_input", err)
		return nil, nil
	}
	return t, nil
}

func (p *Pool) stage(ctx context.Context, job *types.Job) (*Task, error) {
	upload, err := p.uploads.GetByID(dbctx.Context{Ctx: ctx}, job.UploadID)
	if err != nil {
		return nil, fmt.Errorf("load upload: %w", err)
	}
	if upload == nil {
		return nil, fmt.Errorf("upload %s not found", job.UploadID)
	}
	if p.bucket == nil {
		return nil, errors.New("no object storage configured")
	}
	rc, err := p.bucket.DownloadFile(ctx, gcp.BucketCategoryUploads, upload.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("download upload: %w", err)
	}
	defer rc.Close()

	ws, err := p.workspaces.Create(job.ID)
	if err != nil {
		return nil, err
	}
	input, _, err := ws.StageInput(rc)
	if err != nil {
		_ = p.workspaces.Destroy(ws.Dir)
		return nil, err
	}
	return &Task{Job: job, Workspace: ws, Input: input}, nil
}
