package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/jobs/artifacts"
	"github.com/aidenerard/fluxspace-site/internal/jobs/runtime"
	"github.com/aidenerard/fluxspace-site/internal/jobs/stage"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
	"github.com/aidenerard/fluxspace-site/internal/observability"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

// ErrJobDeadline is the failure recorded when a job outlives its maximum duration.
var ErrJobDeadline = errors.New("job exceeded max duration")

const (
	DefaultMaxDuration = 15 * time.Minute

	stageCollect = "collect"
	stagePanic   = "panic"
)

type Collector interface {
	Collect(ctx context.Context, ws *workspace.Workspace, prefix string) (artifacts.Result, error)
}

type Executor struct {
	log         *logger.Logger
	runner      stage.Runner
	pipeline    stage.Pipeline
	collector   Collector
	metrics     *observability.Metrics
	tracer      trace.Tracer
	maxDuration time.Duration
}

type Options struct {
	MaxDuration time.Duration
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
}

func NewExecutor(baseLog *logger.Logger, runner stage.Runner, p stage.Pipeline, collector Collector, opts Options) *Executor {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer()
	}
	return &Executor{
		log:         baseLog.With("component", "PipelineExecutor"),
		runner:      runner,
		pipeline:    p,
		collector:   collector,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		maxDuration: opts.MaxDuration,
	}
}

func (e *Executor) MaxDuration() time.Duration { return e.maxDuration }

/*
Execute runs every stage in order against ws, starting from the staged input file, then
collects artifacts and finishes the job. It never returns an error: every outcome ends in
jc.Succeed or jc.Fail, including panics and the per-job deadline.
*/
func (e *Executor) Execute(jc *runtime.Context, ws *workspace.Workspace, input string) {
	start := time.Now()
	log := e.log.With("job_id", jc.Job.ID)

	parent := jc.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, e.maxDuration)
	defer cancel()
	jc.Ctx = ctx

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", "panic", r)
			jc.Fail(stagePanic, fmt.Errorf("internal error: %v", r))
		}
		e.metrics.ObserveJob(jc.Job.Status, time.Since(start))
	}()

	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("job.id", jc.Job.ID.String()),
	))
	defer span.End()

	params, err := jc.Params()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		jc.Fail("params", err)
		return
	}

	for i, c := range e.pipeline.Stages {
		header := fmt.Sprintf("Step %d: %s", i+1, c.Title)
		if i > 0 {
			header = "\n" + header
		}
		jc.Append(header)
		if err := jc.Progress(c.Name, c.Title); err != nil {
			if errors.Is(err, runtime.ErrTerminal) {
				log.Warn("job finished elsewhere; stopping", "stage", c.Name)
				return
			}
			log.Warn("persist progress failed", "stage", c.Name, "error", err)
		}

		next, err := e.runStage(ctx, jc, ws, c, input, params)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			jc.Fail(c.Name, e.failure(ctx, err))
			return
		}
		if next != "" {
			input = next
		}
		if err := jc.Progress(c.Name, "completed"); errors.Is(err, runtime.ErrTerminal) {
			return
		}
	}

	res, err := e.collector.Collect(ctx, ws, artifacts.KeyPrefix(jc.Job.OwnerUserID, jc.Job.ID))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		jc.Fail(stageCollect, e.failure(ctx, err))
		return
	}
	// Timed-out uploads come back as warnings; a deadline hit here still fails the job.
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		jc.Fail(stageCollect, e.failure(ctx, err))
		return
	}
	for _, w := range res.Warnings {
		jc.Append(w)
	}

	if err := jc.Succeed(runtime.Results{
		CSVURL:      res.GridCSVURL,
		PNGURL:      res.HeatmapPNGURL,
		Diagnostics: res.DiagnosticURLs,
	}); err != nil && !errors.Is(err, runtime.ErrTerminal) {
		log.Error("persist job result failed", "error", err)
	}
}

// runStage executes one contract and returns the path the next stage should read.
func (e *Executor) runStage(ctx context.Context, jc *runtime.Context, ws *workspace.Workspace, c stage.Contract, input string, params domainjobs.Params) (string, error) {
	ctx, span := e.tracer.Start(ctx, "stage."+c.Name, trace.WithAttributes(
		attribute.String("stage.script", c.Script),
		attribute.String("stage.version", c.Version),
	))
	defer span.End()

	inv := e.pipeline.Invocation(c, ws, input, params)
	res, err := e.runner.Run(ctx, inv)
	outcome := "ok"
	defer func() { e.metrics.ObserveStage(c.Name, outcome, res.Duration) }()
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("stage.exit_code", res.ExitCode))

	if out := strings.TrimRight(res.Stdout, "\n"); out != "" {
		jc.Append(out)
	}
	if warn := strings.TrimRight(res.Stderr, "\n"); warn != "" {
		jc.Append("WARNING: " + warn)
	}

	if _, err := c.Resolve(ws); err != nil {
		outcome = "missing_output"
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	next, _ := c.Primary(ws)
	return next, nil
}

func (e *Executor) failure(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w (%s)", ErrJobDeadline, e.maxDuration)
	}
	return err
}
