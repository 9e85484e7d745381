package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	types "github.com/aidenerard/fluxspace-site/internal/domain"
	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

// Metrics is the process-wide Prometheus registry. Every method is safe on a nil receiver,
// so callers never check whether metrics are enabled.
type Metrics struct {
	apiRequests      *CounterVec
	apiLatency       *HistogramVec
	apiInflight      *Gauge
	jobsFinished     *CounterVec
	jobDuration      *HistogramVec
	stageDuration    *HistogramVec
	artifactUploads  *CounterVec
	quotaDecisions   *CounterVec
	queueDepth       *GaugeVec
	poolBacklog      *Gauge
	workspacesReaped *Counter
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	d := envutil.Duration("METRICS_SCRAPE_INTERVAL", 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Init builds the registry once. It returns nil unless METRICS_ENABLED is set.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = newMetrics()
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("fs_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"fs_api_request_duration_seconds",
			"API request latency in seconds by method/route/status.",
			[]string{"method", "route", "status"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		),
		apiInflight:  NewGauge("fs_api_inflight_requests", "In-flight API requests."),
		jobsFinished: NewCounterVec("fs_jobs_finished_total", "Jobs that reached a terminal status.", []string{"status"}),
		jobDuration: NewHistogramVec(
			"fs_job_duration_seconds",
			"Wall time from job start to terminal status.",
			[]string{"status"},
			[]float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		),
		stageDuration: NewHistogramVec(
			"fs_stage_duration_seconds",
			"Stage process duration by stage/outcome.",
			[]string{"stage", "outcome"},
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		),
		artifactUploads:  NewCounterVec("fs_artifact_uploads_total", "Result artifact uploads by kind/outcome.", []string{"kind", "outcome"}),
		quotaDecisions:   NewCounterVec("fs_quota_decisions_total", "Quota gate decisions.", []string{"decision"}),
		queueDepth:       NewGaugeVec("fs_jobs_by_status", "Jobs currently stored per status.", []string{"status"}),
		poolBacklog:      NewGauge("fs_worker_backlog", "Tasks waiting in the worker pool channel."),
		workspacesReaped: NewCounter("fs_workspaces_reaped_total", "Workspaces removed by the reaper."),
	}
}

func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(m.WriteHTTP)
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.jobsFinished, m.jobDuration, m.stageDuration,
		m.artifactUploads, m.quotaDecisions,
		m.queueDepth, m.poolBacklog, m.workspacesReaped,
	}
	for _, mw := range writers {
		if err := mw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) APIInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) APIInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveJob(status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.Inc(status)
	if dur > 0 {
		m.jobDuration.Observe(dur.Seconds(), status)
	}
}

func (m *Metrics) ObserveStage(stage, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Observe(dur.Seconds(), stage, outcome)
}

func (m *Metrics) IncArtifactUpload(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.artifactUploads.Inc(kind, outcome)
}

func (m *Metrics) IncQuotaDecision(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.quotaDecisions.Inc("accepted")
		return
	}
	m.quotaDecisions.Inc("rejected")
}

func (m *Metrics) SetPoolBacklog(n int) {
	if m == nil {
		return
	}
	m.poolBacklog.Set(float64(n))
}

func (m *Metrics) AddWorkspacesReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.workspacesReaped.Add(float64(n))
}

// StartJobStatusCollector refreshes the per-status job gauge every scrape interval.
func (m *Metrics) StartJobStatusCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []string{domainjobs.StatusQueued, domainjobs.StatusProcessing, domainjobs.StatusDone, domainjobs.StatusFailed}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.collectJobStatuses(ctx, db, statuses); err != nil && log != nil {
					log.Warn("metrics: job status query failed", "error", err)
				}
			}
		}
	}()
}

func (m *Metrics) collectJobStatuses(ctx context.Context, db *gorm.DB, statuses []string) error {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.WithContext(ctx).
		Model(&types.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	for _, s := range statuses {
		m.queueDepth.Set(0, s)
	}
	for _, row := range rows {
		status := strings.TrimSpace(row.Status)
		if status == "" {
			status = "unknown"
		}
		m.queueDepth.Set(float64(row.Count), status)
	}
	return nil
}
