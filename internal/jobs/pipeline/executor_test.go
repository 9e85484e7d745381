package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	"github.com/aidenerard/fluxspace-site/internal/data/repos/testutil"
	types "github.com/aidenerard/fluxspace-site/internal/domain"
	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/jobs/artifacts"
	"github.com/aidenerard/fluxspace-site/internal/jobs/runtime"
	"github.com/aidenerard/fluxspace-site/internal/jobs/stage"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/gcp"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

const (
	validateOK = `echo "validated 50 rows"
cp "$2" data/processed/mag_data_clean.csv
`
	anomalyOK = `echo "anomaly radius $4"
cp "$2" data/processed/mag_data_anomaly.csv
echo png > data/processed/mag_data_anomaly_hist.png
`
	heatmapOK = `echo "grid,ok" > data/exports/mag_data_anomaly_grid.csv
echo png > data/exports/mag_data_anomaly_heatmap.png
echo "interpolated"
echo "sparse coverage" 1>&2
`
)

type fakeBucket struct {
	mu       sync.Mutex
	failKeys map[string]bool
	keys     []string
}

func (b *fakeBucket) UploadFile(_ dbctx.Context, _ gcp.BucketCategory, key string, file io.Reader) error {
	if b.failKeys[key] {
		return errors.New("connection reset")
	}
	if _, err := io.ReadAll(file); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	return nil
}

func (b *fakeBucket) GetPublicURL(_ gcp.BucketCategory, key string) string {
	return "https://results.example.com/" + key
}

type harness struct {
	repo   repos.JobRepo
	job    *types.Job
	ws     *workspace.Workspace
	input  string
	bucket *fakeBucket
	exec   *Executor
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func newHarness(t *testing.T, scripts map[string]string, maxDuration time.Duration, failKeys ...string) *harness {
	t.Helper()
	requireShell(t)

	scriptsDir := t.TempDir()
	p := stage.DefaultPipeline("/bin/sh", scriptsDir)
	for _, c := range p.Stages {
		body, ok := scripts[c.Name]
		if !ok {
			body = "exit 0\n"
		}
		if err := os.WriteFile(filepath.Join(scriptsDir, c.Script), []byte(body), 0o755); err != nil {
			t.Fatalf("write %s: %v", c.Script, err)
		}
	}

	db := testutil.SQLite(t)
	repo := repos.NewJobRepo(db, testutil.Logger(t))
	now := time.Now().UTC()
	params, _ := domainjobs.DefaultParams().JSON()
	job := &types.Job{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		ProjectID:   uuid.New(),
		UploadID:    uuid.New(),
		Status:      domainjobs.StatusProcessing,
		Params:      params,
		StartedAt:   &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := repo.Create(dbctx.Context{Ctx: context.Background()}, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	m, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ws, err := m.Create(job.ID)
	if err != nil {
		t.Fatalf("Create workspace: %v", err)
	}
	input, _, err := ws.StageInput(strings.NewReader("x,y,B_total\n0,0,1\n"))
	if err != nil {
		t.Fatalf("StageInput: %v", err)
	}

	keys := map[string]bool{}
	for _, k := range failKeys {
		keys[k] = true
	}
	bucket := &fakeBucket{failKeys: keys}
	log := logger.Nop()
	collector := artifacts.NewCollector(log, bucket, 2)
	exec := NewExecutor(log, stage.NewExecRunner(0), p, collector, Options{MaxDuration: maxDuration})

	return &harness{repo: repo, job: job, ws: ws, input: input, bucket: bucket, exec: exec}
}

func (h *harness) run(t *testing.T) *types.Job {
	t.Helper()
	jc := runtime.NewContext(context.Background(), h.job, h.repo, nil)
	h.exec.Execute(jc, h.ws, h.input)
	got, err := h.repo.GetByID(dbctx.Context{Ctx: context.Background()}, h.job.ID)
	if err != nil || got == nil {
		t.Fatalf("reload job: %v", err)
	}
	return got
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t, map[string]string{
		stage.NameValidate: validateOK,
		stage.NameAnomaly:  anomalyOK,
		stage.NameHeatmap:  heatmapOK,
	}, time.Minute)

	got := h.run(t)
	if got.Status != domainjobs.StatusDone {
		t.Fatalf("status: want=done got=%q logs=%q", got.Status, got.Logs)
	}
	wantCSV := "https://results.example.com/" + got.OwnerUserID.String() + "/" + got.ID.String() + "/grid.csv"
	if got.ResultCSVURL == nil || *got.ResultCSVURL != wantCSV {
		t.Fatalf("result_csv_url: want=%q got=%v", wantCSV, got.ResultCSVURL)
	}
	if got.ResultPNGURL == nil {
		t.Fatalf("result_png_url not set")
	}
	if !strings.Contains(string(got.DiagnosticURLs), "diagnostics/mag_data_anomaly_hist.png") {
		t.Fatalf("diagnostic_urls: got=%s", got.DiagnosticURLs)
	}
	for _, want := range []string{
		"Step 1: Validating and cleaning data...\nvalidated 50 rows",
		"\n\nStep 2: Computing local anomalies...\nanomaly radius 0.1",
		"\n\nStep 3: Generating heatmap...\ninterpolated\nWARNING: sparse coverage",
	} {
		if !strings.Contains(got.Logs, want) {
			t.Fatalf("logs missing %q:\n%s", want, got.Logs)
		}
	}
	if strings.Contains(got.Logs, "ERROR:") {
		t.Fatalf("unexpected error line: %s", got.Logs)
	}
}

func TestExecuteStageTwoFailureStopsPipeline(t *testing.T) {
	h := newHarness(t, map[string]string{
		stage.NameValidate: validateOK,
		stage.NameAnomaly:  "echo 'radius must be positive' 1>&2\nexit 2\n",
		stage.NameHeatmap:  "touch heatmap_ran\n" + heatmapOK,
	}, time.Minute)

	got := h.run(t)
	if got.Status != domainjobs.StatusFailed {
		t.Fatalf("status: want=failed got=%q", got.Status)
	}
	if got.ResultCSVURL != nil || got.ResultPNGURL != nil {
		t.Fatalf("result urls should be empty: csv=%v png=%v", got.ResultCSVURL, got.ResultPNGURL)
	}
	okAt := strings.Index(got.Logs, "validated 50 rows")
	errAt := strings.Index(got.Logs, "\nERROR: ")
	if okAt < 0 || errAt < okAt {
		t.Fatalf("log order: want stage 1 output before ERROR line:\n%s", got.Logs)
	}
	if !strings.Contains(got.Logs[errAt:], "radius must be positive") {
		t.Fatalf("failure detail missing:\n%s", got.Logs)
	}
	if strings.Contains(got.Logs, "Step 3") {
		t.Fatalf("stage 3 announced after failure:\n%s", got.Logs)
	}
	exports, _ := h.ws.List(workspace.ZoneExports, "")
	if len(exports) != 0 {
		t.Fatalf("exports should be empty: %v", exports)
	}
	if workspace.Exists(filepath.Join(h.ws.Dir, "heatmap_ran")) {
		t.Fatalf("stage 3 was invoked")
	}
	if len(h.bucket.keys) != 0 {
		t.Fatalf("nothing should be uploaded: %v", h.bucket.keys)
	}
}

func TestExecuteHeatmapUploadFailureStillDone(t *testing.T) {
	h := newHarness(t, map[string]string{
		stage.NameValidate: validateOK,
		stage.NameAnomaly:  anomalyOK,
		stage.NameHeatmap:  heatmapOK,
	}, time.Minute)
	h.bucket.failKeys[artifacts.KeyPrefix(h.job.OwnerUserID, h.job.ID)+"/heatmap.png"] = true

	got := h.run(t)
	if got.Status != domainjobs.StatusDone {
		t.Fatalf("status: want=done got=%q", got.Status)
	}
	if got.ResultCSVURL == nil {
		t.Fatalf("grid url should be set")
	}
	if got.ResultPNGURL != nil {
		t.Fatalf("heatmap url: want nil got=%q", *got.ResultPNGURL)
	}
	if !strings.Contains(got.Logs, "WARNING: upload heatmap_png failed: connection reset") {
		t.Fatalf("upload warning missing:\n%s", got.Logs)
	}
}

func TestExecuteMissingRequiredOutput(t *testing.T) {
	h := newHarness(t, map[string]string{
		stage.NameValidate: "echo 'wrote nothing'\n",
	}, time.Minute)

	got := h.run(t)
	if got.Status != domainjobs.StatusFailed {
		t.Fatalf("status: want=failed got=%q", got.Status)
	}
	if !strings.Contains(got.Logs, "ERROR: stage validate: missing stage output: data/processed/mag_data_clean.csv") {
		t.Fatalf("missing output detail:\n%s", got.Logs)
	}
}

func TestExecuteDeadline(t *testing.T) {
	h := newHarness(t, map[string]string{
		stage.NameValidate: "exec sleep 5\n",
	}, 200*time.Millisecond)

	start := time.Now()
	got := h.run(t)
	if time.Since(start) > 4*time.Second {
		t.Fatalf("deadline not enforced: %s", time.Since(start))
	}
	if got.Status != domainjobs.StatusFailed {
		t.Fatalf("status: want=failed got=%q", got.Status)
	}
	if !strings.Contains(got.Logs, "ERROR: job exceeded max duration") {
		t.Fatalf("deadline detail missing:\n%s", got.Logs)
	}
}

// stalledCollector waits out the job deadline and reports nothing, the way the real
// collector does when every upload times out.
type stalledCollector struct{}

func (stalledCollector) Collect(ctx context.Context, _ *workspace.Workspace, _ string) (artifacts.Result, error) {
	<-ctx.Done()
	return artifacts.Result{Warnings: []string{"WARNING: grid upload failed: " + ctx.Err().Error()}}, nil
}

func TestExecuteDeadlineDuringCollect(t *testing.T) {
	h := newHarness(t, map[string]string{
		stage.NameValidate: validateOK,
		stage.NameAnomaly:  anomalyOK,
		stage.NameHeatmap:  heatmapOK,
	}, time.Second)
	h.exec.collector = stalledCollector{}

	got := h.run(t)
	if got.Status != domainjobs.StatusFailed {
		t.Fatalf("status: want=failed got=%q logs=%q", got.Status, got.Logs)
	}
	if !strings.Contains(got.Logs, "ERROR: job exceeded max duration") {
		t.Fatalf("deadline detail missing:\n%s", got.Logs)
	}
	if got.ResultCSVURL != nil || got.ResultPNGURL != nil {
		t.Fatalf("results recorded for a failed job: csv=%v png=%v", got.ResultCSVURL, got.ResultPNGURL)
	}
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, stage.Invocation) (stage.Result, error) {
	panic("runner exploded")
}

func TestExecuteRecoversPanic(t *testing.T) {
	h := newHarness(t, nil, time.Minute)
	h.exec.runner = panicRunner{}

	got := h.run(t)
	if got.Status != domainjobs.StatusFailed {
		t.Fatalf("status: want=failed got=%q", got.Status)
	}
	if !strings.Contains(got.Logs, "ERROR: internal error: runner exploded") {
		t.Fatalf("panic detail missing:\n%s", got.Logs)
	}
}

func TestExecuteSkipsTerminalJob(t *testing.T) {
	h := newHarness(t, map[string]string{stage.NameValidate: "touch validate_ran\n" + validateOK}, time.Minute)
	if _, err := h.repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: context.Background()}, h.job.ID, nil, map[string]interface{}{
		"status": domainjobs.StatusFailed,
		"logs":   "ERROR: job exceeded max duration",
	}); err != nil {
		t.Fatalf("seed terminal: %v", err)
	}

	got := h.run(t)
	if got.Status != domainjobs.StatusFailed || got.Logs != "ERROR: job exceeded max duration" {
		t.Fatalf("terminal job changed: status=%q logs=%q", got.Status, got.Logs)
	}
	if workspace.Exists(filepath.Join(h.ws.Dir, "validate_ran")) {
		t.Fatalf("stage ran for a terminal job")
	}
}
