package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	"github.com/aidenerard/fluxspace-site/internal/data/repos/testutil"
	types "github.com/aidenerard/fluxspace-site/internal/domain"
	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(ev string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) JobCreated(uuid.UUID, *types.Job) { n.add("created") }
func (n *recordingNotifier) JobProgress(_ uuid.UUID, _ *types.Job, stage, _ string) {
	n.add("progress:" + stage)
}
func (n *recordingNotifier) JobFailed(_ uuid.UUID, _ *types.Job, stage, _ string) {
	n.add("failed:" + stage)
}
func (n *recordingNotifier) JobDone(uuid.UUID, *types.Job) { n.add("done") }

func seedJob(t *testing.T, repo repos.JobRepo) *types.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &types.Job{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		ProjectID:   uuid.New(),
		UploadID:    uuid.New(),
		Status:      domainjobs.StatusProcessing,
		StartedAt:   &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := repo.Create(dbctx.Context{Ctx: context.Background()}, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestContextAppendAndProgressPersistsLog(t *testing.T) {
	db := testutil.SQLite(t)
	repo := repos.NewJobRepo(db, testutil.Logger(t))
	job := seedJob(t, repo)
	n := &recordingNotifier{}
	jc := NewContext(context.Background(), job, repo, n)

	jc.Append("Step 1: Validating and cleaning data...")
	jc.Append("rows=50")
	if err := jc.Progress("validate", "running"); err != nil {
		t.Fatalf("Progress: %v", err)
	}

	got, err := repo.GetByID(dbctx.Context{Ctx: context.Background()}, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	want := "Step 1: Validating and cleaning data...\nrows=50"
	if got.Logs != want {
		t.Fatalf("logs: want=%q got=%q", want, got.Logs)
	}
	if len(n.events) != 1 || n.events[0] != "progress:validate" {
		t.Fatalf("events: got=%v", n.events)
	}
}

func TestContextFailIsTerminalAndFirstWins(t *testing.T) {
	db := testutil.SQLite(t)
	repo := repos.NewJobRepo(db, testutil.Logger(t))
	job := seedJob(t, repo)
	n := &recordingNotifier{}
	jc := NewContext(context.Background(), job, repo, n)

	jc.Append("Step 1: Validating and cleaning data...")
	jc.Fail("validate", errors.New("stage validate failed (exit code 2)"))
	jc.Fail("validate", errors.New("second"))

	if err := jc.Succeed(Results{}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("Succeed after Fail: want ErrTerminal got=%v", err)
	}

	got, _ := repo.GetByID(dbctx.Context{Ctx: context.Background()}, job.ID)
	if got.Status != domainjobs.StatusFailed {
		t.Fatalf("status: want=failed got=%q", got.Status)
	}
	if !strings.HasSuffix(got.Logs, "\n\nERROR: stage validate failed (exit code 2)") {
		t.Fatalf("logs: got=%q", got.Logs)
	}
	if strings.Contains(got.Logs, "second") {
		t.Fatalf("second failure recorded: %q", got.Logs)
	}
	if got.FinishedAt == nil {
		t.Fatalf("finished_at not set")
	}
	if len(n.events) != 1 || n.events[0] != "failed:validate" {
		t.Fatalf("events: got=%v", n.events)
	}
}

func TestContextFailAfterDeadlineStillPersists(t *testing.T) {
	db := testutil.SQLite(t)
	repo := repos.NewJobRepo(db, testutil.Logger(t))
	job := seedJob(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jc := NewContext(ctx, job, repo, nil)
	jc.Fail("anomaly", context.DeadlineExceeded)

	got, _ := repo.GetByID(dbctx.Context{Ctx: context.Background()}, job.ID)
	if got.Status != domainjobs.StatusFailed {
		t.Fatalf("status: want=failed got=%q", got.Status)
	}
}

func TestContextSucceedRecordsResults(t *testing.T) {
	db := testutil.SQLite(t)
	repo := repos.NewJobRepo(db, testutil.Logger(t))
	job := seedJob(t, repo)
	n := &recordingNotifier{}
	jc := NewContext(context.Background(), job, repo, n)

	csv := "https://cdn.example.com/u/j/grid.csv"
	if err := jc.Succeed(Results{CSVURL: &csv, Diagnostics: []string{"https://cdn.example.com/u/j/diagnostics/hist.png"}}); err != nil {
		t.Fatalf("Succeed: %v", err)
	}

	got, _ := repo.GetByID(dbctx.Context{Ctx: context.Background()}, job.ID)
	if got.Status != domainjobs.StatusDone {
		t.Fatalf("status: want=done got=%q", got.Status)
	}
	if got.ResultCSVURL == nil || *got.ResultCSVURL != csv {
		t.Fatalf("result_csv_url: want=%q got=%v", csv, got.ResultCSVURL)
	}
	if got.ResultPNGURL != nil {
		t.Fatalf("result_png_url: want nil got=%q", *got.ResultPNGURL)
	}
	if !strings.Contains(string(got.DiagnosticURLs), "hist.png") {
		t.Fatalf("diagnostic_urls: got=%s", got.DiagnosticURLs)
	}

	logsBefore := got.Logs
	jc2 := NewContext(context.Background(), got, repo, n)
	jc2.Fail("late", errors.New("late failure"))
	again, _ := repo.GetByID(dbctx.Context{Ctx: context.Background()}, job.ID)
	if again.Status != domainjobs.StatusDone || again.Logs != logsBefore {
		t.Fatalf("terminal job changed: status=%q logs=%q", again.Status, again.Logs)
	}
	if got.Logs != logsBefore || got.Status != domainjobs.StatusDone {
		t.Fatalf("in-memory job changed: status=%q logs=%q", got.Status, got.Logs)
	}
}

func TestContextFailRejectedWriteLeavesJobUntouched(t *testing.T) {
	db := testutil.SQLite(t)
	repo := repos.NewJobRepo(db, testutil.Logger(t))
	job := seedJob(t, repo)
	dbc := dbctx.Context{Ctx: context.Background()}

	// Another writer finishes the row behind this context's back.
	if _, err := repo.UpdateFieldsUnlessStatus(dbc, job.ID, domainjobs.TerminalStatuses, map[string]interface{}{
		"status": domainjobs.StatusDone,
	}); err != nil {
		t.Fatalf("finish job: %v", err)
	}

	jc := NewContext(context.Background(), job, repo, nil)
	jc.Append("Step 1: ok")
	jc.Fail("grid", errors.New("boom"))
	if strings.Contains(job.Logs, "ERROR") || job.Status != domainjobs.StatusProcessing {
		t.Fatalf("rejected Fail mutated job: status=%q logs=%q", job.Status, job.Logs)
	}
}

func TestContextLogsAreValidUTF8(t *testing.T) {
	db := testutil.SQLite(t)
	repo := repos.NewJobRepo(db, testutil.Logger(t))
	job := seedJob(t, repo)
	jc := NewContext(context.Background(), job, repo, nil)

	jc.Append("caf\xe9\x00 ok")
	jc.Fail("validate", errors.New("bad byte \xff"))

	got, _ := repo.GetByID(dbctx.Context{Ctx: context.Background()}, job.ID)
	if got.Status != domainjobs.StatusFailed {
		t.Fatalf("status: want=failed got=%q", got.Status)
	}
	if !utf8.ValidString(got.Logs) || strings.Contains(got.Logs, "\x00") {
		t.Fatalf("logs not clean: %q", got.Logs)
	}
	if !strings.Contains(got.Logs, "caf\uFFFD ok") || !strings.Contains(got.Logs, "ERROR: bad byte \uFFFD") {
		t.Fatalf("logs: got=%q", got.Logs)
	}
}

func TestDetail(t *testing.T) {
	if got := Detail("abc\n", 10); got != "abc" {
		t.Fatalf("Detail short: got=%q", got)
	}
	if got := Detail("0123456789", 4); got != "...6789" {
		t.Fatalf("Detail long: got=%q", got)
	}
	if got := Detail("aé", 1); got != "..." {
		t.Fatalf("Detail split rune: got=%q", got)
	}
}
