package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	"github.com/aidenerard/fluxspace-site/internal/data/repos/testutil"
	types "github.com/aidenerard/fluxspace-site/internal/domain"
	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/apierr"
	"github.com/aidenerard/fluxspace-site/internal/platform/ctxutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/gcp"
)

const sampleCSV = "x,y,B_total\n0,0,48000.1\n0.1,0,48000.4\n"

type memStore struct {
	mu      sync.Mutex
	objects map[string]string
	deleted []string
}

func (s *memStore) UploadFile(_ dbctx.Context, _ gcp.BucketCategory, key string, file io.Reader) error {
	b, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = string(b)
	return nil
}

func (s *memStore) DeleteFile(_ dbctx.Context, _ gcp.BucketCategory, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *memStore) GetPublicURL(_ gcp.BucketCategory, key string) string {
	return "https://uploads.example.com/" + key
}

type recordingDispatcher struct {
	mu     sync.Mutex
	inputs map[uuid.UUID]string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job *types.Job, _ *workspace.Workspace, input string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs[job.ID] = input
	return nil
}

// lenientQuota skips the pre-flight check so the transactional reservation is what rejects.
type lenientQuota struct{ QuotaService }

func (lenientQuota) Check(dbctx.Context, uuid.UUID, string) error { return nil }

type jobEnv struct {
	db         *gorm.DB
	svc        JobService
	quota      QuotaService
	usage      repos.UsageRepo
	projects   ProjectService
	uploads    repos.UploadRepo
	store      *memStore
	dispatcher *recordingDispatcher
	workspaces *workspace.Manager
}

func newJobEnv(t *testing.T, limit int, lenient bool) *jobEnv {
	t.Helper()
	db := testutil.SQLite(t)
	log := testutil.Logger(t)
	env := &jobEnv{
		db:         db,
		usage:      repos.NewUsageRepo(db, log),
		uploads:    repos.NewUploadRepo(db, log),
		store:      &memStore{objects: map[string]string{}},
		dispatcher: &recordingDispatcher{inputs: map[uuid.UUID]string{}},
	}
	env.quota = NewQuotaService(log, env.usage, limit, nil)
	env.projects = NewProjectService(log, repos.NewProjectRepo(db, log))
	m, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.workspaces = m

	quota := env.quota
	if lenient {
		quota = lenientQuota{env.quota}
	}
	env.svc = NewJobService(log, JobServiceDeps{
		DB:         db,
		Jobs:       repos.NewJobRepo(db, log),
		Uploads:    env.uploads,
		Projects:   env.projects,
		Quota:      quota,
		Bucket:     env.store,
		Workspaces: m,
		Dispatcher: env.dispatcher,
	})
	return env
}

func userCtx(userID uuid.UUID) dbctx.Context {
	return dbctx.Context{Ctx: ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{UserID: userID})}
}

func (e *jobEnv) project(t *testing.T, user uuid.UUID) *types.Project {
	t.Helper()
	p, err := e.projects.CreateForRequestUser(userCtx(user), "survey field A")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (e *jobEnv) countJobs(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(&types.Job{}).Count(&n).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	return n
}

func (e *jobEnv) workspaceDirs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.workspaces.Root())
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	return len(entries)
}

func processReq(projectID uuid.UUID) ProcessRequest {
	return ProcessRequest{
		ProjectID: projectID,
		Filename:  "mag data.csv",
		File:      strings.NewReader(sampleCSV),
		Params:    domainjobs.DefaultParams(),
	}
}

func TestProcessAcceptsAndDispatches(t *testing.T) {
	env := newJobEnv(t, 3, false)
	user := uuid.New()
	p := env.project(t, user)

	job, err := env.svc.Process(userCtx(user), processReq(p.ID))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.Status != domainjobs.StatusProcessing || job.StartedAt == nil {
		t.Fatalf("job: status=%q started_at=%v", job.Status, job.StartedAt)
	}

	input := env.dispatcher.inputs[job.ID]
	if input == "" {
		t.Fatalf("job was not dispatched")
	}
	staged, err := os.ReadFile(input)
	if err != nil || string(staged) != sampleCSV {
		t.Fatalf("staged input: got=%q err=%v", staged, err)
	}

	upload, err := env.uploads.GetByID(userCtx(user), job.UploadID)
	if err != nil || upload == nil {
		t.Fatalf("upload row: %v %v", upload, err)
	}
	wantKey := UploadKey(user, p.ID, upload.ID, "mag_data.csv")
	if upload.StorageKey != wantKey || upload.SizeBytes != int64(len(sampleCSV)) {
		t.Fatalf("upload: key=%q size=%d", upload.StorageKey, upload.SizeBytes)
	}
	if env.store.objects[wantKey] != sampleCSV {
		t.Fatalf("raw blob not stored under %q", wantKey)
	}

	uc, err := env.quota.Usage(userCtx(user), user, env.quota.CurrentMonth())
	if err != nil || uc.JobsUsed != 1 || uc.StorageUsedBytes != int64(len(sampleCSV)) {
		t.Fatalf("usage: got=%+v err=%v", uc, err)
	}
}

func TestProcessRejectsAtQuotaWithoutSideEffects(t *testing.T) {
	env := newJobEnv(t, 3, false)
	user := uuid.New()
	p := env.project(t, user)
	for i := 0; i < 3; i++ {
		if _, err := env.svc.Process(userCtx(user), processReq(p.ID)); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}
	blobs := len(env.store.objects)

	_, err := env.svc.Process(userCtx(user), processReq(p.ID))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("4th Process: want ErrQuotaExceeded got=%v", err)
	}
	if ae := apierr.From(err, "x"); ae.Status != http.StatusTooManyRequests {
		t.Fatalf("status: want=429 got=%d", ae.Status)
	}
	if n := env.countJobs(t); n != 3 {
		t.Fatalf("jobs: want=3 got=%d", n)
	}
	if len(env.store.objects) != blobs {
		t.Fatalf("blobs: want=%d got=%d", blobs, len(env.store.objects))
	}
	uc, _ := env.quota.Usage(userCtx(user), user, env.quota.CurrentMonth())
	if uc.JobsUsed != 3 {
		t.Fatalf("jobs_used: want=3 got=%d", uc.JobsUsed)
	}
}

func TestProcessReservationRaceCleansUp(t *testing.T) {
	env := newJobEnv(t, 1, true)
	user := uuid.New()
	p := env.project(t, user)
	if _, err := env.quota.Reserve(userCtx(user), user, env.quota.CurrentMonth()); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	_, err := env.svc.Process(userCtx(user), processReq(p.ID))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Process: want ErrQuotaExceeded got=%v", err)
	}
	if len(env.store.deleted) != 1 || len(env.store.objects) != 0 {
		t.Fatalf("orphan blob: deleted=%v left=%v", env.store.deleted, env.store.objects)
	}
	if n := env.workspaceDirs(t); n != 0 {
		t.Fatalf("workspaces left behind: %d", n)
	}
	if n := env.countJobs(t); n != 0 {
		t.Fatalf("jobs: want=0 got=%d", n)
	}
	var uploads int64
	env.db.Model(&types.Upload{}).Count(&uploads)
	if uploads != 0 {
		t.Fatalf("uploads: want=0 got=%d", uploads)
	}
}

func TestProcessConcurrentSubmissionsRespectLimit(t *testing.T) {
	env := newJobEnv(t, 3, true)
	user := uuid.New()
	p := env.project(t, user)

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Process(userCtx(user), processReq(p.ID))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !errors.Is(err, ErrQuotaExceeded) {
				t.Errorf("Process: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 3 {
		t.Fatalf("accepted: want=3 got=%d", accepted)
	}
	uc, _ := env.quota.Usage(userCtx(user), user, env.quota.CurrentMonth())
	if uc.JobsUsed != 3 {
		t.Fatalf("jobs_used: want=3 got=%d", uc.JobsUsed)
	}
	if n := env.countJobs(t); n != 3 {
		t.Fatalf("jobs: want=3 got=%d", n)
	}
}

func TestProcessValidation(t *testing.T) {
	env := newJobEnv(t, 3, false)
	user := uuid.New()
	p := env.project(t, user)

	bad := processReq(p.ID)
	bad.Params.Radius = 0
	noFile := processReq(p.ID)
	noFile.File = nil

	cases := []struct {
		name string
		dbc  dbctx.Context
		req  ProcessRequest
		code int
	}{
		{"invalid radius", userCtx(user), bad, http.StatusBadRequest},
		{"missing file", userCtx(user), noFile, http.StatusBadRequest},
		{"missing project", userCtx(user), processReq(uuid.Nil), http.StatusBadRequest},
		{"foreign project", userCtx(uuid.New()), processReq(p.ID), http.StatusNotFound},
		{"anonymous", dbctx.Context{Ctx: context.Background()}, processReq(p.ID), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		_, err := env.svc.Process(tc.dbc, tc.req)
		if ae := apierr.From(err, "x"); ae == nil || ae.Status != tc.code {
			t.Fatalf("%s: want status=%d got=%v", tc.name, tc.code, err)
		}
	}
	if n := env.countJobs(t); n != 0 {
		t.Fatalf("jobs: want=0 got=%d", n)
	}
	if len(env.store.objects) != 0 || env.workspaceDirs(t) != 0 {
		t.Fatalf("validation failures must not touch storage")
	}
	uc, _ := env.quota.Usage(userCtx(user), user, env.quota.CurrentMonth())
	if uc.JobsUsed != 0 {
		t.Fatalf("jobs_used: want=0 got=%d", uc.JobsUsed)
	}
}

func TestCreateQueuesJobOverUpload(t *testing.T) {
	env := newJobEnv(t, 3, false)
	user := uuid.New()
	p := env.project(t, user)
	upload := &types.Upload{
		ID:          uuid.New(),
		ProjectID:   p.ID,
		OwnerUserID: user,
		Filename:    "mag_data.csv",
		SizeBytes:   10,
		StorageKey:  "k",
	}
	if _, err := env.uploads.Create(userCtx(user), upload); err != nil {
		t.Fatalf("create upload: %v", err)
	}

	job, err := env.svc.Create(userCtx(user), CreateJobRequest{ProjectID: p.ID, UploadID: upload.ID, Params: domainjobs.DefaultParams()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != domainjobs.StatusQueued || job.StartedAt != nil {
		t.Fatalf("job: status=%q started_at=%v", job.Status, job.StartedAt)
	}
	if len(env.dispatcher.inputs) != 0 {
		t.Fatalf("queued jobs are claimed by workers, not dispatched")
	}

	_, err = env.svc.Create(userCtx(user), CreateJobRequest{ProjectID: p.ID, UploadID: uuid.New(), Params: domainjobs.DefaultParams()})
	if ae := apierr.From(err, "x"); ae == nil || ae.Status != http.StatusNotFound || ae.Code != "upload_not_found" {
		t.Fatalf("missing upload: got=%v", err)
	}
}

func TestGetForRequestUserHidesOtherUsersJobs(t *testing.T) {
	env := newJobEnv(t, 3, false)
	user := uuid.New()
	p := env.project(t, user)
	job, err := env.svc.Process(userCtx(user), processReq(p.ID))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := env.svc.GetForRequestUser(userCtx(user), job.ID)
	if err != nil || got.ID != job.ID {
		t.Fatalf("owner read: got=%v err=%v", got, err)
	}
	_, err = env.svc.GetForRequestUser(userCtx(uuid.New()), job.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign read: want ErrNotFound got=%v", err)
	}

	list, err := env.svc.ListByProjectForRequestUser(userCtx(user), p.ID, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: got=%d err=%v", len(list), err)
	}
}

func TestCleanFilename(t *testing.T) {
	cases := map[string]string{
		"survey.csv":          "survey.csv",
		"../../etc/passwd":    "passwd",
		"C:\\data\\field.csv": "field.csv",
		"mag data (1).csv":    "mag_data__1_.csv",
		"":                    workspace.InputName,
	}
	for in, want := range cases {
		if got := cleanFilename(in); got != want {
			t.Fatalf("cleanFilename(%q): want=%q got=%q", in, want, got)
		}
	}
}
