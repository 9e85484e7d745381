package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	types "github.com/aidenerard/fluxspace-site/internal/domain"
	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/apierr"
	"github.com/aidenerard/fluxspace-site/internal/platform/gcp"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

const (
	DefaultDispatchTimeout = 30 * time.Second
	maxFilenameLen         = 120
)

// Dispatcher hands a staged job to whatever executes it. It owns failing the job
// when the hand-off does not succeed.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *types.Job, ws *workspace.Workspace, input string) error
}

// UploadStore is the part of the bucket service the job service writes raw inputs to.
type UploadStore interface {
	UploadFile(dbc dbctx.Context, category gcp.BucketCategory, key string, file io.Reader) error
	DeleteFile(dbc dbctx.Context, category gcp.BucketCategory, key string) error
	GetPublicURL(category gcp.BucketCategory, key string) string
}

type CreateJobRequest struct {
	ProjectID uuid.UUID
	UploadID  uuid.UUID
	Params    domainjobs.Params
}

type ProcessRequest struct {
	ProjectID uuid.UUID
	Filename  string
	File      io.Reader
	Params    domainjobs.Params
}

type JobService interface {
	Create(dbc dbctx.Context, req CreateJobRequest) (*types.Job, error)
	Process(dbc dbctx.Context, req ProcessRequest) (*types.Job, error)
	GetForRequestUser(dbc dbctx.Context, jobID uuid.UUID) (*types.Job, error)
	ListByProjectForRequestUser(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.Job, error)
}

type JobServiceDeps struct {
	DB              *gorm.DB
	Jobs            repos.JobRepo
	Uploads         repos.UploadRepo
	Projects        ProjectService
	Quota           QuotaService
	Bucket          UploadStore
	Workspaces      *workspace.Manager
	Dispatcher      Dispatcher
	Notify          JobNotifier
	DispatchTimeout time.Duration
}

type jobService struct {
	db              *gorm.DB
	log             *logger.Logger
	jobs            repos.JobRepo
	uploads         repos.UploadRepo
	projects        ProjectService
	quota           QuotaService
	bucket          UploadStore
	workspaces      *workspace.Manager
	dispatcher      Dispatcher
	notify          JobNotifier
	dispatchTimeout time.Duration
}

func NewJobService(baseLog *logger.Logger, deps JobServiceDeps) JobService {
	if deps.Notify == nil {
		deps.Notify = NopJobNotifier{}
	}
	if deps.DispatchTimeout <= 0 {
		deps.DispatchTimeout = DefaultDispatchTimeout
	}
	return &jobService{
		db:              deps.DB,
		log:             baseLog.With("service", "JobService"),
		jobs:            deps.Jobs,
		uploads:         deps.Uploads,
		projects:        deps.Projects,
		quota:           deps.Quota,
		bucket:          deps.Bucket,
		workspaces:      deps.Workspaces,
		dispatcher:      deps.Dispatcher,
		notify:          deps.Notify,
		dispatchTimeout: deps.DispatchTimeout,
	}
}

// Create queues a job over an existing upload. A worker claims it later.
func (s *jobService) Create(dbc dbctx.Context, req CreateJobRequest) (*types.Job, error) {
	userID, err := requestUser(dbc)
	if err != nil {
		return nil, err
	}
	if req.ProjectID == uuid.Nil || req.UploadID == uuid.Nil {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request", errors.New("project_id and upload_id are required"))
	}
	if err := req.Params.Validate(); err != nil {
		return nil, apierr.New(http.StatusBadRequest, "invalid_params", err)
	}
	if _, err := s.projects.GetForRequestUser(dbc, req.ProjectID); err != nil {
		return nil, err
	}
	upload, err := s.uploads.GetByID(dbc, req.UploadID)
	if err != nil {
		return nil, fmt.Errorf("load upload: %w", err)
	}
	if upload == nil || upload.OwnerUserID != userID || upload.ProjectID != req.ProjectID {
		return nil, apierr.New(http.StatusNotFound, "upload_not_found", fmt.Errorf("upload %s: %w", req.UploadID, ErrNotFound))
	}

	month := s.quota.CurrentMonth()
	if err := s.quota.Check(dbc, userID, month); err != nil {
		return nil, err
	}

	job, err := s.newJob(userID, req.ProjectID, upload.ID, req.Params, domainjobs.StatusQueued)
	if err != nil {
		return nil, err
	}
	err = s.transaction(dbc, func(inner dbctx.Context) error {
		if _, err := s.quota.Reserve(inner, userID, month); err != nil {
			return err
		}
		if _, err := s.jobs.Create(inner, job); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, apierr.From(err, "create_job_failed")
	}

	s.log.Info("Job queued", "job_id", job.ID, "project_id", job.ProjectID, "upload_id", job.UploadID)
	s.notify.JobCreated(userID, job)
	return job, nil
}

/*
Process is the single-request submission path.
Order matters:
	1. reject bad input and an exhausted quota before touching storage
	2. stage the file in a fresh workspace and copy it to the uploads bucket
	3. in one transaction: reserve quota, insert the upload row and the processing job
	4. hand the job to the dispatcher
If step 3 fails the blob and workspace are removed, so a rejected submission leaves nothing behind.
*/
func (s *jobService) Process(dbc dbctx.Context, req ProcessRequest) (*types.Job, error) {
	userID, err := requestUser(dbc)
	if err != nil {
		return nil, err
	}
	if req.File == nil {
		return nil, apierr.New(http.StatusBadRequest, "missing_file", errors.New("file is required"))
	}
	if req.ProjectID == uuid.Nil {
		return nil, apierr.New(http.StatusBadRequest, "missing_project_id", errors.New("project_id is required"))
	}
	if err := req.Params.Validate(); err != nil {
		return nil, apierr.New(http.StatusBadRequest, "invalid_params", err)
	}
	if _, err := s.projects.GetForRequestUser(dbc, req.ProjectID); err != nil {
		return nil, err
	}
	month := s.quota.CurrentMonth()
	if err := s.quota.Check(dbc, userID, month); err != nil {
		return nil, err
	}

	uploadID := uuid.New()
	job, err := s.newJob(userID, req.ProjectID, uploadID, req.Params, domainjobs.StatusProcessing)
	if err != nil {
		return nil, err
	}
	job.StartedAt = &job.CreatedAt

	ws, err := s.workspaces.Create(job.ID)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "workspace_failed", err)
	}
	input, size, err := ws.StageInput(req.File)
	if err != nil {
		s.destroy(ws)
		return nil, apierr.New(http.StatusInternalServerError, "stage_input_failed", err)
	}

	key := UploadKey(userID, req.ProjectID, uploadID, req.Filename)
	if err := s.storeRaw(dbc, key, input); err != nil {
		s.destroy(ws)
		return nil, apierr.New(http.StatusInternalServerError, "upload_failed", err)
	}

	upload := &types.Upload{
		ID:          uploadID,
		ProjectID:   req.ProjectID,
		OwnerUserID: userID,
		Filename:    cleanFilename(req.Filename),
		SizeBytes:   size,
		StorageKey:  key,
		StorageURL:  s.bucket.GetPublicURL(gcp.BucketCategoryUploads, key),
		CreatedAt:   job.CreatedAt,
	}
	err = s.transaction(dbc, func(inner dbctx.Context) error {
		if _, err := s.quota.Reserve(inner, userID, month); err != nil {
			return err
		}
		if _, err := s.uploads.Create(inner, upload); err != nil {
			return fmt.Errorf("create upload: %w", err)
		}
		if _, err := s.jobs.Create(inner, job); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return s.quota.AddStorage(inner, userID, month, size)
	})
	if err != nil {
		s.discardRaw(dbc, key)
		s.destroy(ws)
		return nil, apierr.From(err, "create_job_failed")
	}

	s.log.Info("Job accepted", "job_id", job.ID, "project_id", job.ProjectID, "upload_id", uploadID, "size_bytes", size)
	s.notify.JobCreated(userID, job)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(dbc.Context()), s.dispatchTimeout)
	defer cancel()
	if err := s.dispatcher.Dispatch(ctx, job, ws, input); err != nil {
		s.log.Error("Job dispatch failed", "job_id", job.ID, "error", err)
	}
	return job, nil
}

func (s *jobService) GetForRequestUser(dbc dbctx.Context, jobID uuid.UUID) (*types.Job, error) {
	userID, err := requestUser(dbc)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil || job.OwnerUserID != userID {
		return nil, apierr.New(http.StatusNotFound, "job_not_found", fmt.Errorf("job %s: %w", jobID, ErrNotFound))
	}
	return job, nil
}

func (s *jobService) ListByProjectForRequestUser(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.Job, error) {
	if _, err := s.projects.GetForRequestUser(dbc, projectID); err != nil {
		return nil, err
	}
	return s.jobs.ListByProject(dbc, projectID, limit)
}

func (s *jobService) newJob(userID, projectID, uploadID uuid.UUID, params domainjobs.Params, status string) (*types.Job, error) {
	raw, err := params.JSON()
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, "invalid_params", err)
	}
	now := time.Now().UTC()
	return &types.Job{
		ID:             uuid.New(),
		OwnerUserID:    userID,
		ProjectID:      projectID,
		UploadID:       uploadID,
		Status:         status,
		Params:         datatypes.JSON(raw),
		DiagnosticURLs: datatypes.JSON([]byte(`[]`)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *jobService) transaction(dbc dbctx.Context, fn func(inner dbctx.Context) error) error {
	transaction := dbc.DB(s.db)
	return transaction.Transaction(func(tx *gorm.DB) error {
		return fn(dbc.WithTx(tx))
	})
}

func (s *jobService) storeRaw(dbc dbctx.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := s.bucket.UploadFile(dbc, gcp.BucketCategoryUploads, key, f); err != nil {
		return fmt.Errorf("store raw upload: %w", err)
	}
	return nil
}

func (s *jobService) discardRaw(dbc dbctx.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(dbc.Context()), 10*time.Second)
	defer cancel()
	if err := s.bucket.DeleteFile(dbctx.Context{Ctx: ctx}, gcp.BucketCategoryUploads, key); err != nil {
		s.log.Warn("Failed to delete orphaned upload", "key", key, "error", err)
	}
}

func (s *jobService) destroy(ws *workspace.Workspace) {
	if err := s.workspaces.Destroy(ws.Dir); err != nil {
		s.log.Warn("Failed to remove workspace", "dir", ws.Dir, "error", err)
	}
}

// UploadKey is the uploads-bucket object key for a raw dataset.
func UploadKey(userID, projectID, uploadID uuid.UUID, filename string) string {
	return fmt.Sprintf("%s/%s/%s-%s", userID, projectID, uploadID, cleanFilename(filename))
}

func cleanFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" || name == "" {
		name = workspace.InputName
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if len(name) > maxFilenameLen {
		name = name[len(name)-maxFilenameLen:]
	}
	return name
}
