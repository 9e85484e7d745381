package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/http/response"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

const DefaultMaxUploadBytes int64 = 50 << 20

type JobHandler struct {
	jobs           services.JobService
	maxUploadBytes int64
}

func NewJobHandler(jobs services.JobService, maxUploadBytes int64) *JobHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &JobHandler{jobs: jobs, maxUploadBytes: maxUploadBytes}
}

type createJobRequest struct {
	ProjectID uuid.UUID       `json:"project_id"`
	UploadID  uuid.UUID       `json:"upload_id"`
	Params    json.RawMessage `json:"params"`
}

// POST /api/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	params := domainjobs.DefaultParams()
	if raw := bytes.TrimSpace(req.Params); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &params); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_params", err)
			return
		}
	}
	job, err := h.jobs.Create(dbctx.Context{Ctx: c.Request.Context()}, services.CreateJobRequest{
		ProjectID: req.ProjectID,
		UploadID:  req.UploadID,
		Params:    params,
	})
	if err != nil {
		response.RespondAPIError(c, err, "create_job_failed")
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

/*
POST /api/process

Multipart form:
  - file: the raw CSV
  - project_id
  - radius, grid_step, value_col, drop_outliers, drop_flag_any, plot (all optional)

Responds with {job_id, status} as soon as the job is handed to the worker pool.
*/
func (h *JobHandler) Process(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large", err)
			return
		}
		response.RespondError(c, http.StatusBadRequest, "missing_file", errors.New("file is required"))
		return
	}
	rawProject := strings.TrimSpace(c.PostForm("project_id"))
	if rawProject == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_project_id", errors.New("project_id is required"))
		return
	}
	projectID, err := uuid.Parse(rawProject)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_project_id", err)
		return
	}
	params, err := paramsFromForm(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_params", err)
		return
	}

	file, err := fh.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_file", err)
		return
	}
	defer file.Close()

	job, err := h.jobs.Process(dbctx.Context{Ctx: c.Request.Context()}, services.ProcessRequest{
		ProjectID: projectID,
		Filename:  fh.Filename,
		File:      file,
		Params:    params,
	})
	if err != nil {
		response.RespondAPIError(c, err, "process_failed")
		return
	}
	response.RespondOK(c, gin.H{"job_id": job.ID, "status": job.Status})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.GetForRequestUser(dbctx.Context{Ctx: c.Request.Context()}, jobID)
	if err != nil {
		response.RespondAPIError(c, err, "get_job_failed")
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/projects/:id/jobs
func (h *JobHandler) ListProjectJobs(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_project_id", err)
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", fmt.Errorf("limit must be 1..200"))
			return
		}
		limit = n
	}
	jobs, err := h.jobs.ListByProjectForRequestUser(dbctx.Context{Ctx: c.Request.Context()}, projectID, limit)
	if err != nil {
		response.RespondAPIError(c, err, "list_jobs_failed")
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// paramsFromForm starts from the defaults and overrides only the fields that were sent.
func paramsFromForm(c *gin.Context) (domainjobs.Params, error) {
	p := domainjobs.DefaultParams()
	floats := []struct {
		name string
		dst  *float64
	}{
		{"radius", &p.Radius},
		{"grid_step", &p.GridStep},
	}
	for _, f := range floats {
		raw, ok := c.GetPostForm(f.name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return p, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	if raw, ok := c.GetPostForm("value_col"); ok && strings.TrimSpace(raw) != "" {
		p.ValueCol = strings.TrimSpace(raw)
	}
	bools := []struct {
		name string
		dst  *bool
	}{
		{"drop_outliers", &p.DropOutliers},
		{"drop_flag_any", &p.DropFlagAny},
		{"plot", &p.Plot},
	}
	for _, b := range bools {
		raw, ok := c.GetPostForm(b.name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return p, fmt.Errorf("%s: %w", b.name, err)
		}
		*b.dst = v
	}
	return p, p.Validate()
}
