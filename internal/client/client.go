// Package client talks to the FluxSpace HTTP API and implements the polling contract.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/domain/projects"
	"github.com/aidenerard/fluxspace-site/internal/pkg/httpx"
	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
)

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 120
)

// ErrPollTimeout means the job was still running after the last poll. The backend may
// still finish it afterwards.
var ErrPollTimeout = errors.New("job did not reach a terminal state before polling gave up")

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Retry   time.Duration
}

func (e *APIError) HTTPStatusCode() int { return e.Status }

func (e *APIError) RetryAfter() time.Duration { return e.Retry }

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// DefaultRetry applies to reads only; submissions are never repeated.
var DefaultRetry = httpx.Backoff{Attempts: 3, Base: 500 * time.Millisecond, Max: 10 * time.Second}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      httpx.Backoff
}

// New builds a client. Empty arguments fall back to FLUXSPACE_API_URL and FLUXSPACE_TOKEN.
// FLUXSPACE_CLIENT_TIMEOUT bounds each request (default 2m, uploads included).
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = envutil.String("FLUXSPACE_API_URL", DefaultBaseURL)
	}
	if token == "" {
		token = envutil.String("FLUXSPACE_TOKEN", "")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: envutil.Duration("FLUXSPACE_CLIENT_TIMEOUT", 2*time.Minute),
		},
		retry: DefaultRetry,
	}
}

func (c *Client) WithRetry(b httpx.Backoff) *Client {
	c.retry = b
	return c
}

// WithHTTPClient swaps the underlying transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

type SubmitRequest struct {
	ProjectID uuid.UUID
	Filename  string
	File      io.Reader
	Params    domainjobs.Params
}

type SubmitResult struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

type Usage struct {
	Month            string `json:"month"`
	JobsUsed         int    `json:"jobs_used"`
	JobsLimit        int    `json:"jobs_limit"`
	StorageUsedBytes int64  `json:"storage_used_bytes"`
}

// Submit streams the dataset to POST /api/process as multipart form data.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.File == nil {
		return nil, errors.New("submit: file is required")
	}
	if req.ProjectID == uuid.Nil {
		return nil, errors.New("submit: project id is required")
	}
	filename := req.Filename
	if filename == "" {
		filename = "mag_data.csv"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeSubmitForm(mw, req, filename))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/process", pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var out SubmitResult
	if err := c.do(httpReq, &out); err != nil {
		_ = pr.Close()
		return nil, err
	}
	return &out, nil
}

func writeSubmitForm(mw *multipart.Writer, req SubmitRequest, filename string) error {
	p := req.Params.WithDefaults()
	fields := []struct{ name, value string }{
		{"project_id", req.ProjectID.String()},
		{"radius", strconv.FormatFloat(p.Radius, 'f', -1, 64)},
		{"grid_step", strconv.FormatFloat(p.GridStep, 'f', -1, 64)},
		{"value_col", p.ValueCol},
		{"drop_outliers", strconv.FormatBool(p.DropOutliers)},
		{"drop_flag_any", strconv.FormatBool(p.DropFlagAny)},
		{"plot", strconv.FormatBool(p.Plot)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, req.File); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*domainjobs.Job, error) {
	var out struct {
		Job *domainjobs.Job `json:"job"`
	}
	if err := c.getJSON(ctx, "/api/jobs/"+id.String(), &out); err != nil {
		return nil, err
	}
	if out.Job == nil {
		return nil, fmt.Errorf("job %s: empty response", id)
	}
	return out.Job, nil
}

func (c *Client) ListProjectJobs(ctx context.Context, projectID uuid.UUID, limit int) ([]*domainjobs.Job, error) {
	path := "/api/projects/" + projectID.String() + "/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Jobs []*domainjobs.Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) CreateProject(ctx context.Context, name string) (*projects.Project, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/projects", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		Project *projects.Project `json:"project"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Project, nil
}

func (c *Client) Usage(ctx context.Context) (*Usage, error) {
	var out struct {
		Usage *Usage `json:"usage"`
	}
	if err := c.getJSON(ctx, "/api/usage", &out); err != nil {
		return nil, err
	}
	return out.Usage, nil
}

type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// OnPoll sees every non-terminal read.
	OnPoll func(attempt int, job *domainjobs.Job)
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

/*
Wait polls GET /api/jobs/:id every Interval until the job is done or failed.

  - A read that still fails after the client retry budget stops polling and returns the error.
  - After MaxAttempts non-terminal reads it returns the last job seen with ErrPollTimeout.
  - ctx cancellation returns ctx.Err().
*/
func (c *Client) Wait(ctx context.Context, id uuid.UUID, opts PollOptions) (*domainjobs.Job, error) {
	opts = opts.withDefaults()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var last *domainjobs.Job
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return last, fmt.Errorf("poll job %s (attempt %d): %w", id, attempt, err)
		}
		last = job
		if domainjobs.IsTerminal(job.Status) {
			return job, nil
		}
		if opts.OnPoll != nil {
			opts.OnPoll(attempt, job)
		}
	}
	return last, ErrPollTimeout
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return httpx.Retry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		return c.do(req, out)
	})
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp.StatusCode, body)
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			apiErr.Retry = httpx.RetryAfterDuration(resp, 0, 0)
		}
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	return apiErr
}
