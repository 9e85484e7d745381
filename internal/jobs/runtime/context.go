package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	types "github.com/aidenerard/fluxspace-site/internal/domain"
	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

// ErrTerminal is returned when a write is rejected because the job already finished.
var ErrTerminal = errors.New("job already terminal")

const terminalWriteTimeout = 10 * time.Second

/*
Context is the execution handle for a single job run.
It owns:
	- the in-memory job row and its accumulated log
	- the only sanctioned ways to persist progress or finish the job
	- the notifier side channel
Every write is guarded by status NOT IN (done, failed), so once a job is terminal
nothing here can change it again.
*/
type Context struct {
	Ctx    context.Context
	Job    *types.Job
	Repo   repos.JobRepo
	Notify services.JobNotifier

	mu       sync.Mutex
	finished bool
}

func NewContext(ctx context.Context, job *types.Job, repo repos.JobRepo, notify services.JobNotifier) *Context {
	if notify == nil {
		notify = services.NopJobNotifier{}
	}
	return &Context{
		Ctx:    ctx,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
}

// Params decodes the stored job parameters.
func (c *Context) Params() (domainjobs.Params, error) {
	return domainjobs.DecodeParams(c.Job.Params)
}

// Append adds one entry to the job log. Entries are separated by a newline.
func (c *Context) Append(entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Job.Logs = joinLog(c.Job.Logs, entry)
}

func joinLog(logs, entry string) string {
	entry = cleanLogText(entry)
	if logs == "" {
		return entry
	}
	return logs + "\n" + entry
}

// cleanLogText makes stage output storable in a text column: invalid UTF-8 becomes
// U+FFFD and NUL bytes are dropped.
func cleanLogText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

func (c *Context) Logs() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Job.Logs
}

// Progress persists the current log and emits a progress event.
func (c *Context) Progress(stage, msg string) error {
	now := time.Now().UTC()
	ok, err := c.update(c.ctx(), map[string]interface{}{
		"logs":       c.Logs(),
		"updated_at": now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrTerminal
	}
	c.mu.Lock()
	c.Job.UpdatedAt = now
	c.mu.Unlock()
	c.Notify.JobProgress(c.Job.OwnerUserID, c.Job, stage, msg)
	return nil
}

/*
Fail appends "ERROR: <detail>" and moves the job to failed.
It writes with a context detached from the job's own cancellation, so a job that ran
past its deadline can still record why it stopped. Only the first terminal call wins.
*/
func (c *Context) Fail(stage string, cause error) {
	if !c.markFinished() {
		return
	}
	msg := "unknown error"
	if cause != nil {
		msg = cleanLogText(cause.Error())
	}

	c.mu.Lock()
	terminal := domainjobs.IsTerminal(c.Job.Status)
	logs := joinLog(c.Job.Logs, "\nERROR: "+msg)
	c.mu.Unlock()
	if terminal {
		return
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx()), terminalWriteTimeout)
	defer cancel()
	ok, err := c.update(ctx, map[string]interface{}{
		"status":      domainjobs.StatusFailed,
		"logs":        logs,
		"error":       msg,
		"finished_at": now,
		"updated_at":  now,
	})
	if err != nil || !ok {
		return
	}

	c.mu.Lock()
	c.Job.Logs = logs
	c.Job.Status = domainjobs.StatusFailed
	c.Job.Error = msg
	c.Job.FinishedAt = &now
	c.Job.UpdatedAt = now
	c.mu.Unlock()

	c.Notify.JobFailed(c.Job.OwnerUserID, c.Job, stage, msg)
}

// Results are the resolved artifact locations recorded when a job completes.
type Results struct {
	CSVURL      *string
	PNGURL      *string
	Diagnostics []string
}

// Succeed moves the job to done with whatever results were resolved.
func (c *Context) Succeed(res Results) error {
	if !c.markFinished() {
		return ErrTerminal
	}
	diag := res.Diagnostics
	if diag == nil {
		diag = []string{}
	}
	raw, err := json.Marshal(diag)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx()), terminalWriteTimeout)
	defer cancel()
	ok, err := c.update(ctx, map[string]interface{}{
		"status":          domainjobs.StatusDone,
		"logs":            c.Logs(),
		"result_csv_url":  res.CSVURL,
		"result_png_url":  res.PNGURL,
		"diagnostic_urls": datatypes.JSON(raw),
		"finished_at":     now,
		"updated_at":      now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrTerminal
	}

	c.mu.Lock()
	c.Job.Status = domainjobs.StatusDone
	c.Job.ResultCSVURL = res.CSVURL
	c.Job.ResultPNGURL = res.PNGURL
	c.Job.DiagnosticURLs = datatypes.JSON(raw)
	c.Job.FinishedAt = &now
	c.Job.UpdatedAt = now
	c.mu.Unlock()

	c.Notify.JobDone(c.Job.OwnerUserID, c.Job)
	return nil
}

func (c *Context) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Context) markFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	return true
}

func (c *Context) ctx() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

func (c *Context) update(ctx context.Context, updates map[string]interface{}) (bool, error) {
	if c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return true, nil
	}
	return c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, domainjobs.TerminalStatuses, updates)
}

// Detail trims a stage message so a runaway stderr does not bloat the log.
func Detail(s string, max int) string {
	s = strings.TrimRight(s, "\n")
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
