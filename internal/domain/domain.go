package domain

import (
	"github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/domain/projects"
	"github.com/aidenerard/fluxspace-site/internal/domain/usage"
)

const (
	JobStatusQueued     = jobs.StatusQueued
	JobStatusProcessing = jobs.StatusProcessing
	JobStatusDone       = jobs.StatusDone
	JobStatusFailed     = jobs.StatusFailed
)

type (
	Job          = jobs.Job
	JobParams    = jobs.Params
	Project      = projects.Project
	Upload       = projects.Upload
	UsageCounter = usage.UsageCounter
)

// Models lists every persisted type, in migration order.
func Models() []any {
	return []any{
		&Project{},
		&Upload{},
		&Job{},
		&UsageCounter{},
	}
}
