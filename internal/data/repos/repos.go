package repos

import (
	"github.com/aidenerard/fluxspace-site/internal/data/repos/jobs"
	"github.com/aidenerard/fluxspace-site/internal/data/repos/projects"
	"github.com/aidenerard/fluxspace-site/internal/data/repos/usage"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
	"gorm.io/gorm"
)

type JobRepo = jobs.JobRepo
type ProjectRepo = projects.ProjectRepo
type UploadRepo = projects.UploadRepo
type UsageRepo = usage.UsageRepo

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo { return jobs.NewJobRepo(db, baseLog) }
func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return projects.NewProjectRepo(db, baseLog)
}
func NewUploadRepo(db *gorm.DB, baseLog *logger.Logger) UploadRepo {
	return projects.NewUploadRepo(db, baseLog)
}
func NewUsageRepo(db *gorm.DB, baseLog *logger.Logger) UsageRepo {
	return usage.NewUsageRepo(db, baseLog)
}
