package app

import (
	"gorm.io/gorm"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type Repos struct {
	Jobs     repos.JobRepo
	Projects repos.ProjectRepo
	Uploads  repos.UploadRepo
	Usage    repos.UsageRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Jobs:     repos.NewJobRepo(db, log),
		Projects: repos.NewProjectRepo(db, log),
		Uploads:  repos.NewUploadRepo(db, log),
		Usage:    repos.NewUsageRepo(db, log),
	}
}
