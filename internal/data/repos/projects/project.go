package projects

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/aidenerard/fluxspace-site/internal/domain"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type ProjectRepo interface {
	Create(dbc dbctx.Context, project *types.Project) (*types.Project, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Project, error)
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{db: db, log: baseLog.With("repo", "ProjectRepo")}
}

func (r *projectRepo) Create(dbc dbctx.Context, project *types.Project) (*types.Project, error) {
	transaction := dbc.DB(r.db)
	if project == nil {
		return nil, errors.New("project required")
	}
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if err := transaction.Create(project).Error; err != nil {
		return nil, err
	}
	return project, nil
}

func (r *projectRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	transaction := dbc.DB(r.db)
	if id == uuid.Nil {
		return nil, nil
	}
	var p types.Project
	if err := transaction.Where("id = ?", id).Limit(1).Find(&p).Error; err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *projectRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Project, error) {
	transaction := dbc.DB(r.db)
	out := []*types.Project{}
	if userID == uuid.Nil {
		return out, nil
	}
	err := transaction.
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
