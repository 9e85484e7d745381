package projects

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/aidenerard/fluxspace-site/internal/domain"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type UploadRepo interface {
	Create(dbc dbctx.Context, upload *types.Upload) (*types.Upload, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Upload, error)
}

type uploadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUploadRepo(db *gorm.DB, baseLog *logger.Logger) UploadRepo {
	return &uploadRepo{db: db, log: baseLog.With("repo", "UploadRepo")}
}

func (r *uploadRepo) Create(dbc dbctx.Context, upload *types.Upload) (*types.Upload, error) {
	transaction := dbc.DB(r.db)
	if upload == nil {
		return nil, errors.New("upload required")
	}
	if upload.ID == uuid.Nil {
		upload.ID = uuid.New()
	}
	if err := transaction.Create(upload).Error; err != nil {
		return nil, err
	}
	return upload, nil
}

func (r *uploadRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Upload, error) {
	transaction := dbc.DB(r.db)
	if id == uuid.Nil {
		return nil, nil
	}
	var u types.Upload
	if err := transaction.Where("id = ?", id).Limit(1).Find(&u).Error; err != nil {
		return nil, err
	}
	if u.ID == uuid.Nil {
		return nil, nil
	}
	return &u, nil
}
