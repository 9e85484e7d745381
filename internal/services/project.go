package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	types "github.com/aidenerard/fluxspace-site/internal/domain"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/apierr"
	"github.com/aidenerard/fluxspace-site/internal/platform/ctxutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

const maxProjectNameLen = 200

type ProjectService interface {
	CreateForRequestUser(dbc dbctx.Context, name string) (*types.Project, error)
	ListForRequestUser(dbc dbctx.Context) ([]*types.Project, error)
	GetForRequestUser(dbc dbctx.Context, id uuid.UUID) (*types.Project, error)
}

type projectService struct {
	log  *logger.Logger
	repo repos.ProjectRepo
}

func NewProjectService(baseLog *logger.Logger, repo repos.ProjectRepo) ProjectService {
	return &projectService{log: baseLog.With("service", "ProjectService"), repo: repo}
}

func (s *projectService) CreateForRequestUser(dbc dbctx.Context, name string) (*types.Project, error) {
	userID, err := requestUser(dbc)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_project", errors.New("name is required"))
	}
	if len(name) > maxProjectNameLen {
		return nil, apierr.New(http.StatusBadRequest, "invalid_project", fmt.Errorf("name longer than %d characters", maxProjectNameLen))
	}
	now := time.Now().UTC()
	p := &types.Project{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.repo.Create(dbc, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.log.Info("Project created", "project_id", p.ID, "user_id", userID)
	return p, nil
}

func (s *projectService) ListForRequestUser(dbc dbctx.Context) ([]*types.Project, error) {
	userID, err := requestUser(dbc)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByUser(dbc, userID)
}

// GetForRequestUser treats another user's project exactly like a missing one.
func (s *projectService) GetForRequestUser(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	userID, err := requestUser(dbc)
	if err != nil {
		return nil, err
	}
	p, err := s.repo.GetByID(dbc, id)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if p == nil || p.UserID != userID {
		return nil, apierr.New(http.StatusNotFound, "project_not_found", fmt.Errorf("project %s: %w", id, ErrNotFound))
	}
	return p, nil
}

func requestUser(dbc dbctx.Context) (uuid.UUID, error) {
	userID := ctxutil.UserID(dbc.Context())
	if userID == uuid.Nil {
		return uuid.Nil, apierr.New(http.StatusUnauthorized, "unauthorized", ErrUnauthorized)
	}
	return userID, nil
}
