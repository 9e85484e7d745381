package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/aidenerard/fluxspace-site/internal/domain"
	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type JobRepo interface {
	Create(dbc dbctx.Context, job *types.Job) (*types.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.Job, error)
	ClaimNextQueued(dbc dbctx.Context) (*types.Job, error)
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	ListStale(dbc dbctx.Context, startedBefore time.Time, limit int) ([]*types.Job, error)
	TerminalIDs(dbc dbctx.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) Create(dbc dbctx.Context, job *types.Job) (*types.Job, error) {
	transaction := dbc.DB(r.db)
	if job == nil {
		return nil, errors.New("job required")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domainjobs.StatusQueued
	}
	if err := transaction.Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID returns nil, nil when the job does not exist.
func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	transaction := dbc.DB(r.db)
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.Job
	err := transaction.Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.Job, error) {
	transaction := dbc.DB(r.db)
	out := []*types.Job{}
	if projectID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 {
		limit = 50
	}
	err := transaction.
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNextQueued moves the oldest queued job to processing and returns it, or nil when
// nothing is queued. The conditional update keeps two claimers from taking the same row
// even on drivers without row locks.
func (r *jobRepo) ClaimNextQueued(dbc dbctx.Context) (*types.Job, error) {
	transaction := dbc.DB(r.db)
	now := time.Now().UTC()
	var claimed *types.Job
	err := transaction.Transaction(func(txx *gorm.DB) error {
		var job types.Job
		q := txx.Where("status = ?", domainjobs.StatusQueued).Order("created_at ASC")
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		res := txx.Model(&types.Job{}).
			Where("id = ? AND status = ?", job.ID, domainjobs.StatusQueued).
			Updates(map[string]interface{}{
				"status":     domainjobs.StatusProcessing,
				"started_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		job.Status = domainjobs.StatusProcessing
		job.StartedAt = &now
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateFieldsUnlessStatus applies updates only while the job is not in one of
// disallowedStatuses. It reports whether a row was changed.
func (r *jobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.DB(r.db)
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.
		Model(&types.Job{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListStale returns processing jobs that started before the cutoff.
func (r *jobRepo) ListStale(dbc dbctx.Context, startedBefore time.Time, limit int) ([]*types.Job, error) {
	transaction := dbc.DB(r.db)
	if limit <= 0 {
		limit = 100
	}
	out := []*types.Job{}
	err := transaction.
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", domainjobs.StatusProcessing, startedBefore).
		Order("started_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TerminalIDs reports, for each id that exists, whether the job is terminal.
// Ids missing from the result do not exist.
func (r *jobRepo) TerminalIDs(dbc dbctx.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	transaction := dbc.DB(r.db)
	out := map[uuid.UUID]bool{}
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		ID     uuid.UUID
		Status string
	}
	err := transaction.
		Model(&types.Job{}).
		Select("id", "status").
		Where("id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = domainjobs.IsTerminal(row.Status)
	}
	return out, nil
}
