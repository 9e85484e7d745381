package usage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/aidenerard/fluxspace-site/internal/domain"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

type UsageRepo interface {
	Get(dbc dbctx.Context, userID uuid.UUID, month string) (*types.UsageCounter, error)
	IncrementJobsWithCeiling(dbc dbctx.Context, userID uuid.UUID, month string, limit int) (int, bool, error)
	AddStorageBytes(dbc dbctx.Context, userID uuid.UUID, month string, n int64) error
}

type usageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUsageRepo(db *gorm.DB, baseLog *logger.Logger) UsageRepo {
	return &usageRepo{db: db, log: baseLog.With("repo", "UsageRepo")}
}

// Get returns nil, nil when the user has no counter for month.
func (r *usageRepo) Get(dbc dbctx.Context, userID uuid.UUID, month string) (*types.UsageCounter, error) {
	transaction := dbc.DB(r.db)
	var uc types.UsageCounter
	err := transaction.
		Where("user_id = ? AND month = ?", userID, month).
		Limit(1).
		Find(&uc).Error
	if err != nil {
		return nil, err
	}
	if uc.UserID == uuid.Nil {
		return nil, nil
	}
	return &uc, nil
}

const incrementWithCeilingSQL = `
INSERT INTO usage_counters (user_id, month, jobs_used, storage_used_bytes, updated_at)
VALUES (?, ?, 1, 0, ?)
ON CONFLICT (user_id, month) DO UPDATE
SET jobs_used = usage_counters.jobs_used + 1, updated_at = excluded.updated_at
WHERE usage_counters.jobs_used < ?
RETURNING jobs_used`

// IncrementJobsWithCeiling adds one job to the counter in a single statement, unless the
// counter already reached limit. It returns the new count and whether the increment happened.
func (r *usageRepo) IncrementJobsWithCeiling(dbc dbctx.Context, userID uuid.UUID, month string, limit int) (int, bool, error) {
	transaction := dbc.DB(r.db)
	if limit <= 0 {
		return 0, false, nil
	}
	rows, err := transaction.
		Raw(incrementWithCeilingSQL, userID, month, time.Now().UTC(), limit).
		Rows()
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	used, ok := 0, false
	if rows.Next() {
		if err := rows.Scan(&used); err != nil {
			return 0, false, err
		}
		ok = true
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	return used, ok, nil
}

func (r *usageRepo) AddStorageBytes(dbc dbctx.Context, userID uuid.UUID, month string, n int64) error {
	transaction := dbc.DB(r.db)
	if n <= 0 {
		return nil
	}
	return transaction.Exec(`
INSERT INTO usage_counters (user_id, month, jobs_used, storage_used_bytes, updated_at)
VALUES (?, ?, 0, ?, ?)
ON CONFLICT (user_id, month) DO UPDATE
SET storage_used_bytes = usage_counters.storage_used_bytes + excluded.storage_used_bytes,
    updated_at = excluded.updated_at`,
		userID, month, n, time.Now().UTC()).Error
}
