package services

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	types "github.com/aidenerard/fluxspace-site/internal/domain"
	"github.com/aidenerard/fluxspace-site/internal/domain/usage"
	"github.com/aidenerard/fluxspace-site/internal/observability"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/apierr"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

var ErrQuotaExceeded = errors.New("monthly job quota exceeded")

const DefaultMonthlyJobs = 3

type QuotaService interface {
	Limit() int
	CurrentMonth() string
	Check(dbc dbctx.Context, userID uuid.UUID, month string) error
	Reserve(dbc dbctx.Context, userID uuid.UUID, month string) (int, error)
	AddStorage(dbc dbctx.Context, userID uuid.UUID, month string, bytes int64) error
	Usage(dbc dbctx.Context, userID uuid.UUID, month string) (*types.UsageCounter, error)
}

type quotaService struct {
	log     *logger.Logger
	repo    repos.UsageRepo
	limit   int
	metrics *observability.Metrics
	now     func() time.Time
}

func NewQuotaService(baseLog *logger.Logger, repo repos.UsageRepo, limit int, metrics *observability.Metrics) QuotaService {
	if limit < 0 {
		limit = 0
	}
	return &quotaService{
		log:     baseLog.With("service", "QuotaService"),
		repo:    repo,
		limit:   limit,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *quotaService) Limit() int { return s.limit }

func (s *quotaService) CurrentMonth() string { return usage.MonthOf(s.now()) }

// Check is the fast pre-flight rejection. It is advisory only; Reserve is authoritative.
func (s *quotaService) Check(dbc dbctx.Context, userID uuid.UUID, month string) error {
	uc, err := s.repo.Get(dbc, userID, month)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}
	if uc == nil {
		if s.limit == 0 {
			return s.exceeded(userID, month, 0)
		}
		return nil
	}
	if uc.JobsUsed >= s.limit {
		return s.exceeded(userID, month, uc.JobsUsed)
	}
	return nil
}

/*
Reserve counts one job against the user's month.
The increment is a single upsert guarded by jobs_used < limit, so concurrent submissions can
never push the counter past the limit. Run it in the same transaction that inserts the job:
if the insert fails the reservation rolls back with it.
*/
func (s *quotaService) Reserve(dbc dbctx.Context, userID uuid.UUID, month string) (int, error) {
	used, ok, err := s.repo.IncrementJobsWithCeiling(dbc, userID, month, s.limit)
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	if !ok {
		return 0, s.exceeded(userID, month, s.limit)
	}
	s.metrics.IncQuotaDecision(true)
	return used, nil
}

func (s *quotaService) AddStorage(dbc dbctx.Context, userID uuid.UUID, month string, bytes int64) error {
	if err := s.repo.AddStorageBytes(dbc, userID, month, bytes); err != nil {
		return fmt.Errorf("record storage usage: %w", err)
	}
	return nil
}

// Usage returns the counter for month, or a zero counter when the user has none yet.
func (s *quotaService) Usage(dbc dbctx.Context, userID uuid.UUID, month string) (*types.UsageCounter, error) {
	uc, err := s.repo.Get(dbc, userID, month)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	if uc == nil {
		uc = &types.UsageCounter{UserID: userID, Month: month}
	}
	return uc, nil
}

func (s *quotaService) exceeded(userID uuid.UUID, month string, used int) error {
	s.metrics.IncQuotaDecision(false)
	s.log.Info("Quota exceeded", "user_id", userID, "month", month, "jobs_used", used, "limit", s.limit)
	return apierr.New(http.StatusTooManyRequests, "quota_exceeded",
		fmt.Errorf("%w: %d of %d jobs used for %s", ErrQuotaExceeded, used, s.limit, month))
}
