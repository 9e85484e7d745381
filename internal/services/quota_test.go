package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	"github.com/aidenerard/fluxspace-site/internal/data/repos/testutil"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/apierr"
)

func TestQuotaCheckAndReserve(t *testing.T) {
	db := testutil.SQLite(t)
	qs := NewQuotaService(testutil.Logger(t), repos.NewUsageRepo(db, testutil.Logger(t)), 2, nil)
	dbc := dbctx.Context{Ctx: context.Background()}
	user := uuid.New()
	month := "2026-10"

	if err := qs.Check(dbc, user, month); err != nil {
		t.Fatalf("Check(no row): %v", err)
	}
	for want := 1; want <= 2; want++ {
		used, err := qs.Reserve(dbc, user, month)
		if err != nil || used != want {
			t.Fatalf("Reserve #%d: want=%d got=%d err=%v", want, want, used, err)
		}
	}

	err := qs.Check(dbc, user, month)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Check at limit: want ErrQuotaExceeded got=%v", err)
	}
	if ae := apierr.From(err, "x"); ae.Status != http.StatusTooManyRequests || ae.Code != "quota_exceeded" {
		t.Fatalf("api error: want=429/quota_exceeded got=%d/%s", ae.Status, ae.Code)
	}
	if _, err := qs.Reserve(dbc, user, month); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Reserve at limit: want ErrQuotaExceeded got=%v", err)
	}

	uc, err := qs.Usage(dbc, user, month)
	if err != nil || uc.JobsUsed != 2 {
		t.Fatalf("Usage: want jobs_used=2 got=%+v err=%v", uc, err)
	}
}

func TestQuotaZeroLimitRejectsEverything(t *testing.T) {
	db := testutil.SQLite(t)
	qs := NewQuotaService(testutil.Logger(t), repos.NewUsageRepo(db, testutil.Logger(t)), 0, nil)
	dbc := dbctx.Context{Ctx: context.Background()}

	if err := qs.Check(dbc, uuid.New(), "2026-10"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Check: want ErrQuotaExceeded got=%v", err)
	}
}

func TestQuotaUsageDefaultsToZero(t *testing.T) {
	db := testutil.SQLite(t)
	qs := NewQuotaService(testutil.Logger(t), repos.NewUsageRepo(db, testutil.Logger(t)), 3, nil)
	user := uuid.New()

	uc, err := qs.Usage(dbctx.Context{Ctx: context.Background()}, user, "2026-10")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if uc.UserID != user || uc.JobsUsed != 0 || uc.StorageUsedBytes != 0 {
		t.Fatalf("Usage: got=%+v", uc)
	}
}

func TestQuotaCurrentMonthIsUTC(t *testing.T) {
	qs := NewQuotaService(testutil.Logger(t), nil, 3, nil).(*quotaService)
	loc := time.FixedZone("UTC-5", -5*3600)
	qs.now = func() time.Time { return time.Date(2026, 10, 31, 22, 0, 0, 0, loc) }
	if got := qs.CurrentMonth(); got != "2026-11" {
		t.Fatalf("CurrentMonth: want=2026-11 got=%s", got)
	}
}
