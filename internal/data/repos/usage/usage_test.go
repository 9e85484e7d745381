package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aidenerard/fluxspace-site/internal/data/repos/testutil"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
)

func TestIncrementJobsWithCeilingStopsAtLimit(t *testing.T) {
	db := testutil.SQLite(t)
	repo := NewUsageRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	user := uuid.New()

	for want := 1; want <= 3; want++ {
		used, ok, err := repo.IncrementJobsWithCeiling(dbc, user, "2026-10", 3)
		if err != nil {
			t.Fatalf("increment #%d: %v", want, err)
		}
		if !ok || used != want {
			t.Fatalf("increment #%d: want=(%d,true) got=(%d,%v)", want, want, used, ok)
		}
	}

	used, ok, err := repo.IncrementJobsWithCeiling(dbc, user, "2026-10", 3)
	if err != nil {
		t.Fatalf("increment over limit: %v", err)
	}
	if ok {
		t.Fatalf("increment over limit: expected rejection, got used=%d", used)
	}

	uc, err := repo.Get(dbc, user, "2026-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if uc == nil || uc.JobsUsed != 3 {
		t.Fatalf("jobs_used: want=3 got=%v", uc)
	}

	// a new month starts from zero
	used, ok, err = repo.IncrementJobsWithCeiling(dbc, user, "2026-11", 3)
	if err != nil || !ok || used != 1 {
		t.Fatalf("next month: want=(1,true) got=(%d,%v) err=%v", used, ok, err)
	}
}

func TestIncrementJobsWithCeilingZeroLimit(t *testing.T) {
	db := testutil.SQLite(t)
	repo := NewUsageRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	_, ok, err := repo.IncrementJobsWithCeiling(dbc, uuid.New(), "2026-10", 0)
	if err != nil || ok {
		t.Fatalf("zero limit: want=(false,nil) got=(%v,%v)", ok, err)
	}
}

func TestIncrementJobsWithCeilingConcurrentSQLite(t *testing.T) {
	assertConcurrentCeiling(t, testutil.SQLite(t))
}

func TestIncrementJobsWithCeilingConcurrentPostgres(t *testing.T) {
	assertConcurrentCeiling(t, testutil.Postgres(t))
}

func assertConcurrentCeiling(t *testing.T, db *gorm.DB) {
	t.Helper()
	repo := NewUsageRepo(db, testutil.Logger(t))
	user := uuid.New()
	const (
		limit    = 5
		attempts = 20
	)

	var (
		wg       sync.WaitGroup
		accepted int64
		errCount int64
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.IncrementJobsWithCeiling(dbctx.Context{Ctx: context.Background()}, user, "2026-10", limit)
			if err != nil {
				atomic.AddInt64(&errCount, 1)
				return
			}
			if ok {
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	if errCount != 0 {
		t.Fatalf("concurrent increments: %d errors", errCount)
	}
	if accepted != limit {
		t.Fatalf("accepted: want=%d got=%d", limit, accepted)
	}
	uc, err := repo.Get(dbctx.Context{Ctx: context.Background()}, user, "2026-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if uc == nil || uc.JobsUsed != limit {
		t.Fatalf("jobs_used: want=%d got=%v", limit, uc)
	}
}

func TestAddStorageBytesAccumulates(t *testing.T) {
	db := testutil.SQLite(t)
	repo := NewUsageRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	user := uuid.New()

	if err := repo.AddStorageBytes(dbc, user, "2026-10", 100); err != nil {
		t.Fatalf("AddStorageBytes: %v", err)
	}
	if err := repo.AddStorageBytes(dbc, user, "2026-10", 50); err != nil {
		t.Fatalf("AddStorageBytes: %v", err)
	}
	uc, err := repo.Get(dbc, user, "2026-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if uc == nil || uc.StorageUsedBytes != 150 || uc.JobsUsed != 0 {
		t.Fatalf("counter: got=%+v", uc)
	}
}
