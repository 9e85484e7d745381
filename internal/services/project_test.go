package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	"github.com/aidenerard/fluxspace-site/internal/data/repos/testutil"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/apierr"
)

func TestProjectServiceOwnership(t *testing.T) {
	db := testutil.SQLite(t)
	svc := NewProjectService(testutil.Logger(t), repos.NewProjectRepo(db, testutil.Logger(t)))
	owner, stranger := uuid.New(), uuid.New()

	p, err := svc.CreateForRequestUser(userCtx(owner), "  north field  ")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name != "north field" || p.UserID != owner {
		t.Fatalf("project: got=%+v", p)
	}

	if _, err := svc.GetForRequestUser(userCtx(owner), p.ID); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	if _, err := svc.GetForRequestUser(userCtx(stranger), p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stranger Get: want ErrNotFound got=%v", err)
	}

	mine, _ := svc.ListForRequestUser(userCtx(owner))
	theirs, _ := svc.ListForRequestUser(userCtx(stranger))
	if len(mine) != 1 || len(theirs) != 0 {
		t.Fatalf("list: owner=%d stranger=%d", len(mine), len(theirs))
	}
}

func TestProjectServiceValidation(t *testing.T) {
	db := testutil.SQLite(t)
	svc := NewProjectService(testutil.Logger(t), repos.NewProjectRepo(db, testutil.Logger(t)))

	for name, tc := range map[string]struct {
		dbc  dbctx.Context
		in   string
		code int
	}{
		"blank":     {userCtx(uuid.New()), "   ", http.StatusBadRequest},
		"too long":  {userCtx(uuid.New()), strings.Repeat("a", maxProjectNameLen+1), http.StatusBadRequest},
		"anonymous": {dbctx.Context{Ctx: context.Background()}, "x", http.StatusUnauthorized},
	} {
		_, err := svc.CreateForRequestUser(tc.dbc, tc.in)
		if ae := apierr.From(err, "x"); ae == nil || ae.Status != tc.code {
			t.Fatalf("%s: want status=%d got=%v", name, tc.code, err)
		}
	}
}
