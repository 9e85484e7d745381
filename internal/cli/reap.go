package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aidenerard/fluxspace-site/internal/data/db"
	"github.com/aidenerard/fluxspace-site/internal/data/repos"
	"github.com/aidenerard/fluxspace-site/internal/jobs/workspace"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
)

var (
	reapRoot      string
	reapOlderThan time.Duration
	reapDryRun    bool
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove workspaces of finished jobs",
	Long: `Remove job workspaces under the workspace root whose job is done, failed or unknown
and whose directory is older than --older-than. Running jobs are never touched.

Uses DB_DRIVER / DATABASE_URL / SQLITE_PATH and WORKSPACE_ROOT like the server.`,
	RunE: runReap,
}

func init() {
	reapCmd.Flags().StringVar(&reapRoot, "root", "", "workspace root (default $WORKSPACE_ROOT)")
	reapCmd.Flags().DurationVar(&reapOlderThan, "older-than", time.Hour, "minimum workspace age")
	reapCmd.Flags().BoolVar(&reapDryRun, "dry-run", false, "report terminal workspaces without removing them")
}

func runReap(cmd *cobra.Command, args []string) error {
	log, err := operatorLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	if reapRoot == "" {
		reapRoot = envutil.String("WORKSPACE_ROOT", "")
	}
	mgr, err := workspace.NewManager(reapRoot)
	if err != nil {
		return err
	}
	svc, err := db.NewService(log, db.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer svc.Close()
	jobs := repos.NewJobRepo(svc.DB(), log)

	lookup := func(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
		terminal, err := jobs.TerminalIDs(dbctx.Context{Ctx: ctx}, ids)
		if err != nil || !reapDryRun {
			return terminal, err
		}
		for _, id := range ids {
			if done, ok := terminal[id]; !ok || done {
				fmt.Printf("would remove workspaces of job %s\n", id)
			}
		}
		dry := make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			dry[id] = false
		}
		return dry, nil
	}
	res, err := mgr.Reap(context.Background(), lookup, reapOlderThan)
	if err != nil {
		return fmt.Errorf("reap %s: %w", mgr.Root(), err)
	}
	for _, e := range res.Errors {
		stderrf("Warning: %v\n", e)
	}
	fmt.Printf("Scanned %d workspaces, removed %d\n", res.Scanned, len(res.Removed))
	return nil
}
