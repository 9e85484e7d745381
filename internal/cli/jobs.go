package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aidenerard/fluxspace-site/internal/client"
	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
)

var (
	submitProject string
	submitParams  = domainjobs.DefaultParams()
	submitWait    bool

	pollInterval    time.Duration
	pollMaxAttempts int

	jobsLimit int
)

var submitCmd = &cobra.Command{
	Use:   "submit <mag_data.csv>",
	Short: "Upload a survey and start a processing job",
	Long: `Upload a magnetometer CSV to a project and start the processing pipeline.

Examples:
  fluxctl submit mag_data.csv --project 6f1c...
  fluxctl submit mag_data.csv --project 6f1c... --radius 0.2 --plot --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status, log and result URLs",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var waitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Poll a job until it finishes",
	Long: `Poll a job until it is done or failed.

Polling gives up after --max-attempts reads; the job may still finish on the server afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: runWait,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <project-id>",
	Short: "List a project's jobs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobs,
}

func init() {
	submitCmd.Flags().StringVarP(&submitProject, "project", "p", "", "project id (required)")
	submitCmd.Flags().Float64Var(&submitParams.Radius, "radius", domainjobs.DefaultRadius, "neighbourhood radius for the local anomaly")
	submitCmd.Flags().Float64Var(&submitParams.GridStep, "grid-step", domainjobs.DefaultGridStep, "interpolation grid spacing")
	submitCmd.Flags().StringVar(&submitParams.ValueCol, "value-col", domainjobs.DefaultValueCol, "column to grid")
	submitCmd.Flags().BoolVar(&submitParams.DropOutliers, "drop-outliers", false, "drop rows flagged as outliers")
	submitCmd.Flags().BoolVar(&submitParams.DropFlagAny, "drop-flag-any", false, "drop rows with any QA flag")
	submitCmd.Flags().BoolVar(&submitParams.Plot, "plot", false, "render diagnostic plots")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "poll until the job finishes")
	_ = submitCmd.MarkFlagRequired("project")

	for _, c := range []*cobra.Command{submitCmd, waitCmd} {
		c.Flags().DurationVar(&pollInterval, "interval", client.DefaultPollInterval, "poll interval")
		c.Flags().IntVar(&pollMaxAttempts, "max-attempts", client.DefaultMaxAttempts, "polls before giving up")
	}

	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 50, "max results")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	projectID, err := uuid.Parse(strings.TrimSpace(submitProject))
	if err != nil {
		return fmt.Errorf("invalid --project: %w", err)
	}
	if err := submitParams.Validate(); err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := apiClient.Submit(ctx, client.SubmitRequest{
		ProjectID: projectID,
		Filename:  filepath.Base(args[0]),
		File:      f,
		Params:    submitParams,
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("Job %s: %s\n", res.JobID, res.Status)
	if !submitWait {
		return nil
	}
	return waitAndPrint(ctx, cmd.OutOrStdout(), res.JobID)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}
	job, err := apiClient.GetJob(context.Background(), id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

func runWait(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return waitAndPrint(ctx, cmd.OutOrStdout(), id)
}

func runJobs(cmd *cobra.Command, args []string) error {
	projectID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid project id: %w", err)
	}
	jobs, err := apiClient.ListProjectJobs(context.Background(), projectID, jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	fmt.Printf("%-36s %-11s %s\n", "ID", "STATUS", "CREATED")
	fmt.Println(strings.Repeat("-", 72))
	for _, j := range jobs {
		fmt.Printf("%-36s %-11s %s\n", j.ID, j.Status, j.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func waitAndPrint(ctx context.Context, w io.Writer, id uuid.UUID) error {
	job, err := apiClient.Wait(ctx, id, client.PollOptions{
		Interval:    pollInterval,
		MaxAttempts: pollMaxAttempts,
		OnPoll: func(attempt int, j *domainjobs.Job) {
			if verbose {
				stderrf("poll %d: %s\n", attempt, j.Status)
			}
		},
	})
	if errors.Is(err, client.ErrPollTimeout) {
		if job != nil {
			printJob(w, job)
		}
		return fmt.Errorf("gave up after %d polls; the job may still complete on the server", pollMaxAttempts)
	}
	if err != nil {
		return err
	}
	printJob(w, job)
	if job.Status == domainjobs.StatusFailed {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return nil
}

func printJob(w io.Writer, job *domainjobs.Job) {
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	if job.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", job.FinishedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Fprintf(w, "  Duration: %s\n", job.FinishedAt.Sub(*job.StartedAt).Round(time.Second))
		}
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}
	if job.ResultCSVURL != nil {
		fmt.Fprintf(w, "  Grid CSV: %s\n", *job.ResultCSVURL)
	}
	if job.ResultPNGURL != nil {
		fmt.Fprintf(w, "  Heatmap: %s\n", *job.ResultPNGURL)
	}
	var diagnostics []string
	if len(job.DiagnosticURLs) > 0 && json.Unmarshal(job.DiagnosticURLs, &diagnostics) == nil {
		for _, u := range diagnostics {
			fmt.Fprintf(w, "  Diagnostic: %s\n", u)
		}
	}
	if strings.TrimSpace(job.Logs) != "" {
		fmt.Fprintf(w, "\nLog:\n%s\n", strings.TrimRight(job.Logs, "\n"))
	}
}
