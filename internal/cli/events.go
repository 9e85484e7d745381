package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aidenerard/fluxspace-site/internal/realtime"
	"github.com/aidenerard/fluxspace-site/internal/realtime/bus"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream job events from Redis",
	Long: `Subscribe to the job event channel (REDIS_ADDR, REDIS_CHANNEL) and print each event as JSON.
Events are best-effort; polling the job is still the source of truth.`,
	RunE: runEvents,
}

var eventsJob string

func init() {
	eventsCmd.Flags().StringVar(&eventsJob, "job", "", "only stream events for this job id")
}

func runEvents(cmd *cobra.Command, args []string) error {
	log, err := operatorLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	b, err := bus.NewRedisBus(log)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	emit := func(ev realtime.JobEvent) {
		if err := enc.Encode(ev); err != nil {
			stderrf("Warning: encode event: %v\n", err)
		}
	}
	if eventsJob != "" {
		jobID, parseErr := uuid.Parse(eventsJob)
		if parseErr != nil {
			return fmt.Errorf("invalid --job: %w", parseErr)
		}
		err = b.ForwardJob(ctx, jobID, emit)
	} else {
		err = b.StartForwarder(ctx, emit)
	}
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	<-ctx.Done()
	return nil
}
