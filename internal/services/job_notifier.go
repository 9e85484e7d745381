package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	types "github.com/aidenerard/fluxspace-site/internal/domain"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
	"github.com/aidenerard/fluxspace-site/internal/realtime"
	"github.com/aidenerard/fluxspace-site/internal/realtime/bus"
)

type JobNotifier interface {
	JobCreated(userID uuid.UUID, job *types.Job)
	JobProgress(userID uuid.UUID, job *types.Job, stage string, message string)
	JobFailed(userID uuid.UUID, job *types.Job, stage string, errorMessage string)
	JobDone(userID uuid.UUID, job *types.Job)
}

type jobNotifier struct {
	bus bus.Bus
	log *logger.Logger
}

// NewJobNotifier publishes job events on b. A nil bus yields a notifier that drops everything.
func NewJobNotifier(b bus.Bus, baseLog *logger.Logger) JobNotifier {
	if b == nil {
		return NopJobNotifier{}
	}
	return &jobNotifier{bus: b, log: baseLog.With("service", "JobNotifier")}
}

func (n *jobNotifier) publish(ev realtime.JobEvent) {
	ev.At = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.bus.Publish(ctx, ev); err != nil {
		n.log.Warn("publish job event failed", "event", ev.Event, "job_id", ev.JobID, "error", err)
	}
}

func (n *jobNotifier) JobCreated(userID uuid.UUID, job *types.Job) {
	n.publish(realtime.JobEvent{
		Channel: userID.String(),
		Event:   realtime.JobEventCreated,
		JobID:   job.ID,
		Status:  job.Status,
	})
}

func (n *jobNotifier) JobProgress(userID uuid.UUID, job *types.Job, stage string, message string) {
	n.publish(realtime.JobEvent{
		Channel: userID.String(),
		Event:   realtime.JobEventProgress,
		JobID:   job.ID,
		Status:  job.Status,
		Stage:   stage,
		Message: message,
	})
}

func (n *jobNotifier) JobFailed(userID uuid.UUID, job *types.Job, stage string, errorMessage string) {
	n.publish(realtime.JobEvent{
		Channel: userID.String(),
		Event:   realtime.JobEventFailed,
		JobID:   job.ID,
		Status:  job.Status,
		Stage:   stage,
		Message: errorMessage,
	})
}

func (n *jobNotifier) JobDone(userID uuid.UUID, job *types.Job) {
	data := map[string]any{}
	if job.ResultCSVURL != nil {
		data["result_csv_url"] = *job.ResultCSVURL
	}
	if job.ResultPNGURL != nil {
		data["result_png_url"] = *job.ResultPNGURL
	}
	n.publish(realtime.JobEvent{
		Channel: userID.String(),
		Event:   realtime.JobEventDone,
		JobID:   job.ID,
		Status:  job.Status,
		Data:    data,
	})
}

type NopJobNotifier struct{}

func (NopJobNotifier) JobCreated(uuid.UUID, *types.Job)                  {}
func (NopJobNotifier) JobProgress(uuid.UUID, *types.Job, string, string) {}
func (NopJobNotifier) JobFailed(uuid.UUID, *types.Job, string, string)   {}
func (NopJobNotifier) JobDone(uuid.UUID, *types.Job)                     {}
