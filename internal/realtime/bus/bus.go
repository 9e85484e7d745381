package bus

import (
	"context"

	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/realtime"
)

type Bus interface {
	Publish(ctx context.Context, msg realtime.JobEvent) error
	// StartForwarder delivers every job event on the shared channel.
	StartForwarder(ctx context.Context, onMsg func(m realtime.JobEvent)) error
	// ForwardJob delivers only the events of one job.
	ForwardJob(ctx context.Context, jobID uuid.UUID, onMsg func(m realtime.JobEvent)) error
	Close() error
}

// JobChannel is the per-job channel derived from the shared one.
func JobChannel(channel string, jobID uuid.UUID) string {
	return channel + ":job:" + jobID.String()
}
