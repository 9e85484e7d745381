package realtime

import (
	"time"

	"github.com/google/uuid"
)

type JobEventType string

const (
	JobEventCreated  JobEventType = "job_created"
	JobEventProgress JobEventType = "job_progress"
	JobEventFailed   JobEventType = "job_failed"
	JobEventDone     JobEventType = "job_done"
)

// JobEvent is the message published for every job status change. Channel is the owning user id.
type JobEvent struct {
	Channel string         `json:"channel"`
	Event   JobEventType   `json:"event"`
	JobID   uuid.UUID      `json:"job_id"`
	Status  string         `json:"status"`
	Stage   string         `json:"stage,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}
