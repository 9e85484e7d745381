package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// TerminalStatuses are never overwritten once reached.
var TerminalStatuses = []string{StatusDone, StatusFailed}

func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed
}

type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	ProjectID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	UploadID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"upload_id"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	Params         datatypes.JSON `gorm:"column:params" json:"params"`
	Logs           string         `gorm:"column:logs;not null;default:''" json:"logs"`
	Error          string         `gorm:"column:error" json:"error,omitempty"`
	ResultCSVURL   *string        `gorm:"column:result_csv_url" json:"result_csv_url"`
	ResultPNGURL   *string        `gorm:"column:result_png_url" json:"result_png_url"`
	DiagnosticURLs datatypes.JSON `gorm:"column:diagnostic_urls" json:"diagnostic_urls"`
	StartedAt      *time.Time     `gorm:"column:started_at;index" json:"started_at,omitempty"`
	FinishedAt     *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }
