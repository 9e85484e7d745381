package usage

import (
	"time"

	"github.com/google/uuid"
)

// UsageCounter tracks per-user monthly consumption. Month is formatted "YYYY-MM" in UTC.
type UsageCounter struct {
	UserID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	Month            string    `gorm:"column:month;primaryKey;size:7" json:"month"`
	JobsUsed         int       `gorm:"column:jobs_used;not null;default:0" json:"jobs_used"`
	StorageUsedBytes int64     `gorm:"column:storage_used_bytes;not null;default:0" json:"storage_used_bytes"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

func (UsageCounter) TableName() string { return "usage_counters" }

func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
