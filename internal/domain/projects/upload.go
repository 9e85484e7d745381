package projects

import (
	"time"

	"github.com/google/uuid"
)

// Upload is a raw dataset as received. StorageKey points into the uploads bucket.
type Upload struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	Filename    string    `gorm:"column:filename;not null" json:"filename"`
	SizeBytes   int64     `gorm:"column:size_bytes;not null" json:"size_bytes"`
	StorageKey  string    `gorm:"column:storage_key;not null" json:"storage_key"`
	StorageURL  string    `gorm:"column:storage_url" json:"storage_url"`
	CreatedAt   time.Time `gorm:"not null;index" json:"created_at"`
}

func (Upload) TableName() string { return "uploads" }
