package db

import (
	"fmt"

	types "github.com/aidenerard/fluxspace-site/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(types.Models()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Running automigrate")
	return AutoMigrateAll(s.db)
}
