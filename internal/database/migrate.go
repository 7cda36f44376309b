package database

import (
	"candy-panel/internal/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Server{},
		&model.Setting{},
	)
}
