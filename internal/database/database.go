package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quillon/dmarcwatch/internal/models"
)

// Open bootstraps a SQLite database using the provided filesystem path and
// migrates the pipeline schema.
func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate applies automatic migrations for all pipeline models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Report{},
		&models.ReportRecord{},
		&models.Assessment{},
		&models.AlertNotification{},
		&models.IntakeLogEntry{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	return nil
}
