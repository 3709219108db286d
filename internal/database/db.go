package database

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medic-monitor/medic/internal/medicerr"
)

// DB is the global database instance
var DB *gorm.DB

// Connect establishes a connection to the PostgreSQL database
func Connect(dsn string, logLevel logger.LogLevel) error {
	var err error

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return medicerr.Unavailablef("failed to connect to database: %v", err)
	}

	log.Println("Database connection established")
	return nil
}

// AutoMigrate runs database migrations
func AutoMigrate() error {
	return AutoMigrateOn(DB)
}

// AutoMigrateOn runs migrations against the given database handle. Tests use
// this with an in-memory SQLite database.
func AutoMigrateOn(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Service{},
		&HeartbeatEvent{},
		&Alert{},
		&Playbook{},
		&PlaybookTrigger{},
		&PlaybookExecution{},
		&ApprovalRequest{},
		&ServiceSnapshot{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection
func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
