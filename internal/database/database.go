package database

import (
	"fmt"

	"github.com/ksred/volume-engine/internal/database/migrations"
	"github.com/ksred/volume-engine/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the engine database at path and brings the schema up to
// date. Tests pass ":memory:" for a throwaway in-memory database.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddTransactionLedger(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddOrderLocks(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Order{},
		&types.Task{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
