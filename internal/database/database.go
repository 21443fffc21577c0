package database

import (
	"sync"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/internal/models"
)

var (
	o  sync.Once
	db *gorm.DB
)

// Initialize opens the local state database and runs migrations. Called once
// during the daemon boot process.
func Initialize() error {
	var err error
	o.Do(func() {
		db, err = gorm.Open(sqlite.Open(config.Get().System.GetDatabasePath()), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	})
	if err != nil {
		return errors.Wrap(err, "database: failed to open local state database")
	}
	if err := db.AutoMigrate(&models.ModuleInstallState{}); err != nil {
		return errors.Wrap(err, "database: failed to migrate module state table")
	}
	return nil
}

// Instance returns the gorm handle. Panics if Initialize was never called;
// that is a wiring bug, not a runtime condition.
func Instance() *gorm.DB {
	if db == nil {
		panic("database: attempt to access instance before initialization")
	}
	return db
}

// SetInstance replaces the global handle, used by package tests to point the
// store at an in-memory database.
func SetInstance(handle *gorm.DB) {
	db = handle
}
