package db

import (
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/hulisang/warp-pool/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens (or creates) the accounts database and runs migrations.
// WAL keeps the refresh daemon's scans from blocking allocation writes;
// busy_timeout makes concurrent lock attempts queue instead of erroring.
func InitDB(dbPath string) (*gorm.DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&models.Account{}); err != nil {
		return nil, err
	}

	return db, nil
}
