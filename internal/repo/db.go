// Package repo implements persistence for the order domain on GORM. This
// file bootstraps the SQLite database and runs schema migrations.
package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/domain"
)

// OpenSQLite opens (or creates) the orders database and applies PRAGMAs.
//
// WAL plus a generous busy_timeout matters here: the synchronous completion
// request and the gateway webhook for the same payment frequently write the
// same order row within milliseconds of each other, and the loser of the
// claim write must block briefly rather than error out.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail with a clear stat error if the parent directory is missing; the
	// raw sqlite error for that case is "out of memory (14)" on some
	// platforms, which helps nobody.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// AutoMigrate applies the schema for every persisted model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Order{},
		&domain.OrderItem{},
		&domain.Refund{},
		&domain.DiscountCode{},
		&domain.DiscountUsage{},
		&domain.ProcessingError{},
		&domain.Idempotency{},
	)
}
