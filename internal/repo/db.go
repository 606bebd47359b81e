// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver), Postgres and MySQL, and schema migrations.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// sqlitePragmas are applied by the driver to every pooled connection.
const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// Open connects to the configured database driver.
// Supported drivers: sqlite (path), postgres and mysql (dsn).
func Open(driver, dsn, path string, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	switch driver {
	case "", "sqlite":
		return OpenSQLite(path, cfg)
	case "postgres":
		return openPooled(postgres.Open(dsn), cfg)
	case "mysql":
		return openPooled(mysql.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database with WAL, foreign keys and
// a busy timeout enabled on every connection.
func OpenSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		cfg = &gorm.Config{}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return openPooled(sqlite.Open(path+sep+sqlitePragmas), cfg)
}

func openPooled(dialector gorm.Dialector, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, err
	}

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// AutoMigrate creates or updates all tables used by the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Credential{},
		&domain.Assignment{},
		&domain.Chat{},
		&domain.Turn{},
		&domain.UserProfile{},
		&domain.Idempotency{},
	)
}
