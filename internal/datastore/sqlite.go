package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// SQLiteStore implements Interface for SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

func validateSQLiteConfig(settings *conf.Settings) error {
	if strings.TrimSpace(settings.Datastore.SQLite.Path) == "" {
		return validationError("sqlite path is required", "datastore.sqlite.path", "")
	}
	return nil
}

// sqliteDSN enables foreign keys and a busy timeout so concurrent writers wait instead of failing
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_foreign_keys=1"
	}
	return fmt.Sprintf("file:%s?_foreign_keys=1&_busy_timeout=5000&_journal_mode=WAL", path)
}

// Open sets up the SQLite database connection
func (store *SQLiteStore) Open() error {
	if err := validateSQLiteConfig(store.Settings); err != nil {
		return err
	}

	path := store.Settings.Datastore.SQLite.Path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errors.New(err).
					Component("datastore").
					Category(errors.CategoryFileIO).
					Context("operation", "create_db_dir").
					Context("path", dir).
					Build()
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)),
		newGormConfig(store.log, store.Settings.Datastore.SlowQueryThreshold))
	if err != nil {
		store.log.Error("failed to open SQLite database",
			logger.String("path", path),
			logger.Error(err))
		return dbError(fmt.Errorf("failed to open SQLite database: %w", err), "open", errors.PriorityCritical)
	}

	// a single writer avoids "database is locked" under concurrent uploads
	if err := configurePool(db, 1, 1); err != nil {
		return err
	}

	store.DB = db
	store.log.Info("database opened", logger.String("type", "sqlite"), logger.String("path", path))
	return performAutoMigration(db, store.log)
}

// Close closes the SQLite database connection
func (store *SQLiteStore) Close() error {
	return store.DataStore.Close()
}
