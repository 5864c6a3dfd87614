package datastore

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// PostgresStore implements Interface for PostgreSQL
type PostgresStore struct {
	DataStore
	Settings *conf.Settings
}

func validatePostgresConfig(settings *conf.Settings) error {
	cfg := settings.Datastore.Postgres
	if cfg.Host == "" {
		return validationError("postgres host is required", "datastore.postgres.host", cfg.Host)
	}
	if cfg.Database == "" {
		return validationError("postgres database is required", "datastore.postgres.database", cfg.Database)
	}
	return nil
}

// postgresDSN builds a pgx keyword/value DSN from settings
func postgresDSN(cfg conf.PostgresSettings) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port, sslMode)
}

// Open sets up the PostgreSQL database connection
func (store *PostgresStore) Open() error {
	if err := validatePostgresConfig(store.Settings); err != nil {
		return err
	}

	cfg := store.Settings.Datastore.Postgres
	db, err := gorm.Open(postgres.Open(postgresDSN(cfg)),
		newGormConfig(store.log, store.Settings.Datastore.SlowQueryThreshold))
	if err != nil {
		store.log.Error("failed to open PostgreSQL database",
			logger.String("host", cfg.Host),
			logger.String("port", cfg.Port),
			logger.String("database", cfg.Database),
			logger.Error(err))
		return dbError(fmt.Errorf("failed to open PostgreSQL database: %w", err), "open", errors.PriorityCritical,
			"host", cfg.Host, "database", cfg.Database)
	}

	if err := configurePool(db, store.Settings.Datastore.MaxOpenConns, store.Settings.Datastore.MaxIdleConns); err != nil {
		return err
	}

	store.DB = db
	store.log.Info("database opened", logger.String("type", "postgres"), logger.String("host", cfg.Host))
	return performAutoMigration(db, store.log)
}

// Close closes the PostgreSQL connection pool
func (store *PostgresStore) Close() error {
	return store.DataStore.Close()
}
