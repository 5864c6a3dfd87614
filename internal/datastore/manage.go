package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// DefaultSlowQueryThreshold is used when the settings leave it unset.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// allModels lists every table in migration order
func allModels() []any {
	return []any{
		&Patient{},
		&Scan{},
		&Image{},
		&Report{},
		&Feature{},
		&AnnotatedImage{},
		&User{},
		&PasswordResetToken{},
	}
}

// newGormConfig returns the shared gorm configuration with SQL logging routed to log
func newGormConfig(log logger.Logger, slowThreshold time.Duration) *gorm.Config {
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowQueryThreshold
	}
	return &gorm.Config{
		Logger:         logger.NewGormLoggerAdapter(log.Module("gorm"), slowThreshold),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// performAutoMigration creates or updates the schema
func performAutoMigration(db *gorm.DB, log logger.Logger) error {
	start := time.Now()
	if err := db.AutoMigrate(allModels()...); err != nil {
		return errors.New(fmt.Errorf("failed to auto-migrate schema: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Priority(errors.PriorityCritical).
			Context("operation", "auto_migrate").
			Build()
	}
	log.Debug("schema migrated",
		logger.Int("tables", len(allModels())),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// configurePool applies connection pool limits from settings
func configurePool(db *gorm.DB, maxOpen, maxIdle int) error {
	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "configure_pool", errors.PriorityHigh)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}
