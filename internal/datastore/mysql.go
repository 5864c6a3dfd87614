package datastore

import (
	"fmt"
	"net"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// MySQLStore implements Interface for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

func validateMySQLConfig(settings *conf.Settings) error {
	cfg := settings.Datastore.MySQL
	if cfg.Host == "" {
		return validationError("mysql host is required", "datastore.mysql.host", cfg.Host)
	}
	if cfg.Database == "" {
		return validationError("mysql database is required", "datastore.mysql.database", cfg.Database)
	}
	return nil
}

// mysqlDSN builds the driver DSN from settings. FormatDSN takes care of
// escaping credentials.
func mysqlDSN(cfg conf.MySQLSettings) string {
	port := cfg.Port
	if port == "" {
		port = "3306"
	}
	dsn := gomysql.NewConfig()
	dsn.User = cfg.Username
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.Host, port)
	dsn.DBName = cfg.Database
	dsn.ParseTime = true
	dsn.Loc = time.Local
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	return dsn.FormatDSN()
}

// Open sets up the MySQL database connection
func (store *MySQLStore) Open() error {
	if err := validateMySQLConfig(store.Settings); err != nil {
		return err
	}

	cfg := store.Settings.Datastore.MySQL
	db, err := gorm.Open(mysql.Open(mysqlDSN(cfg)),
		newGormConfig(store.log, store.Settings.Datastore.SlowQueryThreshold))
	if err != nil {
		store.log.Error("failed to open MySQL database",
			logger.String("host", cfg.Host),
			logger.String("port", cfg.Port),
			logger.String("database", cfg.Database),
			logger.Error(err))
		return dbError(fmt.Errorf("failed to open MySQL database: %w", err), "open", errors.PriorityCritical,
			"host", cfg.Host, "database", cfg.Database)
	}

	if err := configurePool(db, store.Settings.Datastore.MaxOpenConns, store.Settings.Datastore.MaxIdleConns); err != nil {
		return err
	}

	store.DB = db
	store.log.Info("database opened", logger.String("type", "mysql"), logger.String("host", cfg.Host))
	return performAutoMigration(db, store.log)
}

// Close closes the MySQL connection pool
func (store *MySQLStore) Close() error {
	return store.DataStore.Close()
}
