// Package datastore persists patients, scans, reports and users through gorm.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/inference"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// Interface abstracts the relational store used by the API and the ingestion saga.
type Interface interface {
	Open() error
	Close() error
	Ping(ctx context.Context) error

	// patients
	CreateOrGetPatient(ctx context.Context, lookup PatientLookup) (*Patient, bool, error)
	CreatePatient(ctx context.Context, patient *Patient) error
	GetPatient(ctx context.Context, id string) (*Patient, error)
	ListPatients(ctx context.Context, query PatientQuery) ([]Patient, int64, error)
	UpdatePatientStatus(ctx context.Context, id string, status PatientStatus) (*Patient, error)

	// scans and the ingestion saga
	CreateScan(ctx context.Context, scan *Scan) error
	GetScan(ctx context.Context, scanID uint) (*Scan, error)
	StoreImage(ctx context.Context, scanID uint, path string) (*Image, error)
	StoreReport(ctx context.Context, scanID uint, report *inference.NormalizedReport, opts StoreReportOptions) (*Report, error)
	MarkScanStep(ctx context.Context, scanID uint, step ScanStep, lastError string) error
	ClaimScanForAnalysis(ctx context.Context, scanID uint, lease time.Duration) (bool, error)
	UpdateScanNotes(ctx context.Context, scanID uint, notes string) error

	// read paths
	GetScanWithDetails(ctx context.Context, scanID uint) (*Scan, error)
	GetPatientScans(ctx context.Context, patientID string) ([]ScanSummary, error)
	ListHistory(ctx context.Context, query HistoryQuery) ([]HistoryEntry, int64, error)
	GetLatestReport(ctx context.Context, scanID uint) (*Report, error)

	// accounts
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id uint) (*User, error)
	GetUserByLogin(ctx context.Context, login string) (*User, error)
	CreatePasswordResetToken(ctx context.Context, token *PasswordResetToken) error
	ResetPassword(ctx context.Context, token, passwordHash string, now time.Time) error
}

// MetricsRecorder receives timing and outcome of datastore operations.
type MetricsRecorder interface {
	RecordOperation(operation, status string, duration time.Duration)
	RecordTransactionRollback(operation string)
}

// DataStore implements Interface on an injected gorm handle.
type DataStore struct {
	DB      *gorm.DB
	log     logger.Logger
	metrics MetricsRecorder
}

// New returns the store selected by settings.Datastore.Type. Open must be called before use.
func New(settings *conf.Settings, log logger.Logger) (Interface, error) {
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	base := DataStore{log: log}

	switch strings.ToLower(settings.Datastore.Type) {
	case "sqlite", "":
		return &SQLiteStore{DataStore: base, Settings: settings}, nil
	case "mysql":
		return &MySQLStore{DataStore: base, Settings: settings}, nil
	case "postgres":
		return &PostgresStore{DataStore: base, Settings: settings}, nil
	default:
		return nil, errors.Newf("unsupported datastore type %q", settings.Datastore.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// NewWithDB wraps an already opened gorm handle and migrates the schema.
func NewWithDB(db *gorm.DB, log logger.Logger) (*DataStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	ds := &DataStore{DB: db, log: log}
	if err := performAutoMigration(db, log); err != nil {
		return nil, err
	}
	return ds, nil
}

// SetMetrics attaches a metrics recorder; nil disables recording.
func (ds *DataStore) SetMetrics(m MetricsRecorder) {
	ds.metrics = m
}

// Open is a no-op for stores built with NewWithDB.
func (ds *DataStore) Open() error {
	if ds.DB == nil {
		return fmt.Errorf("database connection is not initialized")
	}
	return nil
}

// Close closes the underlying connection pool
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return fmt.Errorf("database connection is not initialized")
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close", errors.PriorityLow)
	}
	return sqlDB.Close()
}

// Ping checks database connectivity
func (ds *DataStore) Ping(ctx context.Context) error {
	if ds.DB == nil {
		return fmt.Errorf("database connection is not initialized")
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "ping", errors.PriorityLow)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return dbError(err, "ping", errors.PriorityHigh)
	}
	return nil
}

// Stats returns connection pool statistics, or zero values before Open.
func (ds *DataStore) Stats() sql.DBStats {
	if ds.DB == nil {
		return sql.DBStats{}
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return sql.DBStats{}
	}
	return sqlDB.Stats()
}

// db returns the handle bound to ctx
func (ds *DataStore) db(ctx context.Context) *gorm.DB {
	return ds.DB.WithContext(ctx)
}

// observe records the outcome of an operation started at start
func (ds *DataStore) observe(operation string, start time.Time, err error) {
	if ds.metrics == nil {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.IsNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}
	ds.metrics.RecordOperation(operation, status, time.Since(start))
}

// track returns a func that records the operation outcome; use as defer ds.track(op)(&err)
func (ds *DataStore) track(operation string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		ds.observe(operation, start, *errp)
	}
}

func (ds *DataStore) recordRollback(operation string) {
	if ds.metrics != nil {
		ds.metrics.RecordTransactionRollback(operation)
	}
}

var (
	_ Interface = (*DataStore)(nil)
	_ Interface = (*SQLiteStore)(nil)
	_ Interface = (*MySQLStore)(nil)
	_ Interface = (*PostgresStore)(nil)
)
