package datastore

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/inference"
	"github.com/fetalscan/fetalscan/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

// newTestStore opens a migrated SQLite database in the test's temp dir
func newTestStore(t *testing.T) *DataStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fetalscan_test.db")
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), newGormConfig(testLogger(), 0))
	require.NoError(t, err)
	require.NoError(t, configurePool(db, 1, 1))

	ds, err := NewWithDB(db, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

// seedScan creates a patient and a scan with one stored image
func seedScan(t *testing.T, ds *DataStore, patientID string) (*Scan, *Image) {
	t.Helper()
	ctx := t.Context()

	_, _, err := ds.CreateOrGetPatient(ctx, PatientLookup{ID: patientID, Name: "Test Patient"})
	require.NoError(t, err)

	scan := &Scan{PatientID: patientID, GestationalAge: 28, PlaneType: string(inference.PlaneTransThalamic)}
	require.NoError(t, ds.CreateScan(ctx, scan))

	img, err := ds.StoreImage(ctx, scan.ID, "/storage/scans/"+patientID+"/scan.jpg")
	require.NoError(t, err)
	return scan, img
}

func brainReport() *inference.NormalizedReport {
	return &inference.NormalizedReport{
		Plane:            inference.PlaneTransThalamic,
		PrimaryFindings:  "HC abnormal",
		Confidence:       95,
		ImageQuality:     "Good",
		IsNormal:         false,
		Status:           "abnormal",
		NumAbnormalities: 1,
		ProcessingTime:   1.25,
		Measurements: []inference.Measurement{
			{Name: "BPD", ValueMM: 70, Status: "normal", Description: "BPD measurement: 70mm - normal", Confidence: 98},
			{Name: "HC", ValueMM: 260, Status: "abnormal", Description: "HC measurement: 260mm - abnormal", Confidence: 98},
		},
	}
}

type recordingMetrics struct {
	mu         sync.Mutex
	operations map[string][]string
	rollbacks  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{operations: map[string][]string{}, rollbacks: map[string]int{}}
}

func (m *recordingMetrics) RecordOperation(operation, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations[operation] = append(m.operations[operation], status)
}

func (m *recordingMetrics) RecordTransactionRollback(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks[operation]++
}
