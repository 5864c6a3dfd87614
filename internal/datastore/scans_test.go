package datastore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/errors"
)

func TestCreateScanDefaults(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, ds.CreatePatient(ctx, &Patient{ID: "P-10001", Name: "Jane"}))

	scan := &Scan{PatientID: "P-10001", GestationalAge: 20}
	require.NoError(t, ds.CreateScan(ctx, scan))
	assert.NotZero(t, scan.ID)
	assert.Equal(t, time.Now().Format(ScanDateLayout), scan.ScanDate)
	assert.Equal(t, StepCreated, scan.AnalysisStep)

	err := ds.CreateScan(ctx, &Scan{PatientID: "P-10001", ScanDate: "03/04/2024", GestationalAge: 20})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	err = ds.CreateScan(ctx, &Scan{PatientID: "P-55555", GestationalAge: 20})
	assert.True(t, errors.IsNotFound(err), "foreign key violation maps to a missing patient: %v", err)
}

func TestStoreImageAdvancesStep(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	scan, img := seedScan(t, ds, "P-10001")

	assert.NotZero(t, img.ID)
	got, err := ds.GetScan(t.Context(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, StepImageStored, got.AnalysisStep)

	_, err = ds.StoreImage(t.Context(), 9999, "/storage/x.jpg")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreReportAtomic(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	metrics := newRecordingMetrics()
	ds.SetMetrics(metrics)
	ctx := t.Context()

	scan, img := seedScan(t, ds, "P-10001")

	report, err := ds.StoreReport(ctx, scan.ID, brainReport(), StoreReportOptions{
		AnnotatedImages: []AnnotatedImageInput{{OriginalImageID: img.ID, Path: "/storage/scans/P-10001/scan_annotated.jpg"}},
	})
	require.NoError(t, err)
	assert.NotZero(t, report.ID)
	assert.False(t, report.IsNormal)
	assert.Equal(t, 1, report.NumAbnormalities)
	require.Len(t, report.Features, 2)
	assert.Equal(t, "BPD", report.Features[0].Name)
	assert.Equal(t, "HC", report.Features[1].Name)
	require.Len(t, report.AnnotatedImages, 1)

	got, err := ds.GetScanWithDetails(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, StepReportStored, got.AnalysisStep)
	require.NotNil(t, got.Patient)
	assert.Equal(t, "P-10001", got.Patient.ID)
	require.Len(t, got.Images, 1)
	require.Len(t, got.Reports, 1)
	assert.Len(t, got.Reports[0].Features, 2)
	assert.Len(t, got.Reports[0].AnnotatedImages, 1)

	// a second report for the same scan is refused
	_, err = ds.StoreReport(ctx, scan.ID, brainReport(), StoreReportOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	assert.Contains(t, metrics.operations["store_report"], "success")
	assert.Equal(t, 1, metrics.rollbacks["store_report"])
}

func TestStoreReportRollsBackOnFeatureFailure(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	scan, _ := seedScan(t, ds, "P-10001")

	const name = "test:fail_feature_insert"
	require.NoError(t, ds.DB.Callback().Create().Before("gorm:create").Register(name, func(tx *gorm.DB) {
		if tx.Statement.Table == "detected_features" {
			_ = tx.AddError(errors.NewStd("injected feature failure"))
		}
	}))

	_, err := ds.StoreReport(ctx, scan.ID, brainReport(), StoreReportOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
	require.NoError(t, ds.DB.Callback().Create().Remove(name))

	var reports, features int64
	require.NoError(t, ds.DB.Model(&Report{}).Count(&reports).Error)
	require.NoError(t, ds.DB.Model(&Feature{}).Count(&features).Error)
	assert.Zero(t, reports, "no report without its features")
	assert.Zero(t, features)

	got, err := ds.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, StepImageStored, got.AnalysisStep, "saga marker is rolled back with the rows")

	_, err = ds.StoreReport(ctx, 4242, brainReport(), StoreReportOptions{})
	assert.True(t, errors.IsNotFound(err))
}

func TestClaimScanForAnalysis(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	scan, _ := seedScan(t, ds, "P-10001")

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range claimers {
		wg.Go(func() {
			ok, err := ds.ClaimScanForAnalysis(ctx, scan.ID, time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 1, granted, "exactly one concurrent claimer wins")

	got, err := ds.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAnalyzing, got.AnalysisStep)

	require.NoError(t, ds.MarkScanStep(ctx, scan.ID, StepAnalysisFailed, "upstream 500"))
	got, err = ds.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, "upstream 500", got.LastError)

	ok, err := ds.ClaimScanForAnalysis(ctx, scan.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "failed analysis is retryable")

	_, err = ds.ClaimScanForAnalysis(ctx, 9999, time.Minute)
	assert.True(t, errors.IsNotFound(err))

	err = ds.MarkScanStep(ctx, scan.ID, "finished", "")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestClaimTakesOverExpiredLease(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	scan, _ := seedScan(t, ds, "P-10002")

	ok, err := ds.ClaimScanForAnalysis(ctx, scan.ID, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ds.ClaimScanForAnalysis(ctx, scan.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a live claim is not taken over")

	// the claiming process died an hour ago
	require.NoError(t, ds.DB.Model(&Scan{}).Where("scan_id = ?", scan.ID).
		UpdateColumn("updated_at", ds.DB.NowFunc().Add(-time.Hour)).Error)

	ok, err = ds.ClaimScanForAnalysis(ctx, scan.ID, 0)
	require.NoError(t, err)
	assert.False(t, ok, "takeover is disabled without a lease")

	ok, err = ds.ClaimScanForAnalysis(ctx, scan.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired claim is taken over")

	got, err := ds.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAnalyzing, got.AnalysisStep)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute, "the takeover renews the lease")

	ok, err = ds.ClaimScanForAnalysis(ctx, scan.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateScanNotes(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	scan, _ := seedScan(t, ds, "P-10001")

	require.NoError(t, ds.UpdateScanNotes(ctx, scan.ID, "follow-up in 2 weeks"))
	require.NoError(t, ds.UpdateScanNotes(ctx, scan.ID, "follow-up in 2 weeks"))

	got, err := ds.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, "follow-up in 2 weeks", got.Notes)

	assert.True(t, errors.IsNotFound(ds.UpdateScanNotes(ctx, 777, "x")))
}

func TestGetPatientScans(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	older, _ := seedScan(t, ds, "P-10001")
	require.NoError(t, ds.DB.Model(&Scan{}).Where("scan_id = ?", older.ID).Update("scan_date", "2024-01-10").Error)
	newer, _ := seedScan(t, ds, "P-10001")
	_, err := ds.StoreReport(ctx, newer.ID, brainReport(), StoreReportOptions{})
	require.NoError(t, err)

	scans, err := ds.GetPatientScans(ctx, "P-10001")
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, newer.ID, scans[0].ScanID)
	assert.Equal(t, int64(1), scans[0].ImageCount)
	assert.Equal(t, int64(1), scans[0].ReportCount)
	assert.Equal(t, int64(0), scans[1].ReportCount)

	_, err = ds.GetPatientScans(ctx, "P-00000")
	assert.True(t, errors.IsNotFound(err))
}

func TestGetLatestReport(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	scan, _ := seedScan(t, ds, "P-10001")

	_, err := ds.GetLatestReport(ctx, scan.ID)
	assert.True(t, errors.IsNotFound(err))

	stored, err := ds.StoreReport(ctx, scan.ID, brainReport(), StoreReportOptions{})
	require.NoError(t, err)

	latest, err := ds.GetLatestReport(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, latest.ID)
	assert.Len(t, latest.Features, 2)
}
